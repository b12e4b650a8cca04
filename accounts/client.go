// Package accounts queries the accounts service for authoritative workspace
// routing metadata.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/manager"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

const (
	methodGetWorkspaceInfo = "getWorkspaceInfo"
	modeCreating           = "creating"

	lookupRetries = 3
)

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type workspaceInfo struct {
	Workspace string `json:"workspace"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Creating  bool   `json:"creating"`
	Mode      string `json:"mode"`
}

type rpcResponse struct {
	Result *workspaceInfo `json:"result"`
	Error  *rpcError      `json:"error"`
}

// Client implements manager.Resolver over HTTP.
type Client struct {
	url  string
	http *http.Client
	log  zerolog.Logger
}

func NewClient(url string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// WorkspaceInfo asks the accounts service about the workspace of tok. An
// unknown workspace yields nil, nil. Server errors are retried.
func (c *Client) WorkspaceInfo(ctx context.Context, rawToken string, tok token.Token) (*manager.WorkspaceInfo, error) {
	body, err := json.Marshal(rpcRequest{Method: methodGetWorkspaceInfo, Params: []any{}})
	if err != nil {
		return nil, err
	}

	var info *workspaceInfo
	op := func() error {
		res, err := c.call(ctx, rawToken, body)
		if err != nil {
			return err
		}
		info = res
		return nil
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(50*time.Millisecond)), lookupRetries),
		ctx,
	)
	err = backoff.RetryNotify(op, strategy, func(err error, d time.Duration) {
		c.log.Warn().Err(err).Str("workspace", tok.Workspace).Dur("next_attempt", d).Msg("retrying workspace lookup")
	})
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	return &manager.WorkspaceInfo{
		Workspace: info.Workspace,
		URL:       info.URL,
		Name:      info.Name,
		Version:   info.Version,
		Creating:  info.Creating || info.Mode == modeCreating,
	}, nil
}

func (c *Client) call(ctx context.Context, rawToken string, body []byte) (*workspaceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rawToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("accounts request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("accounts response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("accounts service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("accounts service returned %d: %s", resp.StatusCode, bytes.TrimSpace(payload)))
	}

	var out rpcResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode accounts response: %w", err))
	}
	if out.Error != nil {
		return nil, backoff.Permanent(errors.New(out.Error.Code + ": " + out.Error.Message))
	}
	return out.Result, nil
}
