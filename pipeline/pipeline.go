// Package pipeline describes the storage/query engine a workspace is backed
// by. The pooler treats a Pipeline as opaque; it only constructs, queries,
// writes through and closes it.
package pipeline

import (
	"context"

	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

// Pipeline is the per-workspace engine. Implementations must be safe for
// concurrent use: several sessions of a workspace call into it at once.
type Pipeline interface {
	FindAll(ctx context.Context, class string, query map[string]any, opts *protocol.FindOptions) (*protocol.FindResult, error)
	Tx(ctx context.Context, tx protocol.Tx) (*TxResult, error)
	Close(ctx context.Context) error
}

// TxResult is what a write hands back to the caller. Broadcast overrides the
// transactions fanned out to other sessions (the applied tx when empty);
// Targets restricts delivery to the listed users.
type TxResult struct {
	Result    any
	Broadcast []protocol.Tx
	Targets   []string
}

// Descriptor identifies the workspace a pipeline is built for.
type Descriptor struct {
	Key        string
	URL        string
	Name       string
	Generation string
}

// BroadcastFunc is handed to a pipeline so it can push transactions it
// derives on its own (triggers, async jobs) to the workspace's sessions.
type BroadcastFunc func(ctx context.Context, txes []protocol.Tx, targets []string)

// Factory constructs a Pipeline. upgrade is set when the pipeline is built
// for a model upgrade session.
type Factory func(ctx context.Context, ws Descriptor, upgrade bool, broadcast BroadcastFunc) (Pipeline, error)
