package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/broker"
)

// Tracker turns session online/offline transitions into store writes and
// broker events. A nil broker disables the events.
type Tracker struct {
	store    Store
	broker   broker.MessageBroker
	channel  string
	serverID string
	clock    func() time.Time
	log      zerolog.Logger
}

func NewTracker(store Store, b broker.MessageBroker, channel, serverID string, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:    store,
		broker:   b,
		channel:  channel,
		serverID: serverID,
		clock:    time.Now,
		log:      log,
	}
}

func (t *Tracker) Online(ctx context.Context, workspace, user, sessionID string) error {
	existing, err := t.store.Get(ctx, workspace, sessionID)
	if err != nil {
		return fmt.Errorf("presence lookup %s/%s: %w", workspace, sessionID, err)
	}
	if existing != nil {
		if err := t.store.RefreshTTL(ctx, workspace, sessionID); err != nil {
			return fmt.Errorf("presence refresh %s/%s: %w", workspace, sessionID, err)
		}
	} else {
		err := t.store.Create(ctx, &Record{
			Workspace:   workspace,
			User:        user,
			SessionID:   sessionID,
			ServerID:    t.serverID,
			ConnectedAt: t.clock(),
		})
		if err != nil {
			return fmt.Errorf("presence create %s/%s: %w", workspace, sessionID, err)
		}
	}
	t.log.Debug().Str("workspace", workspace).Str("session", sessionID).Bool("refreshed", existing != nil).Msg("online")

	// A reconnect that refreshed an existing record is not news.
	if existing != nil {
		return nil
	}
	return t.publish(ctx, broker.EventOnline, workspace, user, sessionID)
}

func (t *Tracker) Offline(ctx context.Context, workspace, user, sessionID string) error {
	var errs []error
	if err := t.store.Delete(ctx, workspace, sessionID); err != nil {
		errs = append(errs, fmt.Errorf("presence delete %s/%s: %w", workspace, sessionID, err))
	}
	if err := t.publish(ctx, broker.EventOffline, workspace, user, sessionID); err != nil {
		errs = append(errs, err)
	}
	t.log.Debug().Str("workspace", workspace).Str("session", sessionID).Msg("offline")
	return errors.Join(errs...)
}

func (t *Tracker) publish(ctx context.Context, kind, workspace, user, sessionID string) error {
	if t.broker == nil {
		return nil
	}
	err := t.broker.Publish(ctx, t.channel, broker.Message{
		Type:      kind,
		Workspace: workspace,
		User:      user,
		SessionID: sessionID,
		ServerID:  t.serverID,
		Time:      t.clock(),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}
