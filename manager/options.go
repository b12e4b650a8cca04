package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/config"
	"github.com/abdelmounim-dev/workspace-pooler/pipeline"
	"github.com/abdelmounim-dev/workspace-pooler/token"
)

// WorkspaceInfo is the routing metadata of a workspace.
type WorkspaceInfo struct {
	Workspace string `json:"workspace"`
	URL       string `json:"url"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Creating  bool   `json:"creating"`
}

// Resolver looks up authoritative workspace metadata. A nil info with a nil
// error means the workspace is unknown.
type Resolver interface {
	WorkspaceInfo(ctx context.Context, rawToken string, tok token.Token) (*WorkspaceInfo, error)
}

// Presence receives the online/offline side effects of sessions.
type Presence interface {
	Online(ctx context.Context, workspace, user, sessionID string) error
	Offline(ctx context.Context, workspace, user, sessionID string) error
}

type noPresence struct{}

func (noPresence) Online(context.Context, string, string, string) error  { return nil }
func (noPresence) Offline(context.Context, string, string, string) error { return nil }

type Options struct {
	// Version is the model version served by this process.
	Version  string
	Factory  pipeline.Factory
	Resolver Resolver
	Presence Presence
	Reporter Reporter
	Logger   zerolog.Logger
	Clock    func() time.Time

	TickInterval        time.Duration
	HungTimeout         time.Duration
	HungCheckEveryTicks int
	IdlePingAfter       time.Duration
	SlowRequestWarning  time.Duration
	HandshakeTimeout    time.Duration
	SoftShutdownTicks   int
	ReconnectGrace      time.Duration
	UpgradeCloseTimeout time.Duration
	ChunkBytes          int
	TrafficWindow       time.Duration
}

// OptionsFromConfig maps the manager section of the app config. Collaborators
// are left for the caller to fill in.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	mc := cfg.Manager
	return Options{
		Version:             cfg.Server.Version,
		TickInterval:        config.Millis(mc.TickInterval),
		HungTimeout:         config.Seconds(mc.HungTimeout),
		HungCheckEveryTicks: mc.HungCheckEveryTicks,
		IdlePingAfter:       config.Seconds(mc.IdlePingAfter),
		SlowRequestWarning:  config.Seconds(mc.SlowRequestWarning),
		HandshakeTimeout:    config.Seconds(cfg.WebSocket.HandshakeTimeout),
		SoftShutdownTicks:   mc.SoftShutdownTicks,
		ReconnectGrace:      config.Seconds(mc.ReconnectGrace),
		UpgradeCloseTimeout: config.Seconds(mc.UpgradeCloseTimeout),
		ChunkBytes:          mc.ChunkBytes,
		TrafficWindow:       config.Seconds(mc.TrafficWindow),
	}
}

func (o *Options) setDefaults() {
	if o.Factory == nil {
		o.Factory = pipeline.NewMemoryFactory(nil)
	}
	if o.Presence == nil {
		o.Presence = noPresence{}
	}
	if o.Reporter == nil {
		o.Reporter = NewLogReporter(o.Logger)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 10 * time.Second
	}
	if o.HungTimeout <= 0 {
		o.HungTimeout = 60 * time.Second
	}
	if o.HungCheckEveryTicks <= 0 {
		o.HungCheckEveryTicks = 3
	}
	if o.IdlePingAfter <= 0 {
		o.IdlePingAfter = 20 * time.Second
	}
	if o.SlowRequestWarning <= 0 {
		o.SlowRequestWarning = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.SoftShutdownTicks <= 0 {
		o.SoftShutdownTicks = 3
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 20 * time.Second
	}
	if o.UpgradeCloseTimeout <= 0 {
		o.UpgradeCloseTimeout = 120 * time.Second
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = 1024 * 1024
	}
	if o.TrafficWindow <= 0 {
		o.TrafficWindow = 5 * time.Minute
	}
}
