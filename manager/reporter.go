package manager

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
)

// Error kinds handed to a Reporter.
const (
	KindRequest   = "request"
	KindTransport = "transport"
	KindLifecycle = "lifecycle"
	KindPresence  = "presence"
	KindAdmission = "admission"
)

// Reporter is the error-tracking collaborator. Implementations must not block.
type Reporter interface {
	Report(ctx context.Context, kind string, err error, fields map[string]string)
}

// LogReporter writes reported errors to the log and counts them.
type LogReporter struct {
	log zerolog.Logger
}

func NewLogReporter(log zerolog.Logger) *LogReporter {
	return &LogReporter{log: log}
}

func (r *LogReporter) Report(_ context.Context, kind string, err error, fields map[string]string) {
	metrics.ReportedErrors.WithLabelValues(kind).Inc()
	ev := r.log.Error().Err(err).Str("kind", kind)
	for k, v := range fields {
		ev = ev.Str(k, v)
	}
	ev.Msg("error reported")
}
