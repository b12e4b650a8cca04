package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/abdelmounim-dev/workspace-pooler/metrics"
)

const (
	publishMaxRetries     = 3
	publishInitialBackoff = 100 * time.Millisecond
	publishMaxBackoff     = 5 * time.Second
)

// publishWithRetry runs op with exponential backoff, counting retries per
// broker type.
func publishWithRetry(ctx context.Context, log zerolog.Logger, brokerType string, message Message, op func() error) error {
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(publishInitialBackoff),
				backoff.WithMaxInterval(publishMaxBackoff),
			),
			publishMaxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(op, strategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(brokerType).Inc()
		log.Warn().Err(err).Str("session", message.SessionID).Dur("next_attempt", d).Msg("retrying publish")
	})
	if err == nil {
		metrics.BrokerMessagesPublished.WithLabelValues(brokerType).Inc()
	}
	return err
}
