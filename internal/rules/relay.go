package rules

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/metrics"
)

// Publisher sends one event to the broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Outbox is the queue the relay drains.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

const (
	relayBatch     = 100
	relayIdle      = 500 * time.Millisecond
	relayErrorWait = time.Second
	retryBase      = 10 * time.Second
	retryCeiling   = 10 * time.Minute
)

// Relay moves outbox rows to the broker.
type Relay struct {
	outbox    Outbox
	publisher Publisher
	logger    zerolog.Logger
}

// NewRelay creates a relay.
func NewRelay(outbox Outbox, publisher Publisher, logger zerolog.Logger) *Relay {
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		logger:    logging.Component(logger, "outbox-relay"),
	}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		n, err := r.Flush(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("dequeuing outbox failed")
			wait = relayErrorWait
		case n == 0:
			wait = relayIdle
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// Flush makes one pass over due outbox rows and returns how many were
// dequeued.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	messages, err := r.outbox.DequeueOutbox(ctx, relayBatch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := r.publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := RetryBackoff(msg.Retries)
			r.logger.Warn().Err(err).Int64("outbox_id", msg.ID).Dur("retry_in", backoff).Msg("publishing event failed")
			metrics.OutboxPublished.WithLabelValues("retry").Inc()
			if err := r.outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				r.logger.Error().Err(err).Int64("outbox_id", msg.ID).Msg("scheduling outbox retry failed")
			}
			continue
		}

		metrics.OutboxPublished.WithLabelValues("published").Inc()
		if err := r.outbox.MarkPublished(ctx, msg.ID); err != nil {
			r.logger.Error().Err(err).Int64("outbox_id", msg.ID).Msg("marking outbox row published failed")
		}
	}
	return len(messages), nil
}

// RetryBackoff is the wait before republishing a row that failed retries
// times: 10s doubling per retry, capped at 10m.
func RetryBackoff(retries int) time.Duration {
	d := retryBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= retryCeiling {
			return retryCeiling
		}
	}
	return d
}
