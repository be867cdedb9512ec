package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/metrics"
)

// ErrNotConfigured is reported when no webhook URL or secret is set.
var ErrNotConfigured = errors.New("dispatch: webhook URL or secret not configured")

// PermanentError is a rejection that must not be retried.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("webhook rejected with status %d: %s", e.StatusCode, e.Body)
}

// Notification is the webhook payload.
type Notification struct {
	AccountID string `json:"accountId"`
	NewCursor string `json:"newCursor,omitempty"`
}

// Result is the outcome of one delivery.
type Result struct {
	Delivered bool
	Attempts  int
	// Delays are the waits before each retry.
	Delays []time.Duration
	Err    error
}

// Config configures a Dispatcher.
type Config struct {
	URL        string
	Secret     string
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
}

// Dispatcher delivers state-change notifications to the processing
// boundary with bounded retries.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. A nil client gets cfg.Timeout.
func New(cfg Config, client *http.Client, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Dispatcher{
		cfg:    cfg,
		client: client,
		logger: logging.Component(logger, "dispatch"),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch delivers one notification. 2xx succeeds, 4xx fails at once,
// 5xx and network errors are retried up to MaxRetries times with delays
// doubling from BaseDelay. It never panics or returns an error outside
// the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, accountID, cursor string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Delivered = false
			res.Err = fmt.Errorf("dispatch panicked: %v", r)
		}
		outcome := "delivered"
		if !res.Delivered {
			outcome = "failed"
		}
		metrics.DispatchResults.WithLabelValues(outcome).Inc()
	}()

	if d.cfg.URL == "" || d.cfg.Secret == "" {
		return Result{Err: ErrNotConfigured}
	}

	body, err := json.Marshal(Notification{AccountID: accountID, NewCursor: cursor})
	if err != nil {
		return Result{Err: fmt.Errorf("encoding notification: %w", err)}
	}

	log := d.logger.With().Str("account_id", accountID).Logger()
	delay := d.cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		metrics.DispatchAttempts.Inc()

		err := d.post(ctx, body)
		if err == nil {
			res.Delivered = true
			res.Err = nil
			log.Debug().Int("attempts", attempt).Msg("notification delivered")
			return res
		}
		res.Err = err

		var perm *PermanentError
		if errors.As(err, &perm) {
			log.Warn().Err(err).Msg("notification rejected")
			return res
		}
		if ctx.Err() != nil || attempt > d.cfg.MaxRetries {
			log.Error().Err(err).Int("attempts", attempt).Msg("notification delivery failed")
			return res
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("notification delivery failed, retrying")
		res.Delays = append(res.Delays, delay)
		if err := d.sleep(ctx, delay); err != nil {
			res.Err = fmt.Errorf("waiting to retry: %w", err)
			return res
		}
		delay *= 2
	}
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.cfg.Secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &PermanentError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}
