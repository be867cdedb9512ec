package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/logging"
)

// Scheduler polls every poll-driven account on a fixed interval.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler running engine.PollAll every interval.
// A run still in progress when the next is due is skipped.
func NewScheduler(engine *Engine, interval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	logger = logging.Component(logger, "poll-scheduler")
	cl := cronLogger{logger}

	s := &Scheduler{
		engine: engine,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc("@every "+interval.String(), s.run); err != nil {
		return nil, fmt.Errorf("scheduling poll: %w", err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	start := time.Now()
	results, err := s.engine.PollAll(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled poll failed")
		return
	}

	counts := make(map[Status]int)
	for _, r := range results {
		counts[r.Status]++
	}
	s.logger.Info().
		Int("accounts", len(results)).
		Int("success", counts[StatusSuccess]).
		Int("no_changes", counts[StatusNoChanges]).
		Int("skipped", counts[StatusSkipped]).
		Int("errors", counts[StatusError]).
		Dur("took", time.Since(start)).
		Msg("scheduled poll finished")
}

// Start begins scheduling.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels the running poll and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
