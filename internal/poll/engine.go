package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Status is the outcome class of a poll.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusNoChanges Status = "no_changes"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Skip reasons.
const (
	ReasonInProgress     = "poll already in progress"
	ReasonQueued         = "queued behind running poll"
	ReasonRecentlyPolled = "polled recently"
	ReasonUnsupported    = "transport not supported"
)

// AccountStore is the part of the account store the engine needs.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	ListEligible(ctx context.Context, kinds []store.Kind, minTier int) ([]store.Account, error)
	UpdateSyncState(ctx context.Context, id, cursor string, polledAt time.Time) error
	UpdateTokens(ctx context.Context, id string, t store.Tokens) error
	ResetCursor(ctx context.Context, id string) error
}

// Processor hands one normalized message to the rule engine.
type Processor interface {
	Process(ctx context.Context, acct *store.Account, msg message.Message) error
}

// Refresher renews an account's credentials after the source rejected them.
type Refresher interface {
	Refresh(ctx context.Context, acct *store.Account) (store.Tokens, error)
}

// Options adjust a single poll.
type Options struct {
	// Force bypasses the minimum poll interval.
	Force bool
	// PushedCursor is the cursor announced by a push notification. When it
	// equals the stored cursor there is nothing to fetch.
	PushedCursor string
	// Drain is set for polls triggered by a change notification. A busy
	// account queues one rerun instead of dropping the poll, and a batch
	// that reports HasMore is followed up in the background.
	Drain bool
}

// Result summarises one poll.
type Result struct {
	AccountID string `json:"accountId"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	HasMore   bool   `json:"hasMore"`
	Cursor    string `json:"cursor,omitempty"`
	Error     string `json:"error,omitempty"`
	Err       error  `json:"-"`
}

// Config tunes the engine.
type Config struct {
	MinInterval time.Duration
	BatchSize   int
	MinTier     int
	Concurrency int
	Logger      zerolog.Logger
}

// Engine fetches new messages for poll-driven accounts, feeds them to the
// processor and advances the account cursor.
type Engine struct {
	store     AccountStore
	processor Processor
	refresher Refresher
	sources   map[store.Kind]Source
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
	rerun   map[string]bool
	stopped bool
}

// NewEngine creates an engine with no sources registered.
func NewEngine(st AccountStore, processor Processor, refresher Refresher, cfg Config) *Engine {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Engine{
		bg:        bg,
		cancel:    cancel,
		rerun:     make(map[string]bool),
		store:     st,
		processor: processor,
		refresher: refresher,
		sources:   make(map[store.Kind]Source),
		cfg:       cfg,
		logger:    logging.Component(cfg.Logger, "poll"),
		now:       time.Now,
		running:   make(map[string]struct{}),
	}
}

// Register sets the source for a transport kind.
func (e *Engine) Register(kind store.Kind, src Source) {
	e.sources[kind] = src
}

// Poll runs one fetch-and-process cycle for an account.
func (e *Engine) Poll(ctx context.Context, accountID string, opts Options) Result {
	res := e.poll(ctx, accountID, opts)
	metrics.PollResults.WithLabelValues(string(res.Status)).Inc()

	log := e.logger.With().Str("account_id", accountID).Str("status", string(res.Status)).Logger()
	switch res.Status {
	case StatusError:
		log.Error().Err(res.Err).Str("reason", res.Reason).Msg("poll failed")
	case StatusSkipped:
		log.Debug().Str("reason", res.Reason).Msg("poll skipped")
	default:
		log.Info().
			Int("processed", res.Processed).
			Int("failed", res.Failed).
			Bool("has_more", res.HasMore).
			Msg("poll complete")
	}
	return res
}

func (e *Engine) poll(ctx context.Context, accountID string, opts Options) Result {
	if !e.lock(accountID, opts.Drain) {
		res := Result{AccountID: accountID, Status: StatusSkipped, Reason: ReasonInProgress}
		if opts.Drain {
			res.Reason = ReasonQueued
		}
		return res
	}

	res := e.run(ctx, accountID, opts)
	if e.unlock(accountID) || (opts.Drain && res.Status == StatusSuccess && res.HasMore) {
		e.followUp(accountID)
	}
	return res
}

// followUp polls the account again in the background.
func (e *Engine) followUp(accountID string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.Poll(e.bg, accountID, Options{Force: true, Drain: true})
	}()
}

// Stop cancels background follow-up polls and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, accountID string, opts Options) Result {
	res := Result{AccountID: accountID}

	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return failed(res, "loading account", err)
	}
	res.Cursor = acct.SyncCursor

	if ok, reason := acct.Eligible(e.cfg.MinTier); !ok {
		res.Status, res.Reason = StatusSkipped, reason
		return res
	}
	now := e.now()
	if !opts.Force && acct.LastPolledAt != nil && now.Sub(*acct.LastPolledAt) < e.cfg.MinInterval {
		res.Status, res.Reason = StatusSkipped, ReasonRecentlyPolled
		return res
	}

	src, ok := e.sources[acct.Kind]
	if !ok {
		res.Status, res.Reason = StatusSkipped, ReasonUnsupported
		return res
	}

	if opts.PushedCursor != "" && opts.PushedCursor == acct.SyncCursor {
		if err := e.store.UpdateSyncState(ctx, acct.ID, acct.SyncCursor, now); err != nil {
			return failed(res, "recording poll time", err)
		}
		res.Status = StatusNoChanges
		return res
	}

	batch, err := e.fetch(ctx, src, acct)
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			if rerr := e.store.ResetCursor(ctx, acct.ID); rerr != nil {
				return failed(res, "resetting expired cursor", errors.Join(err, rerr))
			}
			res.Cursor = ""
			return failed(res, "cursor expired, account will resync", err)
		}
		if IsAuthError(err) {
			return failed(res, "authentication failed", err)
		}
		return failed(res, "fetching messages", err)
	}

	for _, item := range batch.Items {
		if err := ctx.Err(); err != nil {
			// Nothing is committed; the batch is fetched again next time.
			return failed(res, "poll cancelled", err)
		}
		if item.Err != nil {
			res.Failed++
			metrics.MessagesProcessed.WithLabelValues("failed").Inc()
			e.logger.Warn().Err(item.Err).Str("account_id", acct.ID).Str("cursor", item.Cursor).Msg("skipping unreadable message")
			continue
		}
		if err := e.processor.Process(ctx, acct, item.Message); err != nil {
			if ctx.Err() != nil {
				return failed(res, "poll cancelled", ctx.Err())
			}
			res.Failed++
			metrics.MessagesProcessed.WithLabelValues("failed").Inc()
			e.logger.Warn().Err(err).Str("account_id", acct.ID).Str("message_id", item.Message.ID).Msg("processing message failed")
			continue
		}
		res.Processed++
		metrics.MessagesProcessed.WithLabelValues("processed").Inc()
	}

	cursor := batch.Cursor
	if cursor == "" {
		cursor = acct.SyncCursor
	}
	if err := e.store.UpdateSyncState(ctx, acct.ID, cursor, now); err != nil {
		return failed(res, "committing cursor", err)
	}

	res.Cursor = cursor
	res.HasMore = batch.HasMore
	if len(batch.Items) == 0 {
		res.Status = StatusNoChanges
	} else {
		res.Status = StatusSuccess
	}
	return res
}

// fetch asks the source for the next batch, refreshing credentials once
// if the source rejects them.
func (e *Engine) fetch(ctx context.Context, src Source, acct *store.Account) (*Batch, error) {
	batch, err := src.FetchSince(ctx, acct, acct.SyncCursor, e.cfg.BatchSize)
	if err == nil || !IsAuthError(err) || e.refresher == nil || acct.RefreshToken == "" {
		return batch, err
	}

	tokens, rerr := e.refresher.Refresh(ctx, acct)
	if rerr != nil {
		return nil, fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}
	if err := e.store.UpdateTokens(ctx, acct.ID, tokens); err != nil {
		return nil, fmt.Errorf("saving refreshed credentials: %w", err)
	}
	acct.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		acct.RefreshToken = tokens.RefreshToken
	}
	if !tokens.ExpiresAt.IsZero() {
		expires := tokens.ExpiresAt
		acct.ExpiresAt = &expires
	}

	return src.FetchSince(ctx, acct, acct.SyncCursor, e.cfg.BatchSize)
}

// PollAll polls every eligible poll-driven account with bounded
// concurrency. Accounts polled recently are skipped.
func (e *Engine) PollAll(ctx context.Context) ([]Result, error) {
	accounts, err := e.store.ListEligible(ctx, store.PollKinds, e.cfg.MinTier)
	if err != nil {
		return nil, fmt.Errorf("listing poll accounts: %w", err)
	}

	results := make([]Result, len(accounts))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range accounts {
		i := i
		g.Go(func() error {
			results[i] = e.Poll(ctx, accounts[i].ID, Options{})
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// lock claims the account. When it is busy and queue is set, a rerun is
// recorded for the holder to pick up.
func (e *Engine) lock(id string, queue bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[id]; busy {
		if queue {
			e.rerun[id] = true
		}
		return false
	}
	e.running[id] = struct{}{}
	return true
}

// unlock releases the account and reports whether a rerun was queued.
func (e *Engine) unlock(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	again := e.rerun[id]
	delete(e.rerun, id)
	return again
}

func failed(res Result, reason string, err error) Result {
	res.Status = StatusError
	res.Reason = reason
	res.Err = err
	res.Error = err.Error()
	return res
}
