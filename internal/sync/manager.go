package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/dispatch"
	"github.com/Martian-dev/mailsync/internal/jmap"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/push"
	"github.com/Martian-dev/mailsync/internal/store"
)

// ErrStopped is returned by Reconcile after Stop.
var ErrStopped = errors.New("account manager stopped")

// AccountStore is the part of the account store the manager needs.
type AccountStore interface {
	ListEligible(ctx context.Context, kinds []store.Kind, minTier int) ([]store.Account, error)
	GetAccount(ctx context.Context, id string) (*store.Account, error)
	UpdateTokens(ctx context.Context, id string, t store.Tokens) error
}

// Notifier delivers state changes to the processing boundary.
type Notifier interface {
	Dispatch(ctx context.Context, accountID, cursor string) dispatch.Result
}

// Refresher exchanges an account's refresh token for new credentials.
type Refresher interface {
	Refresh(ctx context.Context, acct *store.Account) (store.Tokens, error)
}

// PushClient is a managed push subscription.
type PushClient interface {
	ID() string
	Connect(ctx context.Context) error
	UpdateAccessToken(ctx context.Context, token string) error
	Close() error
	State() push.State
	Parked() bool
	// Acknowledge reports the outcome of delivering a forwarded cursor.
	Acknowledge(cursor string, delivered bool)
}

// Connector builds an unconnected push client for an account. The client
// must send its events on events.
type Connector interface {
	Build(ctx context.Context, acct *store.Account, events chan<- push.Event) (PushClient, error)
}

// Options tune the manager.
type Options struct {
	Interval time.Duration
	MinTier  int
	// Parallel bounds concurrent connection setups per reconcile cycle.
	Parallel int
	Logger   zerolog.Logger
}

// Stats is a snapshot of managed connections.
type Stats struct {
	Managed   int `json:"managed"`
	Connected int `json:"connected"`
}

type entry struct {
	client    PushClient
	refreshed bool

	// dispatching is set while a delivery for the account runs; newer
	// cursors arriving meanwhile collapse into pending.
	dispatching bool
	pending     string
	hasPending  bool
}

// Manager owns one push client per eligible account
type Manager struct {
	store      AccountStore
	connector  Connector
	notifier   Notifier
	refresher  Refresher
	opts       Options
	logger     zerolog.Logger
	events     chan push.Event
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	workers    sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
	cycleMutex sync.Mutex

	entriesMutex sync.RWMutex
	entries      map[string]*entry
	stopped      bool
}

// NewManager creates an account manager
func NewManager(st AccountStore, connector Connector, notifier Notifier, refresher Refresher, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		connector: connector,
		notifier:  notifier,
		refresher: refresher,
		opts:      opts,
		logger:    logging.Component(opts.Logger, "account-manager"),
		events:    make(chan push.Event, 256),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
	}
}

// Events is the channel push clients built for this manager report on.
func (m *Manager) Events() chan<- push.Event {
	return m.events
}

// Start runs an initial reconciliation and then reconciles every
// Interval until Stop.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.eventLoop()

		if err := m.Reconcile(ctx); err != nil {
			m.logger.Error().Err(err).Msg("initial reconcile failed")
		}

		go m.reconcileLoop()
	})
}

func (m *Manager) reconcileLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(m.ctx); err != nil && !errors.Is(err, ErrStopped) {
				m.logger.Error().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// Reconcile brings the managed set in line with the eligible account list.
// Accounts in both sets keep their connection unless it has been parked.
// When the list cannot be fetched nothing changes.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.cycleMutex.Lock()
	defer m.cycleMutex.Unlock()

	if m.isStopped() {
		return ErrStopped
	}

	accounts, err := m.store.ListEligible(ctx, []store.Kind{store.KindJMAP}, m.opts.MinTier)
	if err != nil {
		return fmt.Errorf("listing eligible accounts: %w", err)
	}

	want := make(map[string]store.Account, len(accounts))
	for _, a := range accounts {
		want[a.ID] = a
	}

	var stale []PushClient
	m.entriesMutex.Lock()
	for id, e := range m.entries {
		if _, ok := want[id]; !ok {
			stale = append(stale, e.client)
			delete(m.entries, id)
			m.logger.Info().Str("account_id", id).Msg("account no longer eligible, closing push client")
			continue
		}
		if e.client.Parked() {
			stale = append(stale, e.client)
			delete(m.entries, id)
			m.logger.Info().Str("account_id", id).Msg("rebuilding parked push client")
		}
	}
	var added []store.Account
	for id, a := range want {
		if _, ok := m.entries[id]; !ok {
			added = append(added, a)
		}
	}
	m.entriesMutex.Unlock()

	for _, c := range stale {
		_ = c.Close()
	}

	var g errgroup.Group
	g.SetLimit(m.opts.Parallel)
	for i := range added {
		acct := added[i]
		g.Go(func() error {
			m.add(ctx, &acct)
			return nil
		})
	}
	_ = g.Wait()

	m.updateGauge()
	m.logger.Debug().
		Int("eligible", len(accounts)).
		Int("removed", len(stale)).
		Int("added", len(added)).
		Msg("reconcile complete")
	return nil
}

// add builds and connects a client. Failures stay with this account.
func (m *Manager) add(ctx context.Context, acct *store.Account) {
	log := m.logger.With().Str("account_id", acct.ID).Logger()

	client, err := m.connector.Build(ctx, acct, m.events)
	if errors.Is(err, jmap.ErrUnauthorized) {
		log.Warn().Err(err).Msg("stored credential rejected, refreshing")
		if _, rerr := m.renew(ctx, acct); rerr != nil {
			log.Error().Err(rerr).Msg("credential refresh failed, retrying at next reconcile")
			return
		}
		client, err = m.connector.Build(ctx, acct, m.events)
	}
	if err != nil {
		log.Error().Err(err).Msg("building push client failed")
		return
	}

	// Registered before connecting so the first events are not dropped.
	m.entriesMutex.Lock()
	if m.stopped {
		m.entriesMutex.Unlock()
		_ = client.Close()
		return
	}
	m.entries[acct.ID] = &entry{client: client}
	m.entriesMutex.Unlock()

	if err := client.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("push connect failed")
		return
	}
	log.Info().Msg("push client started")
}

func (m *Manager) eventLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev push.Event) {
	log := m.logger.With().Str("account_id", ev.AccountID).Str("event", ev.Kind.String()).Logger()

	m.entriesMutex.Lock()
	e, ok := m.entries[ev.AccountID]
	if !ok || e.client.ID() != ev.ClientID {
		m.entriesMutex.Unlock()
		log.Debug().Msg("dropping event from unmanaged client")
		return
	}

	switch ev.Kind {
	case push.EventStateChanged:
		if e.dispatching {
			e.pending = ev.Cursor
			e.hasPending = true
			m.entriesMutex.Unlock()
			return
		}
		e.dispatching = true
		m.entriesMutex.Unlock()

		m.workers.Add(1)
		go m.deliver(ev.AccountID, e, ev.Cursor)

	case push.EventAuthFailed:
		if e.refreshed {
			m.entriesMutex.Unlock()
			log.Warn().Err(ev.Err).Msg("credential rejected after refresh, parked until next reconcile")
			return
		}
		e.refreshed = true
		m.entriesMutex.Unlock()

		m.workers.Add(1)
		go m.refresh(ev.AccountID, e.client)

	case push.EventConnected:
		// A working connection re-arms refresh for the next expiry.
		e.refreshed = false
		m.entriesMutex.Unlock()
		log.Debug().Str("conn_id", ev.ConnID).Msg("push connection established")
		m.updateGauge()

	case push.EventGaveUp:
		m.entriesMutex.Unlock()
		log.Error().Err(ev.Err).Msg("push client gave up, parked until next reconcile")
		m.updateGauge()

	default:
		m.entriesMutex.Unlock()
		log.Debug().Str("conn_id", ev.ConnID).Msg("push connection state changed")
		m.updateGauge()
	}
}

// deliver dispatches cursor, then any cursor that arrived while it ran,
// keeping per-account order.
func (m *Manager) deliver(accountID string, e *entry, cursor string) {
	defer m.workers.Done()

	log := m.logger.With().Str("account_id", accountID).Logger()
	for {
		res := m.notifier.Dispatch(m.ctx, accountID, cursor)
		if res.Delivered {
			log.Info().Str("cursor", cursor).Int("attempts", res.Attempts).Msg("state change delivered")
		} else {
			log.Error().Err(res.Err).Str("cursor", cursor).Int("attempts", res.Attempts).Msg("state change delivery failed")
		}
		e.client.Acknowledge(cursor, res.Delivered)

		m.entriesMutex.Lock()
		if !e.hasPending || m.ctx.Err() != nil {
			e.dispatching = false
			e.hasPending = false
			m.entriesMutex.Unlock()
			return
		}
		cursor = e.pending
		e.pending = ""
		e.hasPending = false
		m.entriesMutex.Unlock()
	}
}

func (m *Manager) refresh(accountID string, client PushClient) {
	defer m.workers.Done()

	ctx := m.ctx
	log := m.logger.With().Str("account_id", accountID).Logger()

	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		log.Error().Err(err).Msg("loading account for refresh failed")
		return
	}
	tokens, err := m.renew(ctx, acct)
	if err != nil {
		log.Error().Err(err).Msg("credential refresh failed, parked until next reconcile")
		return
	}

	m.entriesMutex.RLock()
	e, ok := m.entries[accountID]
	current := ok && e.client == client
	m.entriesMutex.RUnlock()
	if !current {
		return
	}

	if err := client.UpdateAccessToken(ctx, tokens.AccessToken); err != nil {
		log.Warn().Err(err).Msg("reconnect with refreshed credential failed")
		return
	}
	log.Info().Msg("credential refreshed")
}

// renew refreshes acct's credential, stores it and updates acct in place.
func (m *Manager) renew(ctx context.Context, acct *store.Account) (store.Tokens, error) {
	if m.refresher == nil {
		return store.Tokens{}, errors.New("no credential refresher configured")
	}
	tokens, err := m.refresher.Refresh(ctx, acct)
	if err != nil {
		return store.Tokens{}, err
	}
	if err := m.store.UpdateTokens(ctx, acct.ID, tokens); err != nil {
		return store.Tokens{}, fmt.Errorf("saving refreshed credentials: %w", err)
	}

	acct.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		acct.RefreshToken = tokens.RefreshToken
	}
	if !tokens.ExpiresAt.IsZero() {
		exp := tokens.ExpiresAt
		acct.ExpiresAt = &exp
	}
	return tokens, nil
}

// Stop closes every managed connection and waits for background work. It
// is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()

		m.entriesMutex.Lock()
		m.stopped = true
		clients := make([]PushClient, 0, len(m.entries))
		for _, e := range m.entries {
			clients = append(clients, e.client)
		}
		m.entries = make(map[string]*entry)
		m.entriesMutex.Unlock()

		for _, c := range clients {
			_ = c.Close()
		}

		// A cycle still running closes whatever it builds from here on.
		m.cycleMutex.Lock()
		m.cycleMutex.Unlock()

		m.wg.Wait()
		m.workers.Wait()
		m.updateGauge()
		m.logger.Info().Int("closed", len(clients)).Msg("account manager stopped")
	})
}

// IsManaged reports whether the account has a push client
func (m *Manager) IsManaged(accountID string) bool {
	m.entriesMutex.RLock()
	defer m.entriesMutex.RUnlock()

	_, ok := m.entries[accountID]
	return ok
}

// Stats returns managed and connected counts
func (m *Manager) Stats() Stats {
	m.entriesMutex.RLock()
	defer m.entriesMutex.RUnlock()

	s := Stats{Managed: len(m.entries)}
	for _, e := range m.entries {
		if e.client.State() == push.StateConnected {
			s.Connected++
		}
	}
	return s
}

// ManagedAccounts lists the account ids with a push client
func (m *Manager) ManagedAccounts() []string {
	m.entriesMutex.RLock()
	defer m.entriesMutex.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) isStopped() bool {
	m.entriesMutex.RLock()
	defer m.entriesMutex.RUnlock()
	return m.stopped
}

func (m *Manager) updateGauge() {
	s := m.Stats()
	metrics.PushConnections.WithLabelValues("managed").Set(float64(s.Managed))
	metrics.PushConnections.WithLabelValues("connected").Set(float64(s.Connected))
}
