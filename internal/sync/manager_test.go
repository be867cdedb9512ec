package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/dispatch"
	"github.com/Martian-dev/mailsync/internal/jmap"
	"github.com/Martian-dev/mailsync/internal/push"
	"github.com/Martian-dev/mailsync/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	accounts []store.Account
	listErr  error
	tokens   map[string]store.Tokens
}

func (s *fakeStore) set(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = nil
	for _, id := range ids {
		s.accounts = append(s.accounts, store.Account{ID: id, Kind: store.KindJMAP, AccessToken: "tok-" + id, RefreshToken: "r-" + id})
	}
}

func (s *fakeStore) ListEligible(_ context.Context, kinds []store.Kind, _ int) ([]store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]store.Account(nil), s.accounts...), nil
}

func (s *fakeStore) GetAccount(_ context.Context, id string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ID == id {
			a := a
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) UpdateTokens(_ context.Context, id string, t store.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		s.tokens = make(map[string]store.Tokens)
	}
	s.tokens[id] = t
	return nil
}

type fakeClient struct {
	id        string
	accountID string
	events    chan<- push.Event

	mu       sync.Mutex
	state    push.State
	parked   bool
	closed   bool
	connects int
	tokens   []string
	acks     []ack
}

type ack struct {
	cursor    string
	delivered bool
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.state = push.StateConnected
	return nil
}

func (c *fakeClient) UpdateAccessToken(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
	c.parked = false
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = push.StateClosed
	return nil
}

func (c *fakeClient) State() push.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeClient) Parked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

func (c *fakeClient) Acknowledge(cursor string, delivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, ack{cursor, delivered})
}

func (c *fakeClient) acked() []ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ack(nil), c.acks...)
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) updatedTokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tokens...)
}

func (c *fakeClient) emit(kind push.EventKind, cursor string) {
	c.events <- push.Event{AccountID: c.accountID, ClientID: c.id, Kind: kind, Cursor: cursor}
}

type fakeConnector struct {
	mu      sync.Mutex
	n       int
	fail    map[string]error
	reject  map[string]string
	clients map[string]*fakeClient
	built   int
}

func (f *fakeConnector) Build(_ context.Context, acct *store.Account, events chan<- push.Event) (PushClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[acct.ID]; err != nil {
		return nil, err
	}
	if tok, ok := f.reject[acct.ID]; ok && tok == acct.AccessToken {
		return nil, fmt.Errorf("fetching session: %w", jmap.ErrUnauthorized)
	}
	f.n++
	f.built++
	c := &fakeClient{id: fmt.Sprintf("client-%d", f.n), accountID: acct.ID, events: events}
	if f.clients == nil {
		f.clients = make(map[string]*fakeClient)
	}
	f.clients[acct.ID] = c
	return c, nil
}

func (f *fakeConnector) client(id string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id]
}

func (f *fakeConnector) builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

type delivery struct {
	accountID string
	cursor    string
}

type fakeNotifier struct {
	calls chan delivery
	// reject fails delivery of this cursor.
	reject string
}

func (n *fakeNotifier) Dispatch(_ context.Context, accountID, cursor string) dispatch.Result {
	n.calls <- delivery{accountID, cursor}
	if n.reject != "" && cursor == n.reject {
		return dispatch.Result{Attempts: 3, Err: errors.New("endpoint returned 503")}
	}
	return dispatch.Result{Delivered: true, Attempts: 1}
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRefresher) Refresh(_ context.Context, acct *store.Account) (store.Tokens, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return store.Tokens{}, r.err
	}
	return store.Tokens{AccessToken: "fresh-" + acct.ID}, nil
}

func (r *fakeRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type harness struct {
	store     *fakeStore
	connector *fakeConnector
	notifier  *fakeNotifier
	refresher *fakeRefresher
	manager   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     &fakeStore{},
		connector: &fakeConnector{},
		notifier:  &fakeNotifier{calls: make(chan delivery, 16)},
		refresher: &fakeRefresher{},
	}
	h.manager = NewManager(h.store, h.connector, h.notifier, h.refresher, Options{
		Interval: time.Hour,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(h.manager.Stop)
	return h
}

func TestReconcileKeepsUnchangedAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.set("a", "b")
	require.NoError(t, h.manager.Reconcile(ctx))
	assert.Equal(t, 2, h.connector.builds())
	a, b := h.connector.client("a"), h.connector.client("b")

	h.store.set("b", "c")
	require.NoError(t, h.manager.Reconcile(ctx))

	assert.True(t, a.isClosed())
	assert.False(t, b.isClosed())
	assert.Equal(t, 1, b.connects)
	assert.Equal(t, 3, h.connector.builds())
	assert.False(t, h.manager.IsManaged("a"))
	assert.True(t, h.manager.IsManaged("b"))
	assert.True(t, h.manager.IsManaged("c"))
	assert.Equal(t, Stats{Managed: 2, Connected: 2}, h.manager.Stats())
}

func TestReconcileListFailureLeavesConnections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.set("a", "b")
	require.NoError(t, h.manager.Reconcile(ctx))

	h.store.listErr = errors.New("database unavailable")
	err := h.manager.Reconcile(ctx)
	require.Error(t, err)

	assert.False(t, h.connector.client("a").isClosed())
	assert.False(t, h.connector.client("b").isClosed())
	assert.Equal(t, 2, h.manager.Stats().Managed)
}

func TestReconcileIsolatesBuildFailures(t *testing.T) {
	h := newHarness(t)
	h.connector.fail = map[string]error{"a": errors.New("session lookup failed")}

	h.store.set("a", "b")
	require.NoError(t, h.manager.Reconcile(context.Background()))

	assert.False(t, h.manager.IsManaged("a"))
	assert.True(t, h.manager.IsManaged("b"))
}

func TestReconcileRebuildsParkedClient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.store.set("a")
	require.NoError(t, h.manager.Reconcile(ctx))
	old := h.connector.client("a")
	old.mu.Lock()
	old.parked = true
	old.mu.Unlock()

	require.NoError(t, h.manager.Reconcile(ctx))

	assert.True(t, old.isClosed())
	fresh := h.connector.client("a")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 1, fresh.connects)
	assert.True(t, h.manager.IsManaged("a"))
}

func TestStateChangeIsDispatched(t *testing.T) {
	h := newHarness(t)
	h.store.set("a")
	h.manager.Start(context.Background())

	h.connector.client("a").emit(push.EventStateChanged, "S1")

	select {
	case d := <-h.notifier.calls:
		assert.Equal(t, delivery{"a", "S1"}, d)
	case <-time.After(2 * time.Second):
		t.Fatal("state change not dispatched")
	}
}

func TestDeliveryOutcomeIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.notifier.reject = "S1"
	h.store.set("a")
	h.manager.Start(context.Background())
	client := h.connector.client("a")

	client.emit(push.EventStateChanged, "S1")
	<-h.notifier.calls
	require.Eventually(t, func() bool { return len(client.acked()) == 1 }, 2*time.Second, 10*time.Millisecond)

	client.emit(push.EventStateChanged, "S2")
	<-h.notifier.calls
	require.Eventually(t, func() bool { return len(client.acked()) == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []ack{{"S1", false}, {"S2", true}}, client.acked())
}

func TestLateEventsAreDropped(t *testing.T) {
	h := newHarness(t)
	h.store.set("a")
	h.manager.Start(context.Background())
	stale := h.connector.client("a")

	h.store.set()
	require.NoError(t, h.manager.Reconcile(context.Background()))
	require.False(t, h.manager.IsManaged("a"))

	h.manager.events <- push.Event{AccountID: "a", ClientID: stale.ID(), Kind: push.EventStateChanged, Cursor: "S9"}

	// A client replaced for the same account is also ignored.
	h.store.set("a")
	require.NoError(t, h.manager.Reconcile(context.Background()))
	h.manager.events <- push.Event{AccountID: "a", ClientID: stale.ID(), Kind: push.EventStateChanged, Cursor: "S10"}

	select {
	case d := <-h.notifier.calls:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAuthFailureRefreshesCredential(t *testing.T) {
	h := newHarness(t)
	h.store.set("a")
	h.manager.Start(context.Background())
	c := h.connector.client("a")

	c.emit(push.EventAuthFailed, "")

	require.Eventually(t, func() bool { return len(c.updatedTokens()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"fresh-a"}, c.updatedTokens())
	h.store.mu.Lock()
	assert.Equal(t, "fresh-a", h.store.tokens["a"].AccessToken)
	h.store.mu.Unlock()
}

func TestAuthFailureRefreshErrorLeavesClientParked(t *testing.T) {
	h := newHarness(t)
	h.refresher.err = errors.New("refresh token revoked")
	h.store.set("a")
	h.manager.Start(context.Background())
	c := h.connector.client("a")

	c.emit(push.EventAuthFailed, "")
	require.Eventually(t, func() bool { return h.refresher.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	c.emit(push.EventAuthFailed, "")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.refresher.count())
	assert.Empty(t, c.updatedTokens())
	assert.True(t, h.manager.IsManaged("a"))
}

func TestReconcileRefreshesExpiredStoredCredential(t *testing.T) {
	h := newHarness(t)
	h.connector.reject = map[string]string{"a": "tok-a"}
	h.store.set("a")

	require.NoError(t, h.manager.Reconcile(context.Background()))

	assert.True(t, h.manager.IsManaged("a"))
	assert.Equal(t, 1, h.refresher.count())
	assert.Equal(t, 1, h.connector.client("a").connects)
	h.store.mu.Lock()
	assert.Equal(t, "fresh-a", h.store.tokens["a"].AccessToken)
	h.store.mu.Unlock()
}

func TestReconcileRetriesFailedStoredCredentialRefresh(t *testing.T) {
	h := newHarness(t)
	h.connector.reject = map[string]string{"a": "tok-a"}
	h.refresher.err = errors.New("token endpoint unavailable")
	h.store.set("a")
	ctx := context.Background()

	require.NoError(t, h.manager.Reconcile(ctx))
	assert.False(t, h.manager.IsManaged("a"))
	assert.Equal(t, 1, h.refresher.count())

	h.refresher.mu.Lock()
	h.refresher.err = nil
	h.refresher.mu.Unlock()

	require.NoError(t, h.manager.Reconcile(ctx))
	assert.True(t, h.manager.IsManaged("a"))
	assert.Equal(t, 2, h.refresher.count())
}

func TestAuthFailureRefreshesAgainAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.store.set("a")
	h.manager.Start(context.Background())
	c := h.connector.client("a")

	c.emit(push.EventAuthFailed, "")
	require.Eventually(t, func() bool { return len(c.updatedTokens()) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.emit(push.EventConnected, "")
	c.emit(push.EventAuthFailed, "")
	require.Eventually(t, func() bool { return len(c.updatedTokens()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.refresher.count())
}

func TestStopClosesEverythingAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.store.set("a", "b")
	h.manager.Start(context.Background())

	h.manager.Stop()
	h.manager.Stop()

	assert.True(t, h.connector.client("a").isClosed())
	assert.True(t, h.connector.client("b").isClosed())
	assert.Equal(t, Stats{}, h.manager.Stats())
	assert.ErrorIs(t, h.manager.Reconcile(context.Background()), ErrStopped)
}
