package push

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/jmap"
)

type fakeStream struct {
	events chan jmap.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan jmap.Event, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (jmap.Event, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return jmap.Event{}, io.EOF
		}
		return ev, nil
	case <-s.closed:
		return jmap.Event{}, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	tokens  []string
	streams []*fakeStream
	err     error
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

type fakeTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		t.f()
	}
}

type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

func (ft *fakeTimers) after(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{f: f}
	ft.delays = append(ft.delays, d)
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.timers[len(ft.timers)-1]
}

func newTestClient(d *fakeDialer, ft *fakeTimers, cursor string) (*Client, chan Event) {
	events := make(chan Event, 64)
	c := NewClient(Options{
		AccountID:     "acct-1",
		MailAccountID: "u1",
		Token:         "tok-1",
		Cursor:        cursor,
		Dialer:        d,
		Events:        events,
		Logger:        zerolog.Nop(),
		AfterFunc:     ft.after,
	})
	return c, events
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func stateEvent(state string) jmap.Event {
	return jmap.Event{Type: "state", Data: []byte(`{"@type":"StateChange","changed":{"u1":{"Email":"` + state + `"}}}`)}
}

func TestBackoff(t *testing.T) {
	base, ceiling := time.Second, 5*time.Minute
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 128 * time.Second, 256 * time.Second, 5 * time.Minute,
	}
	for i, w := range want {
		assert.Equal(t, w, Backoff(i+1, base, ceiling), "attempt %d", i+1)
	}
	assert.Equal(t, 5*time.Minute, Backoff(40, base, ceiling))
	assert.Equal(t, time.Second, Backoff(0, base, ceiling))
}

func TestConnectForwardsStateChanges(t *testing.T) {
	d := &fakeDialer{}
	ft := &fakeTimers{}
	c, events := newTestClient(d, ft, "S0")
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	ev := waitEvent(t, events)
	assert.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, "acct-1", ev.AccountID)
	assert.Equal(t, c.ID(), ev.ClientID)
	assert.NotEmpty(t, ev.ConnID)
	assert.Equal(t, StateConnected, c.State())

	s := d.stream(0)
	s.events <- jmap.Event{Type: "ping", Data: []byte(`{"interval":30}`)}
	s.events <- jmap.Event{Type: "state", Data: []byte(`{garbage`)}
	s.events <- stateEvent("S0")
	s.events <- stateEvent("S1")
	s.events <- stateEvent("S1")
	s.events <- stateEvent("S2")

	ev = waitEvent(t, events)
	assert.Equal(t, EventStateChanged, ev.Kind)
	assert.Equal(t, "S1", ev.Cursor)

	ev = waitEvent(t, events)
	assert.Equal(t, EventStateChanged, ev.Kind)
	assert.Equal(t, "S2", ev.Cursor)

	assert.Equal(t, StateConnected, c.State(), "malformed payloads never disconnect")
	assert.Equal(t, 0, ft.count())
}

func TestUndeliveredCursorIsForwardedAgain(t *testing.T) {
	d := &fakeDialer{}
	ft := &fakeTimers{}
	c, events := newTestClient(d, ft, "S0")
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, EventConnected, waitEvent(t, events).Kind)
	s := d.stream(0)

	s.events <- stateEvent("S1")
	assert.Equal(t, "S1", waitEvent(t, events).Cursor)

	c.Acknowledge("S1", false)
	assert.Equal(t, "S0", c.Cursor())
	s.events <- stateEvent("S1")
	assert.Equal(t, "S1", waitEvent(t, events).Cursor)

	c.Acknowledge("S1", true)
	assert.Equal(t, "S1", c.Cursor())
	s.events <- stateEvent("S1")
	s.events <- stateEvent("S2")
	assert.Equal(t, "S2", waitEvent(t, events).Cursor)
}

func TestReconnectScheduleAndGiveUp(t *testing.T) {
	d := &fakeDialer{err: errors.New("connection refused")}
	ft := &fakeTimers{}
	c, events := newTestClient(d, ft, "")
	defer c.Close()

	require.Error(t, c.Connect(context.Background()))
	for ft.count() < DefaultMaxAttempts {
		ft.last().fire()
	}
	require.Equal(t, DefaultMaxAttempts, ft.count())

	// The tenth retry fails too; no further attempt is scheduled.
	ft.last().fire()
	assert.Equal(t, DefaultMaxAttempts, ft.count())
	assert.Equal(t, DefaultMaxAttempts+1, d.calls())
	assert.True(t, c.Parked())
	assert.Equal(t, StateDisconnected, c.State())

	for i, delay := range ft.delays {
		assert.Equal(t, Backoff(i+1, DefaultBaseDelay, DefaultMaxDelay), delay)
	}

	var gaveUp bool
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventGaveUp {
			gaveUp = true
			assert.ErrorIs(t, ev.Err, ErrGaveUp)
		}
	}
	assert.True(t, gaveUp)
}

func TestSuccessfulOpenResetsAttempts(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	ft := &fakeTimers{}
	c, events := newTestClient(d, ft, "")
	defer c.Close()

	require.Error(t, c.Connect(context.Background()))
	ft.last().fire()
	assert.Equal(t, 2, c.Attempts())

	d.setErr(nil)
	ft.last().fire()
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Attempts())

	for len(events) > 0 {
		<-events
	}

	// A dropped stream starts the schedule again from the base delay.
	close(d.stream(0).events)
	for {
		ev := waitEvent(t, events)
		if ev.Kind == EventDisconnected {
			break
		}
	}
	assert.Equal(t, 3, ft.count())
	assert.Equal(t, time.Second, ft.delays[2])
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	ft := &fakeTimers{}
	c, _ := newTestClient(d, ft, "")

	require.Error(t, c.Connect(context.Background()))
	pending := ft.last()
	require.NoError(t, c.Close())

	assert.True(t, pending.stopped)
	pending.f()
	assert.Equal(t, 1, d.calls())
	assert.Equal(t, StateClosed, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, d.calls(), "connect after close is a no-op")
	require.NoError(t, c.Close())
}

func TestAuthFailureParksWithoutRetry(t *testing.T) {
	d := &fakeDialer{err: jmap.ErrUnauthorized}
	ft := &fakeTimers{}
	c, events := newTestClient(d, ft, "")
	defer c.Close()

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, jmap.ErrUnauthorized)
	ev := waitEvent(t, events)
	assert.Equal(t, EventAuthFailed, ev.Kind)
	assert.True(t, c.Parked())
	assert.Equal(t, 0, ft.count())

	d.setErr(nil)
	require.NoError(t, c.UpdateAccessToken(context.Background(), "tok-2"))
	ev = waitEvent(t, events)
	assert.Equal(t, EventConnected, ev.Kind)
	assert.False(t, c.Parked())
	assert.Equal(t, []string{"tok-1", "tok-2"}, d.tokens)
}

func TestUpdateAccessTokenReconnects(t *testing.T) {
	d := &fakeDialer{}
	ft := &fakeTimers{}
	c, events := newTestClient(d, ft, "")
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	first := waitEvent(t, events)

	require.NoError(t, c.UpdateAccessToken(context.Background(), "tok-2"))
	second := waitEvent(t, events)
	assert.Equal(t, EventConnected, second.Kind)
	assert.NotEqual(t, first.ConnID, second.ConnID)

	select {
	case <-d.stream(0).closed:
	default:
		t.Fatal("old stream was not closed")
	}
	assert.Equal(t, 0, ft.count(), "token refresh is not a failure")
	assert.Equal(t, 0, c.Attempts())
}

func TestUpdateAccessTokenBeforeConnectOnlySwaps(t *testing.T) {
	d := &fakeDialer{}
	c, _ := newTestClient(d, &fakeTimers{}, "")
	defer c.Close()

	require.NoError(t, c.UpdateAccessToken(context.Background(), "tok-2"))
	assert.Equal(t, 0, d.calls())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{"tok-2"}, d.tokens)
}
