package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	mu     sync.Mutex
	alive  bool
	closed bool
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type dialer struct {
	mu    sync.Mutex
	count int
	conns []*fakeConn
}

func (d *dialer) dial(context.Context) (*fakeConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	c := &fakeConn{id: d.count, alive: true}
	d.conns = append(d.conns, c)
	return c, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T) (*Pool[*fakeConn], *clock) {
	t.Helper()
	p := New[*fakeConn]("test", 5*time.Minute, time.Minute, zerolog.Nop())
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p.now = clk.now
	t.Cleanup(func() { p.Close() })
	return p, clk
}

var key = Key{Host: "imap.example.com", Port: 993, Principal: "alice"}

func TestAcquireReusesLiveConnection(t *testing.T) {
	p, _ := newTestPool(t)
	d := &dialer{}

	c1, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, d.count)
	assert.Equal(t, 1, p.Len())
}

func TestAcquireReplacesDeadConnection(t *testing.T) {
	p, _ := newTestPool(t)
	d := &dialer{}

	c1, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	c1.mu.Lock()
	c1.alive = false
	c1.mu.Unlock()

	c2, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.True(t, c1.isClosed())
	assert.Equal(t, 2, d.count)
}

func TestAcquireKeysAreDistinct(t *testing.T) {
	p, _ := newTestPool(t)
	d := &dialer{}

	_, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	other := key
	other.Port = 143
	_, err = p.Acquire(context.Background(), other, d.dial)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Len())
}

func TestAcquireDialError(t *testing.T) {
	p, _ := newTestPool(t)
	_, err := p.Acquire(context.Background(), key, func(context.Context) (*fakeConn, error) {
		return nil, errors.New("refused")
	})
	require.Error(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestSweepClosesIdle(t *testing.T) {
	p, clk := newTestPool(t)
	d := &dialer{}

	stale, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	p.Release(key)

	clk.advance(3 * time.Minute)
	freshKey := Key{Host: "imap.example.com", Port: 993, Principal: "bob"}
	fresh, err := p.Acquire(context.Background(), freshKey, d.dial)
	require.NoError(t, err)
	p.Release(freshKey)

	clk.advance(3 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.True(t, stale.isClosed())
	assert.False(t, fresh.isClosed())
	assert.Equal(t, 1, p.Len())
}

func TestReleaseRefreshesLastUse(t *testing.T) {
	p, clk := newTestPool(t)
	d := &dialer{}

	c, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	clk.advance(4 * time.Minute)
	p.Release(key)
	clk.advance(4 * time.Minute)

	assert.Equal(t, 0, p.Sweep())
	assert.False(t, c.isClosed())
}

func TestSweepSkipsCheckedOutConnection(t *testing.T) {
	p, clk := newTestPool(t)
	d := &dialer{}

	c, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	clk.advance(10 * time.Minute)

	assert.Equal(t, 0, p.Sweep())
	assert.False(t, c.isClosed())

	p.Release(key)
	clk.advance(10 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.True(t, c.isClosed())
}

func TestSweepWaitsForEverySharedHolder(t *testing.T) {
	p, clk := newTestPool(t)
	d := &dialer{}

	c1, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	p.Release(key)
	clk.advance(10 * time.Minute)
	assert.Equal(t, 0, p.Sweep(), "second holder still uses the connection")

	p.Release(key)
	clk.advance(10 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
}

func TestEvict(t *testing.T) {
	p, _ := newTestPool(t)
	d := &dialer{}
	c, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)

	p.Evict(key)
	assert.True(t, c.isClosed())
	assert.Equal(t, 0, p.Len())
}

func TestCloseDrainsAndIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t)
	d := &dialer{}
	c, err := p.Acquire(context.Background(), key, d.dial)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, c.isClosed())

	_, err = p.Acquire(context.Background(), key, d.dial)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunStopsOnClose(t *testing.T) {
	p, _ := newTestPool(t)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	p.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
