package pool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/metrics"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

// Conn is a pooled transport connection.
type Conn interface {
	// Alive reports whether the connection is still usable.
	Alive() bool
	Close() error
}

// Key identifies a pooled connection.
type Key struct {
	Host      string
	Port      int
	Principal string
}

func (k Key) String() string {
	return k.Principal + "@" + k.Host + ":" + strconv.Itoa(k.Port)
}

// DialFunc establishes a fresh connection.
type DialFunc[C Conn] func(ctx context.Context) (C, error)

type entry[C Conn] struct {
	conn     C
	lastUsed time.Time
	// inUse counts callers between Acquire and Release.
	inUse int
}

// Pool reuses connections per key and closes those left idle.
type Pool[C Conn] struct {
	name        string
	idleTimeout time.Duration
	interval    time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry[C]
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a pool. name labels metrics and logs.
func New[C Conn](name string, idleTimeout, sweepInterval time.Duration, logger zerolog.Logger) *Pool[C] {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Pool[C]{
		name:        name,
		idleTimeout: idleTimeout,
		interval:    sweepInterval,
		logger:      logging.Component(logger, "pool").With().Str("pool", name).Logger(),
		now:         time.Now,
		entries:     make(map[Key]*entry[C]),
		done:        make(chan struct{}),
	}
}

// Acquire returns the pooled connection for key if it is still alive,
// otherwise evicts it and dials a new one. Every successful Acquire must be
// paired with Release or Evict; a checked-out connection is never swept.
func (p *Pool[C]) Acquire(ctx context.Context, key Key, dial DialFunc[C]) (C, error) {
	var zero C

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrClosed
	}
	e, ok := p.entries[key]
	if ok {
		e.inUse++
	}
	p.mu.Unlock()

	if ok {
		if e.conn.Alive() {
			return e.conn, nil
		}
		p.logger.Debug().Str("key", key.String()).Msg("evicting dead connection")
		p.mu.Lock()
		if p.entries[key] == e {
			delete(p.entries, key)
		}
		p.mu.Unlock()
		p.closeConn(e.conn)
	}

	conn, err := dial(ctx)
	if err != nil {
		p.updateGauge()
		return zero, fmt.Errorf("dialing %s: %w", key, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeConn(conn)
		return zero, ErrClosed
	}
	// Another caller may have dialled the same key meanwhile.
	if other, ok := p.entries[key]; ok {
		other.inUse++
		p.mu.Unlock()
		p.closeConn(conn)
		return other.conn, nil
	}
	p.entries[key] = &entry[C]{conn: conn, lastUsed: p.now(), inUse: 1}
	p.mu.Unlock()

	p.updateGauge()
	return conn, nil
}

// Release returns the connection for key and marks it as just used.
func (p *Pool[C]) Release(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		if e.inUse > 0 {
			e.inUse--
		}
		e.lastUsed = p.now()
	}
}

// Evict closes and removes the connection for key.
func (p *Pool[C]) Evict(key Key) {
	p.mu.Lock()
	e, ok := p.entries[key]
	delete(p.entries, key)
	p.mu.Unlock()

	if ok {
		p.closeConn(e.conn)
		p.updateGauge()
	}
}

// Sweep closes connections idle longer than the idle timeout and returns
// how many were closed. Checked-out connections are skipped.
func (p *Pool[C]) Sweep() int {
	cutoff := p.now().Add(-p.idleTimeout)

	var stale []C
	p.mu.Lock()
	for k, e := range p.entries {
		if e.inUse == 0 && e.lastUsed.Before(cutoff) {
			stale = append(stale, e.conn)
			delete(p.entries, k)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		p.closeConn(c)
	}
	if len(stale) > 0 {
		p.logger.Debug().Int("closed", len(stale)).Msg("swept idle connections")
		p.updateGauge()
	}
	return len(stale)
}

// Run sweeps on the configured interval until ctx is cancelled or the pool
// is closed.
func (p *Pool[C]) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Close closes every pooled connection. Later Acquire calls fail.
func (p *Pool[C]) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		entries := p.entries
		p.entries = make(map[Key]*entry[C])
		p.mu.Unlock()
		close(p.done)

		for _, e := range entries {
			if err := e.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.updateGauge()
	})
	return errors.Join(errs...)
}

// Len is the number of pooled connections.
func (p *Pool[C]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool[C]) closeConn(c C) {
	if err := c.Close(); err != nil {
		p.logger.Debug().Err(err).Msg("closing pooled connection")
	}
}

func (p *Pool[C]) updateGauge() {
	metrics.PoolConnections.WithLabelValues(p.name).Set(float64(p.Len()))
}
