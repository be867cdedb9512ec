package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/jmap"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/metrics"
)

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultMaxAttempts = 10
)

// ErrGaveUp is carried by EventGaveUp.
var ErrGaveUp = errors.New("push: reconnect attempts exhausted")

// Backoff is the delay before reconnect attempt n (1-based):
// min(base * 2^(n-1), ceiling).
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Stream is an open push subscription.
type Stream interface {
	Next() (jmap.Event, error)
	Close() error
}

// Dialer opens a subscription with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Stream, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, token string) (Stream, error)

func (f DialFunc) Dial(ctx context.Context, token string) (Stream, error) {
	return f(ctx, token)
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configure a Client.
type Options struct {
	AccountID string
	// MailAccountID is the transport-side id of the primary mail
	// collection; state changes for other collections are ignored.
	MailAccountID string
	Token         string
	// Cursor is the last delivered sync cursor. A notification carrying the
	// same value is not forwarded.
	Cursor      string
	Dialer      Dialer
	Events      chan<- Event
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Logger      zerolog.Logger
	AfterFunc   AfterFunc
}

// Client keeps one push subscription open for an account.
type Client struct {
	id     string
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	token      string
	attempts   int
	parked     bool
	started    bool
	gen        uint64
	stream     Stream
	timer      Timer
	connID     string
	lastCursor string
	// emitted is the cursor forwarded last; awaiting holds until it is
	// acknowledged.
	emitted  string
	awaiting bool
}

// NewClient creates a disconnected client.
func NewClient(opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:         uuid.NewString(),
		opts:       opts,
		logger:     logging.Component(opts.Logger, "push").With().Str("account_id", opts.AccountID).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		token:      opts.Token,
		lastCursor: opts.Cursor,
	}
}

// Connect opens the subscription, replacing any existing one. It is a
// no-op after Close. A failed dial schedules a reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.attempts = 0
	c.parked = false
	c.teardownLocked()
	c.mu.Unlock()

	return c.open(ctx)
}

// UpdateAccessToken swaps the credential. A started client reconnects
// with the new token and its attempt counter reset.
func (c *Client) UpdateAccessToken(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.attempts = 0
	c.parked = false
	c.teardownLocked()
	c.mu.Unlock()

	return c.open(ctx)
}

// Close is terminal: the pending reconnect is cancelled, the stream closed
// and later Connect calls do nothing.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.teardownLocked()
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

// teardownLocked invalidates the current generation. Callers hold mu.
func (c *Client) teardownLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
}

func (c *Client) open(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	token := c.token
	c.mu.Unlock()

	dialCtx, cancel := mergeCancel(ctx, c.ctx)
	stream, err := c.opts.Dialer.Dial(dialCtx, token)
	cancel()

	c.mu.Lock()
	if c.state == StateClosed || gen != c.gen {
		c.mu.Unlock()
		if err == nil {
			_ = stream.Close()
		}
		return nil
	}

	if err != nil {
		if errors.Is(err, jmap.ErrUnauthorized) {
			c.state = StateDisconnected
			c.parked = true
			c.mu.Unlock()
			c.logger.Warn().Err(err).Msg("push credential rejected")
			c.emit(Event{Kind: EventAuthFailed, Err: err})
			return err
		}
		c.mu.Unlock()
		c.handleDisconnect(gen, err)
		return err
	}

	c.stream = stream
	c.state = StateConnected
	c.attempts = 0
	c.connID = uuid.NewString()
	connID := c.connID
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info().Str("conn_id", connID).Msg("push connected")
	c.emit(Event{Kind: EventConnected})

	go c.read(gen, stream)
	return nil
}

func (c *Client) read(gen uint64, stream Stream) {
	defer c.wg.Done()

	for {
		ev, err := stream.Next()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		if ev.Ping() {
			continue
		}

		cursor, ok, err := jmap.ParseStateChange(ev.Data, c.opts.MailAccountID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed push payload")
			continue
		}
		if !ok {
			continue
		}

		c.mu.Lock()
		if c.state == StateClosed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		duplicate := cursor == c.lastCursor || (c.awaiting && cursor == c.emitted)
		if !duplicate {
			c.emitted = cursor
			c.awaiting = true
		}
		c.mu.Unlock()

		if duplicate {
			c.logger.Debug().Str("cursor", cursor).Msg("ignoring repeated cursor")
			continue
		}
		metrics.PushStateChanges.Inc()
		c.emit(Event{Kind: EventStateChanged, Cursor: cursor})
	}
}

// handleDisconnect schedules the next attempt for generation gen, or gives
// up once the attempt cap is exceeded.
func (c *Client) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if c.state == StateClosed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	c.state = StateDisconnected
	c.attempts++
	n := c.attempts

	if n > c.opts.MaxAttempts {
		c.parked = true
		c.mu.Unlock()
		c.logger.Error().Err(cause).Int("attempts", n-1).Msg("push reconnect attempts exhausted")
		c.emit(Event{Kind: EventGaveUp, Err: fmt.Errorf("%w: %v", ErrGaveUp, cause)})
		return
	}

	delay := Backoff(n, c.opts.BaseDelay, c.opts.MaxDelay)
	c.timer = c.opts.AfterFunc(delay, func() { c.retry(gen) })
	c.mu.Unlock()

	c.logger.Warn().Err(cause).Int("attempt", n).Dur("delay", delay).Msg("push disconnected, reconnect scheduled")
	c.emit(Event{Kind: EventDisconnected, Err: cause})
}

func (c *Client) retry(gen uint64) {
	c.mu.Lock()
	if c.state == StateClosed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	metrics.PushReconnects.Inc()
	_ = c.open(c.ctx)
}

func (c *Client) emit(ev Event) {
	if c.opts.Events == nil {
		return
	}
	c.mu.Lock()
	ev.AccountID = c.opts.AccountID
	ev.ClientID = c.id
	ev.ConnID = c.connID
	c.mu.Unlock()

	select {
	case c.opts.Events <- ev:
	case <-c.ctx.Done():
	}
}

// ID identifies this client instance.
func (c *Client) ID() string { return c.id }

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Parked reports whether the client stopped retrying, either after the
// attempt cap or a rejected credential.
func (c *Client) Parked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

// Attempts is the number of consecutive failed connection attempts.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// ConnID identifies the current subscription.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Cursor is the last delivered or seeded cursor.
func (c *Client) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCursor
}

// Acknowledge settles a forwarded cursor. A delivered cursor is suppressed
// from then on; an undelivered one is forwarded again if re-announced.
func (c *Client) Acknowledge(cursor string, delivered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delivered {
		c.lastCursor = cursor
	}
	if cursor == c.emitted {
		c.awaiting = false
	}
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
