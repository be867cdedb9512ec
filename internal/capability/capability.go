package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/metrics"
)

// Capabilities is a snapshot of the optional features a mail server
// supports. It is computed once per connection and passed by value.
type Capabilities struct {
	CustomKeywords bool      `json:"custom_keywords"`
	Idle           bool      `json:"idle"`
	Move           bool      `json:"move"`
	CondStore      bool      `json:"condstore"`
	UTF8           bool      `json:"utf8"`
	UIDPlus        bool      `json:"uidplus"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Conservative is the snapshot used when detection fails: every optional
// feature is treated as absent.
func Conservative() Capabilities {
	return Capabilities{}
}

// Key identifies a cached snapshot.
type Key struct {
	Host      string
	Principal string
}

func (k Key) String() string {
	return k.Principal + "@" + k.Host
}

// ProbeFunc queries a live server for its capabilities.
type ProbeFunc func(ctx context.Context) (Capabilities, error)

const defaultProbeTimeout = 30 * time.Second

// Detector caches capability snapshots per (host, principal) for a fixed
// TTL. Concurrent lookups for the same key share one probe.
type Detector struct {
	cache   *expirable.LRU[Key, Capabilities]
	group   singleflight.Group
	logger  zerolog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewDetector creates a detector holding at most size snapshots for ttl.
func NewDetector(size int, ttl time.Duration, logger zerolog.Logger) *Detector {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Detector{
		cache:   expirable.NewLRU[Key, Capabilities](size, nil, ttl),
		logger:  logging.Component(logger, "capability"),
		now:     time.Now,
		timeout: defaultProbeTimeout,
	}
}

// Detect returns the cached snapshot for key or runs probe to compute one.
// A failing probe yields Conservative() and is not cached, so the next
// lookup probes again. The shared probe runs detached from any one caller's
// context and is bounded by the detector's probe timeout; a caller whose ctx
// ends first gets Conservative() while the probe completes for the others.
func (d *Detector) Detect(ctx context.Context, key Key, probe ProbeFunc) Capabilities {
	if caps, ok := d.cache.Get(key); ok {
		metrics.CapabilityLookups.WithLabelValues("hit").Inc()
		return caps
	}

	ch := d.group.DoChan(key.String(), func() (interface{}, error) {
		if caps, ok := d.cache.Get(key); ok {
			return caps, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		caps, err := probe(pctx)
		if err != nil {
			return nil, fmt.Errorf("probing %s: %w", key, err)
		}
		caps.DetectedAt = d.now()
		d.cache.Add(key, caps)
		return caps, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	if res.Err != nil {
		metrics.CapabilityLookups.WithLabelValues("error").Inc()
		d.logger.Warn().Err(res.Err).Str("host", key.Host).Msg("capability detection failed, assuming none")
		return Conservative()
	}

	metrics.CapabilityLookups.WithLabelValues("miss").Inc()
	return res.Val.(Capabilities)
}

// Lookup returns a cached snapshot without probing.
func (d *Detector) Lookup(key Key) (Capabilities, bool) {
	return d.cache.Get(key)
}

// Invalidate drops the snapshot for key.
func (d *Detector) Invalidate(key Key) {
	d.cache.Remove(key)
}

// Len is the number of live snapshots.
func (d *Detector) Len() int {
	return d.cache.Len()
}
