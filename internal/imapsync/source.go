package imapsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/capability"
	"github.com/Martian-dev/mailsync/internal/label"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/pool"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Cursor is the IMAP sync position: the folder's UIDVALIDITY and the last
// synchronized UID.
type Cursor struct {
	UIDValidity uint32
	LastUID     uint32
}

// ParseCursor reads "<uidvalidity>:<lastuid>". An empty string is the zero
// cursor.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	v, u, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, fmt.Errorf("invalid IMAP cursor %q", s)
	}
	validity, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid UIDVALIDITY in cursor %q: %w", s, err)
	}
	uid, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid UID in cursor %q: %w", s, err)
	}
	return Cursor{UIDValidity: uint32(validity), LastUID: uint32(uid)}, nil
}

func (c Cursor) String() string {
	return strconv.FormatUint(uint64(c.UIDValidity), 10) + ":" + strconv.FormatUint(uint64(c.LastUID), 10)
}

// folderReader is the part of Conn the poll source needs.
type folderReader interface {
	Select(ctx context.Context, folder string) (*Status, error)
	UIDsSince(ctx context.Context, folder string, since time.Time) ([]uint32, error)
	UIDsAfter(ctx context.Context, folder string, uid uint32) ([]uint32, error)
	Fetch(ctx context.Context, folder string, uids []uint32) ([]Fetched, error)
}

// SourceConfig tunes the poll source.
type SourceConfig struct {
	Mailbox       string
	InitialWindow time.Duration
	FolderPrefix  string
}

// Source polls an IMAP folder. Connections come from a shared pool and
// capability snapshots from a shared detector.
type Source struct {
	pool     *pool.Pool[*Conn]
	dialer   *Dialer
	detector *capability.Detector
	cfg      SourceConfig
	logger   zerolog.Logger
	now      func() time.Time

	// acquire is replaced in tests.
	acquire func(ctx context.Context, acct *store.Account) (folderReader, func(error), error)
}

// NewSource creates an IMAP poll source.
func NewSource(p *pool.Pool[*Conn], dialer *Dialer, detector *capability.Detector, cfg SourceConfig, logger zerolog.Logger) *Source {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = 24 * time.Hour
	}
	s := &Source{
		pool:     p,
		dialer:   dialer,
		detector: detector,
		cfg:      cfg,
		logger:   logging.Component(logger, "imap-source"),
		now:      time.Now,
	}
	s.acquire = func(ctx context.Context, acct *store.Account) (folderReader, func(error), error) {
		return s.conn(ctx, acct)
	}
	return s
}

func poolKey(acct *store.Account) pool.Key {
	return pool.Key{Host: acct.Host, Port: acct.Port, Principal: acct.Principal()}
}

// conn acquires a pooled connection. The returned release func evicts the
// connection when the operation failed.
func (s *Source) conn(ctx context.Context, acct *store.Account) (*Conn, func(error), error) {
	key := poolKey(acct)
	c, err := s.pool.Acquire(ctx, key, func(ctx context.Context) (*Conn, error) {
		return s.dialer.Dial(ctx, acct)
	})
	if err != nil {
		return nil, nil, err
	}
	release := func(opErr error) {
		if opErr != nil && !c.Alive() {
			s.pool.Evict(key)
			return
		}
		s.pool.Release(key)
	}
	return c, release, nil
}

// FetchSince returns messages after cursor, oldest first, at most limit.
// A changed UIDVALIDITY or an empty cursor starts from a baseline window.
func (s *Source) FetchSince(ctx context.Context, acct *store.Account, cursor string, limit int) (batch *poll.Batch, err error) {
	cur, err := ParseCursor(cursor)
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("discarding unreadable cursor")
		cur = Cursor{}
	}

	r, release, err := s.acquire(ctx, acct)
	if err != nil {
		return nil, err
	}
	defer func() { release(err) }()

	folder := s.cfg.Mailbox
	st, err := r.Select(ctx, folder)
	if err != nil {
		return nil, err
	}

	var uids []uint32
	baseline := cur.UIDValidity == 0 || cur.UIDValidity != st.UIDValidity
	if baseline {
		if cur.UIDValidity != 0 {
			s.logger.Info().Str("account_id", acct.ID).
				Uint32("old", cur.UIDValidity).Uint32("new", st.UIDValidity).
				Msg("UIDVALIDITY changed, re-baselining")
		}
		cur = Cursor{UIDValidity: st.UIDValidity}
		uids, err = r.UIDsSince(ctx, folder, s.now().Add(-s.cfg.InitialWindow))
	} else {
		uids, err = r.UIDsAfter(ctx, folder, cur.LastUID)
	}
	if err != nil {
		return nil, err
	}

	batch = &poll.Batch{}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
		batch.HasMore = true
	}

	if len(uids) == 0 {
		if baseline && st.UIDNext > 1 {
			cur.LastUID = st.UIDNext - 1
		}
		batch.Cursor = cur.String()
		return batch, nil
	}

	fetched, err := r.Fetch(ctx, folder, uids)
	if err != nil {
		return nil, err
	}

	batch.Items = s.normalize(acct, folder, cur.UIDValidity, fetched)
	last := cur
	for _, f := range fetched {
		if f.UID > last.LastUID {
			last.LastUID = f.UID
		}
	}
	// UIDs that vanished between SEARCH and FETCH are skipped, not retried.
	if highest := uids[len(uids)-1]; highest > last.LastUID {
		last.LastUID = highest
	}
	batch.Cursor = last.String()
	return batch, nil
}

func (s *Source) normalize(acct *store.Account, folder string, validity uint32, fetched []Fetched) []poll.Item {
	type parsed struct {
		idx int
		msg message.Message
	}
	items := make([]poll.Item, len(fetched))
	var ok []parsed

	for i, f := range fetched {
		items[i].Cursor = Cursor{UIDValidity: validity, LastUID: f.UID}.String()
		if f.Err != nil {
			items[i].Err = f.Err
			continue
		}
		if f.Raw == nil {
			items[i].Err = fmt.Errorf("message UID %d has no body", f.UID)
			continue
		}
		m, err := message.Parse(f.Raw, message.Meta{
			TransportID:  folder + ":" + strconv.FormatUint(uint64(f.UID), 10),
			UID:          f.UID,
			Folder:       folder,
			Flags:        f.Flags,
			Size:         f.Size,
			InternalDate: f.InternalDate,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("account_id", acct.ID).Uint32("uid", f.UID).Msg("failed to parse message")
			items[i].Err = err
			continue
		}
		items[i].Message = *m
		ok = append(ok, parsed{idx: i, msg: *m})
	}

	msgs := make([]message.Message, len(ok))
	for i, p := range ok {
		msgs[i] = p.msg
	}
	for i, m := range message.Assign(msgs) {
		items[ok[i].idx].Message = m
	}
	return items
}

// Capabilities returns the cached snapshot for the account, probing a
// pooled connection on a miss.
func (s *Source) Capabilities(ctx context.Context, acct *store.Account) capability.Capabilities {
	key := capability.Key{Host: acct.Host, Principal: acct.Principal()}
	return s.detector.Detect(ctx, key, func(ctx context.Context) (capability.Capabilities, error) {
		c, release, err := s.conn(ctx, acct)
		if err != nil {
			return capability.Capabilities{}, err
		}
		caps, err := Probe(ctx, c)
		release(err)
		return caps, err
	})
}

// Labels returns a label adapter bound to a pooled connection. The caller
// must invoke the release func when done.
func (s *Source) Labels(ctx context.Context, acct *store.Account) (*label.Adapter, func(error), error) {
	caps := s.Capabilities(ctx, acct)
	c, release, err := s.conn(ctx, acct)
	if err != nil {
		return nil, nil, err
	}
	return label.NewAdapter(c, caps, s.cfg.FolderPrefix), release, nil
}
