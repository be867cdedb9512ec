package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/store"
)

const (
	user  = "me"
	inbox = "INBOX"
)

// Config tunes the Gmail source
type Config struct {
	InitialWindow time.Duration
	// Options are appended to every service, e.g. an endpoint override.
	Options []option.ClientOption
}

// Source polls a Gmail mailbox using the history API. The cursor is the
// mailbox history id.
type Source struct {
	tokens providers.TokenSourcer
	saver  providers.TokenSaver
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Gmail poll source
func New(tokens providers.TokenSourcer, saver providers.TokenSaver, cfg Config, logger zerolog.Logger) *Source {
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = 24 * time.Hour
	}
	return &Source{
		tokens: tokens,
		saver:  saver,
		cfg:    cfg,
		logger: logging.Component(logger, "gmail-source"),
		now:    time.Now,
	}
}

func (s *Source) service(ctx context.Context, acct *store.Account) (*gmail.Service, oauth2.TokenSource, error) {
	ts, err := s.tokens.TokenSource(ctx, acct)
	if err != nil {
		return nil, nil, &poll.AuthError{Transport: store.KindGmail, Err: err}
	}
	opts := append([]option.ClientOption{}, s.cfg.Options...)
	opts = append(opts, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, ts, nil
}

// FetchSince returns INBOX messages added after the history id in cursor.
// An empty cursor records the current history id and returns messages
// received within the initial window.
func (s *Source) FetchSince(ctx context.Context, acct *store.Account, cursor string, limit int) (*poll.Batch, error) {
	svc, ts, err := s.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := providers.SaveIfRefreshed(ctx, s.saver, acct, ts); err != nil {
			s.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("failed to persist refreshed token")
		}
	}()

	if cursor == "" {
		return s.baseline(ctx, svc, acct, limit)
	}

	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("discarding unreadable cursor")
		return nil, poll.ErrCursorExpired
	}

	call := svc.Users.History.List(user).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		LabelId(inbox).
		Context(ctx)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}
	resp, err := call.Do()
	if err != nil {
		if apiStatus(err) == http.StatusNotFound {
			return nil, poll.ErrCursorExpired
		}
		return nil, wrapErr("listing history", err)
	}

	batch := &poll.Batch{Cursor: strconv.FormatUint(resp.HistoryId, 10)}
	if resp.NextPageToken != "" && len(resp.History) > 0 {
		// Resume after the last record of this page.
		batch.HasMore = true
		batch.Cursor = strconv.FormatUint(resp.History[len(resp.History)-1].Id, 10)
	}

	seen := make(map[string]bool)
	for _, h := range resp.History {
		pos := strconv.FormatUint(h.Id, 10)
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			item, ok, err := s.fetch(ctx, svc, acct, added.Message.Id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			item.Cursor = pos
			batch.Items = append(batch.Items, item)
		}
	}
	return batch, nil
}

// baseline reads the current history id before listing so that messages
// arriving during the listing are picked up by the next poll.
func (s *Source) baseline(ctx context.Context, svc *gmail.Service, acct *store.Account, limit int) (*poll.Batch, error) {
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("reading profile", err)
	}
	cursor := strconv.FormatUint(profile.HistoryId, 10)

	since := s.now().Add(-s.cfg.InitialWindow)
	call := svc.Users.Messages.List(user).
		LabelIds(inbox).
		Q("after:" + strconv.FormatInt(since.Unix(), 10)).
		IncludeSpamTrash(false).
		Context(ctx)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}
	list, err := call.Do()
	if err != nil {
		return nil, wrapErr("listing messages", err)
	}

	batch := &poll.Batch{Cursor: cursor}
	// The list is newest first.
	for i := len(list.Messages) - 1; i >= 0; i-- {
		item, ok, err := s.fetch(ctx, svc, acct, list.Messages[i].Id)
		if err != nil {
			return nil, err
		}
		if ok {
			item.Cursor = cursor
			batch.Items = append(batch.Items, item)
		}
	}
	s.logger.Info().Str("account_id", acct.ID).Str("history_id", cursor).Int("messages", len(batch.Items)).Msg("gmail baseline established")
	return batch, nil
}

// fetch loads one raw message. ok is false when it was deleted since it
// was listed.
func (s *Source) fetch(ctx context.Context, svc *gmail.Service, acct *store.Account, id string) (poll.Item, bool, error) {
	m, err := svc.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		if apiStatus(err) == http.StatusNotFound {
			return poll.Item{}, false, nil
		}
		return poll.Item{}, false, wrapErr("fetching message "+id, err)
	}

	raw, err := DecodeRaw(m.Raw)
	if err != nil {
		return poll.Item{Err: fmt.Errorf("decoding message %s: %w", id, err)}, true, nil
	}
	msg, err := message.Parse(raw, message.Meta{
		TransportID:  m.Id,
		Folder:       inbox,
		Flags:        Flags(m.LabelIds),
		Size:         m.SizeEstimate,
		InternalDate: time.UnixMilli(m.InternalDate),
		ThreadID:     m.ThreadId,
		Labels:       UserLabels(m.LabelIds),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", acct.ID).Str("message_id", id).Msg("failed to parse message")
		return poll.Item{Err: err}, true, nil
	}
	return poll.Item{Message: *msg}, true, nil
}

// DecodeRaw decodes the base64url "raw" field, padded or not
func DecodeRaw(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// Flags maps Gmail system labels onto IMAP-style flags
func Flags(labelIDs []string) []string {
	flags := []string{`\Seen`}
	for _, l := range labelIDs {
		switch l {
		case "UNREAD":
			flags[0] = ""
		case "STARRED":
			flags = append(flags, `\Flagged`)
		case "DRAFT":
			flags = append(flags, `\Draft`)
		}
	}
	if flags[0] == "" {
		flags = flags[1:]
	}
	return flags
}

// UserLabels drops the system labels already expressed as flags
func UserLabels(labelIDs []string) []string {
	var out []string
	for _, l := range labelIDs {
		switch l {
		case "UNREAD", "STARRED", "DRAFT":
			continue
		}
		out = append(out, l)
	}
	return out
}

func apiStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func wrapErr(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if apiStatus(err) == http.StatusUnauthorized || errors.As(err, &rerr) {
		return &poll.AuthError{Transport: store.KindGmail, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("%s: %w", op, err)
}
