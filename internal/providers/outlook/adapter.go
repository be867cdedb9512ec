package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/store"
)

const inbox = "inbox"

var graphScopes = []string{"https://graph.microsoft.com/.default"}

var selectFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients",
	"ccRecipients", "bccRecipients", "replyTo", "body", "receivedDateTime", "sentDateTime",
	"isRead", "isDraft", "flag", "categories", "internetMessageHeaders",
}

// Config tunes the Outlook source
type Config struct {
	InitialWindow time.Duration
}

type lister func(ctx context.Context, ts oauth2.TokenSource, acct *store.Account, since time.Time, limit int) (models.MessageCollectionResponseable, error)

// Source polls an Outlook inbox through Microsoft Graph. The cursor is the
// receivedDateTime of the last synchronized message.
type Source struct {
	tokens providers.TokenSourcer
	saver  providers.TokenSaver
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	// list is replaced in tests.
	list lister
}

// New creates an Outlook poll source
func New(tokens providers.TokenSourcer, saver providers.TokenSaver, cfg Config, logger zerolog.Logger) *Source {
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = 24 * time.Hour
	}
	return &Source{
		tokens: tokens,
		saver:  saver,
		cfg:    cfg,
		logger: logging.Component(logger, "outlook-source"),
		now:    time.Now,
		list:   listInbox,
	}
}

// ParseCursor reads a receivedDateTime cursor
func ParseCursor(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid outlook cursor %q: %w", s, err)
	}
	return t, nil
}

// FormatCursor renders t as a cursor
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FetchSince returns inbox messages received after cursor, oldest first.
// An empty cursor starts from the initial window.
func (s *Source) FetchSince(ctx context.Context, acct *store.Account, cursor string, limit int) (*poll.Batch, error) {
	since := s.now().Add(-s.cfg.InitialWindow)
	if cursor != "" {
		t, err := ParseCursor(cursor)
		if err != nil {
			s.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("discarding unreadable cursor")
			return nil, poll.ErrCursorExpired
		}
		since = t
	}

	ts, err := s.tokens.TokenSource(ctx, acct)
	if err != nil {
		return nil, &poll.AuthError{Transport: store.KindOutlook, Err: err}
	}
	defer func() {
		if err := providers.SaveIfRefreshed(ctx, s.saver, acct, ts); err != nil {
			s.logger.Warn().Err(err).Str("account_id", acct.ID).Msg("failed to persist refreshed token")
		}
	}()

	result, err := s.list(ctx, ts, acct, since, limit)
	if err != nil {
		return nil, wrapErr(err)
	}

	batch := &poll.Batch{Cursor: FormatCursor(since), HasMore: result.GetOdataNextLink() != nil}
	last := since
	for _, m := range result.GetValue() {
		if m == nil {
			continue
		}
		msg := Normalize(m)
		received := since
		if rcvd := m.GetReceivedDateTime(); rcvd != nil {
			received = *rcvd
		}
		if received.After(last) {
			last = received
		}
		batch.Items = append(batch.Items, poll.Item{Message: msg, Cursor: FormatCursor(last)})
	}
	batch.Cursor = FormatCursor(last)
	return batch, nil
}

func listInbox(ctx context.Context, ts oauth2.TokenSource, acct *store.Account, since time.Time, limit int) (models.MessageCollectionResponseable, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenCredential{source: ts}, graphScopes)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	filter := Filter(since)
	query := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
		Filter:  &filter,
		Orderby: []string{"receivedDateTime asc"},
		Select:  selectFields,
	}
	if limit > 0 {
		query.Top = Int32Ptr(int32(limit))
	}

	result, err := client.Users().ByUserId(acct.Email).MailFolders().ByMailFolderId(inbox).Messages().Get(ctx,
		&users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: query})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return result, nil
}

// Filter is the OData filter selecting messages received after since
func Filter(since time.Time) string {
	return "receivedDateTime gt " + FormatCursor(since)
}

func wrapErr(err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) && (oerr.ResponseStatusCode == http.StatusUnauthorized || oerr.ResponseStatusCode == http.StatusForbidden) {
		return &poll.AuthError{Transport: store.KindOutlook, Err: err}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return &poll.AuthError{Transport: store.KindOutlook, Err: err}
	}
	return err
}

// Normalize converts a Graph message into a message record
func Normalize(m models.Messageable) message.Message {
	msg := message.Message{
		TransportID: deref(m.GetId()),
		ThreadID:    deref(m.GetConversationId()),
		Subject:     deref(m.GetSubject()),
		From:        recipient(m.GetFrom()),
		To:          extractAddresses(m.GetToRecipients()),
		Cc:          extractAddresses(m.GetCcRecipients()),
		Bcc:         extractAddresses(m.GetBccRecipients()),
		ReplyTo:     extractAddresses(m.GetReplyTo()),
		Folder:      "INBOX",
	}

	msg.ID = message.NormalizeID(deref(m.GetInternetMessageId()))
	if msg.ID == "" {
		msg.ID = message.NormalizeID(msg.TransportID)
	}

	if sent := m.GetSentDateTime(); sent != nil {
		msg.Date = *sent
	} else if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Date = *rcvd
	}

	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.HTML = content
		} else {
			msg.Text = content
		}
		msg.Size = int64(len(content))
	}

	for _, h := range m.GetInternetMessageHeaders() {
		if h == nil {
			continue
		}
		name, value := deref(h.GetName()), deref(h.GetValue())
		switch strings.ToLower(name) {
		case "in-reply-to":
			msg.InReplyTo = message.NormalizeID(value)
		case "references":
			for _, id := range strings.Fields(value) {
				if n := message.NormalizeID(id); n != "" {
					msg.References = append(msg.References, n)
				}
			}
		}
	}
	if msg.ThreadID == "" {
		msg.ThreadID = message.ThreadIDFor(msg.InReplyTo, msg.References, msg.ID)
	}

	var flags []string
	if r := m.GetIsRead(); r != nil && *r {
		flags = append(flags, `\Seen`)
	}
	if d := m.GetIsDraft(); d != nil && *d {
		flags = append(flags, `\Draft`)
	}
	if f := m.GetFlag(); f != nil {
		if st := f.GetFlagStatus(); st != nil && *st == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			flags = append(flags, `\Flagged`)
		}
	}
	msg.Labels = message.LabelsFromFlags(flags)
	msg.Labels = append(msg.Labels, m.GetCategories()...)
	return msg
}

func recipient(r models.Recipientable) []message.Address {
	if r == nil {
		return nil
	}
	return extractAddresses([]models.Recipientable{r})
}

// extractAddresses extracts addresses from recipients
func extractAddresses(recipients []models.Recipientable) []message.Address {
	var addrs []message.Address
	for _, r := range recipients {
		if r == nil {
			continue
		}
		emailAddr := r.GetEmailAddress()
		if emailAddr == nil {
			continue
		}
		addr := deref(emailAddr.GetAddress())
		if addr == "" {
			continue
		}
		addrs = append(addrs, message.Address{Name: deref(emailAddr.GetName()), Email: strings.ToLower(addr)})
	}
	return addrs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// tokenCredential adapts an oauth2 token source to the Azure credential
// interface
type tokenCredential struct {
	source oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.source.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
