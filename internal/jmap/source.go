package jmap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Source fetches new emails since a JMAP Email state. It backs the
// processing boundary for push notifications.
type Source struct {
	client *Client
}

// NewSource creates a poll source over client.
func NewSource(client *Client) *Source {
	return &Source{client: client}
}

// FetchSince returns emails created after cursor. An empty cursor records
// the current state without returning messages.
func (s *Source) FetchSince(ctx context.Context, acct *store.Account, cursor string, limit int) (*poll.Batch, error) {
	token := acct.AccessToken
	sess, err := s.client.Session(ctx, token)
	if err != nil {
		return nil, wrapAuth(err)
	}
	accountID, err := sess.MailAccountID()
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		state, err := s.client.CurrentState(ctx, token, sess.APIURL, accountID)
		if err != nil {
			return nil, wrapAuth(err)
		}
		return &poll.Batch{Cursor: state}, nil
	}

	changes, err := s.client.Changes(ctx, token, sess.APIURL, accountID, cursor, limit)
	if err != nil {
		if errors.Is(err, ErrCannotCalculateChanges) {
			return nil, poll.ErrCursorExpired
		}
		return nil, wrapAuth(err)
	}

	batch := &poll.Batch{Cursor: changes.NewState, HasMore: changes.HasMoreChanges}
	if len(changes.Created) == 0 {
		return batch, nil
	}

	emails, err := s.client.GetEmails(ctx, token, sess.APIURL, accountID, changes.Created)
	if err != nil {
		return nil, wrapAuth(err)
	}
	for _, e := range emails {
		batch.Items = append(batch.Items, poll.Item{
			Message: Normalize(e),
			Cursor:  changes.NewState,
		})
	}
	return batch, nil
}

func wrapAuth(err error) error {
	if errors.Is(err, ErrUnauthorized) {
		return &poll.AuthError{Transport: store.KindJMAP, Err: err}
	}
	return err
}

var keywordFlags = map[string]string{
	"$seen":     `\Seen`,
	"$flagged":  `\Flagged`,
	"$answered": `\Answered`,
	"$draft":    `\Draft`,
}

// Normalize converts a JMAP email into a message record. The server's
// threadId is used as the thread id.
func Normalize(e Email) message.Message {
	m := message.Message{
		TransportID: e.ID,
		ThreadID:    e.ThreadID,
		From:        addresses(e.From),
		To:          addresses(e.To),
		Cc:          addresses(e.Cc),
		Bcc:         addresses(e.Bcc),
		ReplyTo:     addresses(e.ReplyTo),
		Subject:     e.Subject,
		Size:        e.Size,
		Date:        e.ReceivedAt,
		Text:        bodyText(e, e.TextBody),
		HTML:        bodyText(e, e.HTMLBody),
	}
	if e.SentAt != nil && !e.SentAt.IsZero() {
		m.Date = *e.SentAt
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}

	if len(e.MessageID) > 0 {
		m.ID = message.NormalizeID(e.MessageID[0])
	}
	if m.ID == "" {
		m.ID = message.NormalizeID(e.ID)
	}
	if len(e.InReplyTo) > 0 {
		m.InReplyTo = message.NormalizeID(e.InReplyTo[0])
	}
	for _, r := range e.References {
		m.References = append(m.References, message.NormalizeID(r))
	}
	if m.ThreadID == "" {
		m.ThreadID = message.ThreadIDFor(m.InReplyTo, m.References, m.ID)
	}

	flags := make([]string, 0, len(e.Keywords))
	for kw, set := range e.Keywords {
		if !set {
			continue
		}
		if f, ok := keywordFlags[strings.ToLower(kw)]; ok {
			flags = append(flags, f)
			continue
		}
		flags = append(flags, kw)
	}
	m.Labels = message.LabelsFromFlags(flags)

	for _, a := range e.Attachments {
		m.Attachments = append(m.Attachments, message.Attachment{
			Filename:    a.Name,
			ContentType: a.Type,
			Size:        a.Size,
		})
	}
	return m
}

func addresses(in []EmailAddress) []message.Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]message.Address, 0, len(in))
	for _, a := range in {
		out = append(out, message.Address{Name: a.Name, Email: strings.ToLower(a.Email)})
	}
	return out
}

func bodyText(e Email, parts []BodyPart) string {
	var b strings.Builder
	for _, p := range parts {
		if v, ok := e.BodyValues[p.PartID]; ok {
			b.WriteString(v.Value)
		}
	}
	return b.String()
}
