package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/store"
)

// EventEmailReceived is the event type published for each new message.
const EventEmailReceived = "email.received"

const snippetLen = 200

// EmailReceivedEvent is the payload handed to the rule engine.
type EmailReceivedEvent struct {
	EventID     string               `json:"event_id"`
	TS          int64                `json:"ts"`
	MsgDate     int64                `json:"msg_date"`
	Transport   string               `json:"transport"`
	AccountID   string               `json:"account_id"`
	MessageID   string               `json:"message_id"`
	ThreadID    string               `json:"thread_id"`
	Folder      string               `json:"folder,omitempty"`
	Subject     string               `json:"subject"`
	From        []message.Address    `json:"from"`
	To          []message.Address    `json:"to"`
	Cc          []message.Address    `json:"cc,omitempty"`
	Snippet     string               `json:"snippet"`
	Labels      []string             `json:"labels"`
	Attachments []message.Attachment `json:"attachments,omitempty"`
	InReplyTo   string               `json:"in_reply_to,omitempty"`
	References  []string             `json:"references,omitempty"`
}

// OutboxProcessor records each message once per account and queues an
// email.received event for the rule engine in the same transaction.
type OutboxProcessor struct {
	store  *sqlite.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewOutboxProcessor creates a processor writing to store.
func NewOutboxProcessor(store *sqlite.Store, logger zerolog.Logger) *OutboxProcessor {
	return &OutboxProcessor{
		store:  store,
		logger: logging.Component(logger, "rules"),
		now:    time.Now,
	}
}

// Process implements poll.Processor.
func (p *OutboxProcessor) Process(ctx context.Context, acct *store.Account, msg message.Message) error {
	if msg.ID == "" {
		return errors.New("message without id")
	}

	ev := EmailReceivedEvent{
		EventID:     uuid.NewString(),
		TS:          p.now().Unix(),
		MsgDate:     msg.Date.Unix(),
		Transport:   string(acct.Kind),
		AccountID:   acct.ID,
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		Folder:      msg.Folder,
		Subject:     msg.Subject,
		From:        msg.From,
		To:          msg.To,
		Cc:          msg.Cc,
		Snippet:     Snippet(msg.Text, snippetLen),
		Labels:      msg.Labels,
		Attachments: msg.Attachments,
		InReplyTo:   msg.InReplyTo,
		References:  msg.References,
	}
	if ev.Labels == nil {
		ev.Labels = []string{}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	toJSON, _ := json.Marshal(addressList(msg.To))
	ccJSON, _ := json.Marshal(addressList(msg.Cc))
	labelsJSON, _ := json.Marshal(ev.Labels)

	sender := ""
	if len(msg.From) > 0 {
		sender = msg.From[0].Email
	}

	tx, err := p.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	created, err := p.store.AppendEmailReceivedTx(ctx, tx,
		sqlite.EmailReceived{
			EventID:    ev.EventID,
			TS:         ev.TS,
			MsgDate:    ev.MsgDate,
			Transport:  ev.Transport,
			AccountID:  ev.AccountID,
			MessageID:  ev.MessageID,
			ThreadID:   ev.ThreadID,
			Folder:     ev.Folder,
			Subject:    ev.Subject,
			Sender:     sender,
			ToAddrs:    string(toJSON),
			CcAddrs:    string(ccJSON),
			Snippet:    ev.Snippet,
			LabelsJSON: string(labelsJSON),
		},
		sqlite.OutboxEntry{
			Subject:   Subject(acct.ID),
			EventType: EventEmailReceived,
			Payload:   payload,
			MsgID:     fmt.Sprintf("%s|%s|%s", EventEmailReceived, acct.ID, msg.ID),
		},
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append email event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if !created {
		p.logger.Debug().Str("account_id", acct.ID).Str("message_id", msg.ID).Msg("message already processed")
	}
	return nil
}

// Subject is the broker subject for an account's email.received events.
func Subject(accountID string) string {
	return "mail." + subjectToken(accountID) + "." + EventEmailReceived
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Snippet collapses whitespace in text and cuts it to n runes.
func Snippet(text string, n int) string {
	s := strings.Join(strings.Fields(text), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func addressList(in []message.Address) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, a.Email)
	}
	return out
}
