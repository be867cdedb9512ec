package message

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/jhillyerd/enmime"

	"github.com/Martian-dev/mailsync/internal/label"
)

// Address is one mailbox from an address header.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment describes an attachment without its content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message is a transport-agnostic message record. It is never mutated after
// Parse; WithThreadID returns a modified copy.
type Message struct {
	ID          string       `json:"id"`
	TransportID string       `json:"transport_id"`
	ThreadID    string       `json:"thread_id"`
	From        []Address    `json:"from"`
	To          []Address    `json:"to"`
	Cc          []Address    `json:"cc,omitempty"`
	Bcc         []Address    `json:"bcc,omitempty"`
	ReplyTo     []Address    `json:"reply_to,omitempty"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Labels      []string     `json:"labels"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Size        int64        `json:"size"`
	Folder      string       `json:"folder,omitempty"`
	Date        time.Time    `json:"date"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	References  []string     `json:"references,omitempty"`
	UID         uint32       `json:"uid,omitempty"`
}

// Meta carries facts only the transport knows.
type Meta struct {
	TransportID  string
	UID          uint32
	Folder       string
	Flags        []string
	Size         int64
	InternalDate time.Time
	// ThreadID is the transport's native conversation id, if any.
	ThreadID string
	// Labels are transport-native labels added as-is.
	Labels []string
}

// WithThreadID returns a copy of m assigned to thread id.
func (m Message) WithThreadID(id string) Message {
	m.ThreadID = id
	return m
}

// Parse normalizes a raw RFC 5322 message.
func Parse(raw []byte, meta Meta) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	h := mr.Header
	mr.Close()

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}

	msg := &Message{
		TransportID: meta.TransportID,
		UID:         meta.UID,
		Folder:      meta.Folder,
		Size:        meta.Size,
		Text:        env.Text,
		HTML:        env.HTML,
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw))
	}

	if id, err := h.MessageID(); err == nil && id != "" {
		msg.ID = NormalizeID(id)
	}
	if msg.ID == "" {
		msg.ID = NormalizeID(meta.TransportID)
	}

	msg.Subject, _ = h.Subject()

	msg.Date, _ = h.Date()
	if msg.Date.IsZero() {
		msg.Date = meta.InternalDate
	}

	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = NormalizeID(ids[0])
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			if n := NormalizeID(id); n != "" {
				msg.References = append(msg.References, n)
			}
		}
	}

	msg.From = addresses(h, "From")
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
	msg.Bcc = addresses(h, "Bcc")
	msg.ReplyTo = addresses(h, "Reply-To")

	for _, a := range env.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    a.FileName,
			ContentType: a.ContentType,
			Size:        int64(len(a.Content)),
		})
	}

	msg.Labels = LabelsFromFlags(meta.Flags)
	msg.Labels = append(msg.Labels, meta.Labels...)

	if meta.ThreadID != "" {
		msg.ThreadID = meta.ThreadID
	} else {
		msg.ThreadID = ThreadIDFor(msg.InReplyTo, msg.References, msg.ID)
	}

	return msg, nil
}

func addresses(h mail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}

// LabelsFromFlags derives logical labels from IMAP system flags and
// service-owned keywords. Unknown keywords are ignored.
func LabelsFromFlags(flags []string) []string {
	var labels []string
	seen := false
	for _, f := range flags {
		switch strings.ToLower(f) {
		case `\seen`:
			seen = true
		case `\flagged`:
			labels = append(labels, "STARRED")
		case `\answered`:
			labels = append(labels, "ANSWERED")
		case `\draft`:
			labels = append(labels, "DRAFT")
		default:
			if l, ok := label.KeywordToLabel(f); ok {
				labels = append(labels, l)
			}
		}
	}
	if !seen {
		labels = append(labels, "UNREAD")
	}
	return labels
}
