package smtpsend

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/message"
)

// ReplyEnvelope is the minimal input for a reply or forward.
type ReplyEnvelope struct {
	To         []message.Address `json:"to" binding:"required"`
	Cc         []message.Address `json:"cc"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	InReplyTo  string            `json:"in_reply_to"`
	References []string          `json:"references"`
	Forward    bool              `json:"forward"`
}

// ReplySubject prefixes subject with "Re: " or "Fwd: " unless it already
// carries that prefix.
func ReplySubject(subject string, forward bool) string {
	trimmed := strings.TrimSpace(subject)
	lower := strings.ToLower(trimmed)
	if forward {
		if strings.HasPrefix(lower, "fwd:") || strings.HasPrefix(lower, "fw:") {
			return trimmed
		}
		return "Fwd: " + trimmed
	}
	if strings.HasPrefix(lower, "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// Build renders the envelope as an RFC 5322 message and returns it with
// its generated Message-ID.
func Build(from message.Address, env ReplyEnvelope, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: from.Name, Address: from.Email}})
	h.SetAddressList("To", toMailAddresses(env.To))
	if len(env.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(env.Cc))
	}
	h.SetSubject(ReplySubject(env.Subject, env.Forward))

	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generating message id: %w", err)
	}
	id, _ := h.MessageID()

	if !env.Forward && env.InReplyTo != "" {
		irt := message.NormalizeID(env.InReplyTo)
		h.SetMsgIDList("In-Reply-To", []string{irt})

		refs := make([]string, 0, len(env.References)+1)
		for _, r := range env.References {
			if n := message.NormalizeID(r); n != "" && n != irt {
				refs = append(refs, n)
			}
		}
		h.SetMsgIDList("References", append(refs, irt))
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("creating message writer: %w", err)
	}
	if _, err := io.WriteString(w, env.Body); err != nil {
		return nil, "", fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing message writer: %w", err)
	}
	return buf.Bytes(), id, nil
}

// Recipients returns the envelope recipients.
func (e ReplyEnvelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	for _, a := range e.To {
		out = append(out, a.Email)
	}
	for _, a := range e.Cc {
		out = append(out, a.Email)
	}
	return out
}

func toMailAddresses(in []message.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(in))
	for _, a := range in {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
