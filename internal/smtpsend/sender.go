package smtpsend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/message"
	"github.com/Martian-dev/mailsync/internal/pool"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Sender sends replies through pooled SMTP sessions.
type Sender struct {
	pool   *pool.Pool[*Client]
	dialer *Dialer
	logger zerolog.Logger
	now    func() time.Time
}

// NewSender creates a sender backed by p.
func NewSender(p *pool.Pool[*Client], dialer *Dialer, logger zerolog.Logger) *Sender {
	return &Sender{
		pool:   p,
		dialer: dialer,
		logger: logging.Component(logger, "smtp"),
		now:    time.Now,
	}
}

func sendKey(acct *store.Account) pool.Key {
	host := acct.SMTPHost
	if host == "" {
		host = acct.Host
	}
	return pool.Key{Host: host, Port: acct.SMTPPort, Principal: acct.Principal()}
}

// Reply sends env from the account and returns the new Message-ID.
func (s *Sender) Reply(ctx context.Context, acct *store.Account, env ReplyEnvelope) (string, error) {
	if len(env.To) == 0 {
		return "", errors.New("reply needs at least one recipient")
	}

	raw, id, err := Build(message.Address{Email: acct.Email}, env, s.now())
	if err != nil {
		return "", err
	}

	key := sendKey(acct)
	c, err := s.pool.Acquire(ctx, key, func(ctx context.Context) (*Client, error) {
		return s.dialer.Dial(ctx, acct)
	})
	if err != nil {
		return "", err
	}

	if err := c.Send(acct.Email, env.Recipients(), raw); err != nil {
		s.pool.Evict(key)
		return "", err
	}
	s.pool.Release(key)

	s.logger.Info().Str("account_id", acct.ID).Str("message_id", id).Msg("reply sent")
	return id, nil
}

// Verify dials and authenticates a fresh session outside the pool.
func (s *Sender) Verify(ctx context.Context, acct *store.Account) error {
	c, err := s.dialer.Dial(ctx, acct)
	if err != nil {
		return err
	}
	defer c.Close()

	if !c.Alive() {
		return fmt.Errorf("SMTP server for %s did not answer NOOP", acct.Email)
	}
	return nil
}
