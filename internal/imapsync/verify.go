package imapsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/capability"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/store"
)

// SendVerifier checks the outbound transport of an account.
type SendVerifier interface {
	Verify(ctx context.Context, acct *store.Account) error
}

// Verifier performs the live connect-and-verify round trip used before an
// account is saved.
type Verifier struct {
	dialer   *Dialer
	send     SendVerifier
	detector *capability.Detector
	logger   zerolog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(dialer *Dialer, send SendVerifier, detector *capability.Detector, logger zerolog.Logger) *Verifier {
	return &Verifier{
		dialer:   dialer,
		send:     send,
		detector: detector,
		logger:   logging.Component(logger, "verify"),
	}
}

// Verify logs into IMAP and selects INBOX, then authenticates to SMTP.
// Capability detection runs afterwards and never fails the check.
func (v *Verifier) Verify(ctx context.Context, acct *store.Account) (capability.Capabilities, error) {
	conn, err := v.dialer.Dial(ctx, acct)
	if err != nil {
		return capability.Conservative(), fmt.Errorf("IMAP: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Select(ctx, "INBOX"); err != nil {
		return capability.Conservative(), fmt.Errorf("IMAP: %w", err)
	}

	if v.send != nil {
		if err := v.send.Verify(ctx, acct); err != nil {
			return capability.Conservative(), fmt.Errorf("SMTP: %w", err)
		}
	}

	key := capability.Key{Host: acct.Host, Principal: acct.Principal()}
	v.detector.Invalidate(key)
	caps := v.detector.Detect(ctx, key, func(ctx context.Context) (capability.Capabilities, error) {
		return Probe(ctx, conn)
	})
	v.logger.Info().Str("account_id", acct.ID).Bool("custom_keywords", caps.CustomKeywords).Msg("account verified")
	return caps, nil
}
