package sync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/jmap"
	"github.com/Martian-dev/mailsync/internal/push"
	"github.com/Martian-dev/mailsync/internal/store"
)

// JMAPConnector builds push clients from the account's JMAP session.
type JMAPConnector struct {
	Client       *jmap.Client
	HTTP         *http.Client
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Logger       zerolog.Logger
}

// Build looks up the session, derives the primary mail account and
// returns a client subscribed to its event source.
func (j *JMAPConnector) Build(ctx context.Context, acct *store.Account, events chan<- push.Event) (PushClient, error) {
	if acct.AccessToken == "" {
		return nil, fmt.Errorf("account %s has no access token: %w", acct.ID, jmap.ErrUnauthorized)
	}

	session, err := j.Client.Session(ctx, acct.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	mailAccountID, err := session.MailAccountID()
	if err != nil {
		return nil, err
	}
	if session.EventSourceURL == "" {
		return nil, fmt.Errorf("session for %s has no event source", acct.ID)
	}

	source := jmap.NewEventSource(j.HTTP, session.EventSourceURL, j.PingInterval)
	dial := push.DialFunc(func(ctx context.Context, token string) (push.Stream, error) {
		stream, err := source.Dial(ctx, token)
		if err != nil {
			return nil, err
		}
		return stream, nil
	})

	return push.NewClient(push.Options{
		AccountID:     acct.ID,
		MailAccountID: mailAccountID,
		Token:         acct.AccessToken,
		Cursor:        acct.SyncCursor,
		Dialer:        dial,
		Events:        events,
		BaseDelay:     j.BaseDelay,
		MaxDelay:      j.MaxDelay,
		MaxAttempts:   j.MaxAttempts,
		Logger:        j.Logger,
	}), nil
}
