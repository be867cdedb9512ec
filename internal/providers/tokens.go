package providers

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/store"
)

// TokenSourcer builds an OAuth token source for an account.
type TokenSourcer interface {
	TokenSource(ctx context.Context, acct *store.Account) (oauth2.TokenSource, error)
}

// TokenSaver persists refreshed credentials.
type TokenSaver interface {
	UpdateTokens(ctx context.Context, id string, t store.Tokens) error
}

// SaveIfRefreshed stores the token currently held by ts when it differs
// from the account's stored access token. acct is updated in place.
func SaveIfRefreshed(ctx context.Context, saver TokenSaver, acct *store.Account, ts oauth2.TokenSource) error {
	if saver == nil || ts == nil {
		return nil
	}
	tok, err := ts.Token()
	if err != nil || tok.AccessToken == "" || tok.AccessToken == acct.AccessToken {
		return nil
	}

	t := store.Tokens{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	if tok.RefreshToken != acct.RefreshToken {
		t.RefreshToken = tok.RefreshToken
	}
	if err := saver.UpdateTokens(ctx, acct.ID, t); err != nil {
		return fmt.Errorf("saving refreshed token: %w", err)
	}

	acct.AccessToken = tok.AccessToken
	if t.RefreshToken != "" {
		acct.RefreshToken = t.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		acct.ExpiresAt = &exp
	}
	return nil
}
