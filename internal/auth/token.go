package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailsync/internal/store"
)

var (
	// ErrMissingRefreshToken means the account cannot be refreshed.
	ErrMissingRefreshToken = errors.New("account has no refresh token")
	// ErrMissingClientCredentials means no OAuth app is configured for the
	// account's transport.
	ErrMissingClientCredentials = errors.New("oauth client credentials not configured")
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// App is an OAuth client registered with a provider
type App struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string
}

// GoogleEndpoint is the token endpoint for gmail accounts
var GoogleEndpoint = google.Endpoint

// MicrosoftEndpoint is the token endpoint for outlook accounts
var MicrosoftEndpoint = microsoft.AzureADEndpoint("common")

// Refresher exchanges refresh tokens for new access tokens
type Refresher struct {
	client *http.Client

	mu   sync.RWMutex
	apps map[store.Kind]App
}

// NewRefresher creates a refresher using client for token requests
func NewRefresher(client *http.Client) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Refresher{client: client, apps: make(map[store.Kind]App)}
}

// Register sets the OAuth app used for accounts of kind
func (r *Refresher) Register(kind store.Kind, app App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[kind] = app
}

// Config returns the oauth2 config for kind
func (r *Refresher) Config(kind store.Kind) (*oauth2.Config, error) {
	r.mu.RLock()
	app, ok := r.apps[kind]
	r.mu.RUnlock()

	if !ok || app.ClientID == "" || app.ClientSecret == "" {
		return nil, fmt.Errorf("%w for %s", ErrMissingClientCredentials, kind)
	}
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		Endpoint:     app.Endpoint,
		Scopes:       app.Scopes,
	}, nil
}

// Refresh performs a refresh-token grant for acct
func (r *Refresher) Refresh(ctx context.Context, acct *store.Account) (store.Tokens, error) {
	if acct.RefreshToken == "" {
		return store.Tokens{}, ErrMissingRefreshToken
	}
	cfg, err := r.Config(acct.Kind)
	if err != nil {
		return store.Tokens{}, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: acct.RefreshToken}).Token()
	if err != nil {
		return store.Tokens{}, fmt.Errorf("refreshing token for %s: %w", acct.ID, err)
	}

	return store.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// TokenSource returns a source that starts from the account's stored
// token and refreshes it when expired
func (r *Refresher) TokenSource(ctx context.Context, acct *store.Account) (oauth2.TokenSource, error) {
	tok := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		TokenType:    "Bearer",
	}
	if acct.ExpiresAt != nil {
		tok.Expiry = *acct.ExpiresAt
	}

	cfg, err := r.Config(acct.Kind)
	if err != nil {
		if acct.AccessToken == "" {
			return nil, err
		}
		// Without an app the stored token is used until it is rejected.
		return oauth2.StaticTokenSource(tok), nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	return cfg.TokenSource(ctx, tok), nil
}
