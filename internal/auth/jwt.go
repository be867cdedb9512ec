package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Operator represents an authenticated admin API caller
type Operator struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier handles JWT token verification with cached JWKS
type JWTVerifier struct {
	jwksURL     string
	cache       *jwk.Cache
	keySet      jwk.Set
	keySetMutex sync.RWMutex
	lastFetch   time.Time
	refreshTTL  time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewJWTVerifier creates a verifier for keys published at jwksURL. Keys are
// fetched once up front and refreshed in the background until Close.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	verifier := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
		done:       make(chan struct{}),
	}

	bg, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(bg)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(verifier.refreshTTL)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	verifier.cache = cache
	verifier.cancel = cancel

	fetchCtx, fetchCancel := context.WithTimeout(ctx, 5*time.Second)
	defer fetchCancel()

	keySet, err := verifier.fetchKeySet(fetchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	verifier.keySet = keySet
	verifier.lastFetch = time.Now()

	go verifier.backgroundRefresh(bg)

	return verifier, nil
}

// fetchKeySet retrieves the JWKS from the cache (or fetches if needed)
func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

// backgroundRefresh keeps the key set current without blocking requests
func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	defer close(v.done)

	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()

		// A failed refresh keeps the previous keys until the next tick.
		if err == nil {
			v.keySetMutex.Lock()
			v.keySet = keySet
			v.lastFetch = time.Now()
			v.keySetMutex.Unlock()
		}
	}
}

// getKeySet returns the cached key set
func (v *JWTVerifier) getKeySet() jwk.Set {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()
	return v.keySet
}

// OperatorFromRequest validates the bearer JWT of the request
func (v *JWTVerifier) OperatorFromRequest(r *http.Request) (*Operator, error) {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	id := token.Subject()
	if id == "" {
		return nil, errors.New("token missing subject")
	}

	var email, name string
	if emailClaim, ok := token.Get("email"); ok {
		email, _ = emailClaim.(string)
	}
	if nameClaim, ok := token.Get("name"); ok {
		name, _ = nameClaim.(string)
	}

	return &Operator{ID: id, Email: email, Name: name}, nil
}

// KeyStats describes the cached signing keys.
type KeyStats struct {
	Keys      int       `json:"keys"`
	LastFetch time.Time `json:"lastFetch"`
}

// KeyStats reports how many keys are cached and when they were fetched
func (v *JWTVerifier) KeyStats() KeyStats {
	v.keySetMutex.RLock()
	defer v.keySetMutex.RUnlock()

	st := KeyStats{LastFetch: v.lastFetch}
	if v.keySet != nil {
		st.Keys = v.keySet.Len()
	}
	return st
}

// Close stops the background refresh
func (v *JWTVerifier) Close() {
	v.cancel()
	<-v.done
}
