package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/jmap"
	"github.com/Martian-dev/mailsync/internal/push"
	"github.com/Martian-dev/mailsync/internal/store"
)

func newSessionServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"apiUrl":          srv.URL + "/api",
			"eventSourceUrl":  srv.URL + "/events?types={types}&closeafter={closeafter}&ping={ping}",
			"primaryAccounts": map[string]string{jmap.CapabilityMail: "u1"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJMAPConnectorReportsRejectedToken(t *testing.T) {
	srv := newSessionServer(t, "fresh-a")
	conn := &JMAPConnector{
		Client: jmap.NewClient(srv.Client(), srv.URL),
		HTTP:   srv.Client(),
		Logger: zerolog.Nop(),
	}
	events := make(chan push.Event, 1)

	_, err := conn.Build(context.Background(), &store.Account{ID: "a", AccessToken: "expired"}, events)
	assert.ErrorIs(t, err, jmap.ErrUnauthorized)

	_, err = conn.Build(context.Background(), &store.Account{ID: "a"}, events)
	assert.ErrorIs(t, err, jmap.ErrUnauthorized)

	client, err := conn.Build(context.Background(), &store.Account{ID: "a", AccessToken: "fresh-a"}, events)
	require.NoError(t, err)
	assert.NotEmpty(t, client.ID())
}

func TestManagerRecoversExpiredTokenThroughJMAPConnector(t *testing.T) {
	srv := newSessionServer(t, "fresh-a")
	st := &fakeStore{accounts: []store.Account{{ID: "a", Kind: store.KindJMAP, AccessToken: "expired", RefreshToken: "r-a"}}}
	refresher := &fakeRefresher{}
	m := NewManager(st, &JMAPConnector{
		Client: jmap.NewClient(srv.Client(), srv.URL),
		HTTP:   srv.Client(),
		Logger: zerolog.Nop(),
	}, &fakeNotifier{calls: make(chan delivery, 1)}, refresher, Options{Logger: zerolog.Nop()})
	t.Cleanup(m.Stop)

	require.NoError(t, m.Reconcile(context.Background()))

	assert.True(t, m.IsManaged("a"))
	assert.Equal(t, 1, refresher.count())
}
