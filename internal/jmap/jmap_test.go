package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/store"
)

type fakeServer struct {
	*httptest.Server
	token   string
	handler func(method string, args map[string]interface{}) (string, interface{})
}

func newFakeServer(t *testing.T, token string) *fakeServer {
	t.Helper()
	fs := &fakeServer{token: token}
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+fs.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"username":        "alice@example.com",
			"apiUrl":          fs.URL + "/api",
			"eventSourceUrl":  fs.URL + "/events?types={types}&closeafter={closeafter}&ping={ping}",
			"primaryAccounts": map[string]string{CapabilityMail: "u1"},
		})
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+fs.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			MethodCalls [][]json.RawMessage `json:"methodCalls"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var method string
		var args map[string]interface{}
		require.NoError(t, json.Unmarshal(req.MethodCalls[0][0], &method))
		require.NoError(t, json.Unmarshal(req.MethodCalls[0][1], &args))

		name, out := fs.handler(method, args)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"methodResponses": []interface{}{[]interface{}{name, out, "0"}},
		})
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func TestSessionUnauthorized(t *testing.T) {
	fs := newFakeServer(t, "good")
	c := NewClient(fs.Client(), fs.URL+"/session")

	_, err := c.Session(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)

	s, err := c.Session(context.Background(), "good")
	require.NoError(t, err)
	id, err := s.MailAccountID()
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestSourceBaselineReturnsCurrentState(t *testing.T) {
	fs := newFakeServer(t, "tok")
	fs.handler = func(method string, args map[string]interface{}) (string, interface{}) {
		assert.Equal(t, "Email/get", method)
		return method, map[string]interface{}{"state": "s-10", "list": []interface{}{}}
	}
	src := NewSource(NewClient(fs.Client(), fs.URL+"/session"))

	b, err := src.FetchSince(context.Background(), &store.Account{AccessToken: "tok"}, "", 50)
	require.NoError(t, err)
	assert.Equal(t, "s-10", b.Cursor)
	assert.Empty(t, b.Items)
}

func TestSourceFetchesCreated(t *testing.T) {
	fs := newFakeServer(t, "tok")
	fs.handler = func(method string, args map[string]interface{}) (string, interface{}) {
		switch method {
		case "Email/changes":
			assert.Equal(t, "s-1", args["sinceState"])
			return method, ChangesResult{OldState: "s-1", NewState: "s-2", HasMoreChanges: true, Created: []string{"e1"}}
		case "Email/get":
			return method, map[string]interface{}{
				"state": "s-2",
				"list": []interface{}{map[string]interface{}{
					"id":         "e1",
					"threadId":   "T1",
					"messageId":  []string{"Msg-1@example.com"},
					"subject":    "hello",
					"receivedAt": "2026-03-02T10:00:00Z",
					"from":       []interface{}{map[string]string{"name": "A", "email": "A@Example.com"}},
					"keywords":   map[string]bool{"$seen": true, "$MailSync_FYI": true},
					"textBody":   []interface{}{map[string]string{"partId": "1"}},
					"bodyValues": map[string]interface{}{"1": map[string]string{"value": "hi there"}},
				}},
			}
		}
		t.Fatalf("unexpected method %s", method)
		return "", nil
	}
	src := NewSource(NewClient(fs.Client(), fs.URL+"/session"))

	b, err := src.FetchSince(context.Background(), &store.Account{AccessToken: "tok"}, "s-1", 50)
	require.NoError(t, err)
	assert.Equal(t, "s-2", b.Cursor)
	assert.True(t, b.HasMore)
	require.Len(t, b.Items, 1)

	m := b.Items[0].Message
	assert.Equal(t, "msg-1@example.com", m.ID)
	assert.Equal(t, "T1", m.ThreadID)
	assert.Equal(t, "hi there", m.Text)
	assert.Equal(t, "a@example.com", m.From[0].Email)
	assert.Equal(t, []string{"FYI"}, m.Labels)
}

func TestSourceCannotCalculateChanges(t *testing.T) {
	fs := newFakeServer(t, "tok")
	fs.handler = func(string, map[string]interface{}) (string, interface{}) {
		return "error", map[string]string{"type": "cannotCalculateChanges"}
	}
	src := NewSource(NewClient(fs.Client(), fs.URL+"/session"))

	_, err := src.FetchSince(context.Background(), &store.Account{AccessToken: "tok"}, "s-1", 50)
	assert.ErrorIs(t, err, poll.ErrCursorExpired)
}

func TestSourceAuthError(t *testing.T) {
	fs := newFakeServer(t, "tok")
	src := NewSource(NewClient(fs.Client(), fs.URL+"/session"))

	_, err := src.FetchSince(context.Background(), &store.Account{AccessToken: "expired"}, "s-1", 50)
	assert.True(t, poll.IsAuthError(err))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMethodError(t *testing.T) {
	fs := newFakeServer(t, "tok")
	fs.handler = func(string, map[string]interface{}) (string, interface{}) {
		return "error", map[string]string{"type": "accountNotFound"}
	}
	c := NewClient(fs.Client(), fs.URL+"/session")

	_, err := c.CurrentState(context.Background(), "tok", fs.URL+"/api", "u1")
	var me *MethodError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "accountNotFound", me.Type)
}

func TestEventSourceURL(t *testing.T) {
	tmpl := NewEventSource(nil, "https://jmap.example.com/events?types={types}&closeafter={closeafter}&ping={ping}", 30*time.Second)
	u, err := tmpl.URL()
	require.NoError(t, err)
	assert.Equal(t, "https://jmap.example.com/events?types=Email&closeafter=no&ping=30", u)

	plain := NewEventSource(nil, "https://jmap.example.com/events", 15*time.Second)
	u, err = plain.URL()
	require.NoError(t, err)
	assert.Equal(t, "https://jmap.example.com/events?closeafter=no&ping=15&types=Email", u)
}

func TestEventSourceDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "Email", r.URL.Query().Get("types"))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: state\ndata: {\"@type\":\"StateChange\",\"changed\":{\"u1\":{\"Email\":\"s-2\"}}}\n\n")
	}))
	defer srv.Close()

	es := NewEventSource(srv.Client(), srv.URL, time.Second)
	_, err := es.Dial(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)

	stream, err := es.Dial(context.Background(), "tok")
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "state", ev.Type)
	state, ok, err := ParseStateChange(ev.Data, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "s-2", state)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEventStreamParsing(t *testing.T) {
	raw := ": comment\r\n" +
		"event: ping\r\ndata: {\"interval\":30}\r\n\r\n" +
		"id: 7\r\ndata: line1\r\ndata: line2\r\n\r\n"
	s := NewEventStream(io.NopCloser(strings.NewReader(raw)))

	ev, err := s.Next()
	require.NoError(t, err)
	assert.True(t, ev.Ping())

	ev, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", ev.Type)
	assert.Equal(t, "7", ev.ID)
	assert.Equal(t, "line1\nline2", string(ev.Data))

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseStateChange(t *testing.T) {
	_, _, err := ParseStateChange([]byte("not json"), "u1")
	assert.ErrorIs(t, err, ErrMalformedStateChange)

	_, _, err = ParseStateChange([]byte(`{"@type":"Other"}`), "u1")
	assert.ErrorIs(t, err, ErrMalformedStateChange)

	_, ok, err := ParseStateChange([]byte(`{"@type":"StateChange","changed":{"u2":{"Email":"x"}}}`), "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseStateChange([]byte(`{"@type":"StateChange","changed":{"u1":{"Mailbox":"x"}}}`), "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}
