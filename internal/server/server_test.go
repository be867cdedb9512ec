package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/capability"
	"github.com/Martian-dev/mailsync/internal/label"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/smtpsend"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePoller struct {
	mu    sync.Mutex
	calls []poll.Options
	ids   []string
	res   poll.Result
}

func (p *fakePoller) Poll(_ context.Context, id string, opts poll.Options) poll.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, opts)
	p.ids = append(p.ids, id)
	res := p.res
	res.AccountID = id
	return res
}

type fakeAccounts map[string]*store.Account

func (f fakeAccounts) GetAccount(_ context.Context, id string) (*store.Account, error) {
	a, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

type fakeVerifier struct{}

func (fakeVerifier) OperatorFromRequest(r *http.Request) (*auth.Operator, error) {
	if r.Header.Get("Authorization") != "Bearer operator-token" {
		return nil, errors.New("invalid token")
	}
	return &auth.Operator{ID: "op-1"}, nil
}

func (fakeVerifier) KeyStats() auth.KeyStats { return auth.KeyStats{Keys: 2} }

type fakeMailbox struct {
	added    []string
	removed  []string
	keywords []string
	folders  []string
}

func (m *fakeMailbox) AddKeywords(_ context.Context, _ string, _ uint32, kw []string) error {
	m.added = append(m.added, kw...)
	return nil
}

func (m *fakeMailbox) RemoveKeywords(_ context.Context, _ string, _ uint32, kw []string) error {
	m.removed = append(m.removed, kw...)
	return nil
}

func (m *fakeMailbox) CopyTo(context.Context, string, uint32, string) error { return nil }
func (m *fakeMailbox) EnsureFolder(context.Context, string) error         { return nil }
func (m *fakeMailbox) FindByMessageID(context.Context, string, string) ([]uint32, error) {
	return nil, nil
}
func (m *fakeMailbox) DeleteMessages(context.Context, string, []uint32) error { return nil }
func (m *fakeMailbox) ListFolders(context.Context, string) ([]string, error) {
	return m.folders, nil
}
func (m *fakeMailbox) ListKeywords(context.Context, string) ([]string, error) {
	return m.keywords, nil
}

type fakeLabels struct {
	mbox     *fakeMailbox
	caps     capability.Capabilities
	released int
}

func (f *fakeLabels) Labels(context.Context, *store.Account) (*label.Adapter, func(error), error) {
	return label.NewAdapter(f.mbox, f.caps, "MailSync/"), func(error) { f.released++ }, nil
}

type fakeSender struct {
	env smtpsend.ReplyEnvelope
}

func (f *fakeSender) Reply(_ context.Context, _ *store.Account, env smtpsend.ReplyEnvelope) (string, error) {
	f.env = env
	return "new-id@example.com", nil
}

type fakeStats struct{}

func (fakeStats) Stats() mailsync.Stats { return mailsync.Stats{Managed: 3, Connected: 2} }

type fakeBacklog int

func (b fakeBacklog) PendingCount(context.Context) (int, error) { return int(b), nil }

type sizer int

func (s sizer) Len() int { return int(s) }

type harness struct {
	srv    *Server
	poller *fakePoller
	labels *fakeLabels
	sender *fakeSender
}

func newHarness() *harness {
	h := &harness{
		poller: &fakePoller{res: poll.Result{Status: poll.StatusSuccess, Processed: 2}},
		labels: &fakeLabels{mbox: &fakeMailbox{}, caps: capability.Capabilities{CustomKeywords: true}},
		sender: &fakeSender{},
	}
	h.srv = New(Deps{
		Poller: h.poller,
		Accounts: fakeAccounts{
			"imap-1": {ID: "imap-1", Kind: store.KindIMAP, Email: "a@example.com"},
			"jmap-1": {ID: "jmap-1", Kind: store.KindJMAP},
		},
		Secret:   auth.BearerSecret("s3cret"),
		Verifier: fakeVerifier{},
		Labels:   h.labels,
		Sender:   h.sender,
		Manager:  fakeStats{},
		Outbox:   fakeBacklog(4),
		Pools:    map[string]Sizer{"imap": sizer(5)},
		Logger:   zerolog.Nop(),
	})
	return h
}

func (h *harness) do(method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestMailEventRunsForcedPoll(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/internal/mail-events", "Bearer s3cret", `{"accountId":"jmap-1","newCursor":"s9"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(2), body["processed"])

	require.Len(t, h.poller.calls, 1)
	assert.True(t, h.poller.calls[0].Force)
	assert.Equal(t, "s9", h.poller.calls[0].PushedCursor)
	assert.True(t, h.poller.calls[0].Drain)
	assert.Equal(t, "jmap-1", h.poller.ids[0])
}

func TestMailEventRejectsBadSecret(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/internal/mail-events", "Bearer wrong", `{"accountId":"jmap-1"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/internal/mail-events", "", `{"accountId":"jmap-1"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, h.poller.calls)
}

func TestMailEventRejectsInvalidBody(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/internal/mail-events", "Bearer s3cret", `{"newCursor":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/internal/mail-events", "Bearer s3cret", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.poller.calls)
}

func TestMailEventMapsErrors(t *testing.T) {
	h := newHarness()

	h.poller.res = poll.Result{Status: poll.StatusError, Err: store.ErrNotFound, Error: store.ErrNotFound.Error()}
	w := h.do(http.MethodPost, "/internal/mail-events", "Bearer s3cret", `{"accountId":"missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	boom := errors.New("connection refused")
	h.poller.res = poll.Result{Status: poll.StatusError, Err: boom, Error: boom.Error()}
	w = h.do(http.MethodPost, "/internal/mail-events", "Bearer s3cret", `{"accountId":"jmap-1"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	h.poller.res = poll.Result{Status: poll.StatusSkipped, Reason: poll.ReasonInProgress}
	w = h.do(http.MethodPost, "/internal/mail-events", "Bearer s3cret", `{"accountId":"jmap-1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "skipped", decode(t, w)["status"])
}

func TestAdminRequiresOperator(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodGet, "/stats", "Bearer nope", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminDisabledWithoutVerifier(t *testing.T) {
	srv := New(Deps{Poller: &fakePoller{}, Logger: zerolog.Nop()})
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManualSync(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodPost, "/accounts/imap-1/sync", "Bearer operator-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.poller.calls, 1)
	assert.True(t, h.poller.calls[0].Force)
	assert.Empty(t, h.poller.calls[0].PushedCursor)
}

func TestLabels(t *testing.T) {
	h := newHarness()
	h.labels.mbox.keywords = []string{label.LabelToKeyword("Receipts"), `\Seen`}
	h.labels.mbox.folders = []string{"MailSync/Travel"}

	w := h.do(http.MethodGet, "/accounts/imap-1/labels", "Bearer operator-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.ElementsMatch(t, []any{"Receipts", "Travel"}, body["labels"])
	assert.Equal(t, true, body["native"])

	w = h.do(http.MethodPost, "/accounts/imap-1/labels", "Bearer operator-token", `{"label":"Urgent","uid":42}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{label.LabelToKeyword("Urgent")}, h.labels.mbox.added)

	w = h.do(http.MethodDelete, "/accounts/imap-1/labels/Urgent?uid=42", "Bearer operator-token", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{label.LabelToKeyword("Urgent")}, h.labels.mbox.removed)

	assert.Equal(t, 3, h.labels.released)
}

func TestLabelRemoveFolderFallbackNeedsMessageID(t *testing.T) {
	h := newHarness()
	h.labels.caps = capability.Capabilities{}

	w := h.do(http.MethodDelete, "/accounts/imap-1/labels/Urgent?uid=42", "Bearer operator-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLabelAddFolderFallbackNeedsMessageID(t *testing.T) {
	h := newHarness()
	h.labels.caps = capability.Capabilities{}

	w := h.do(http.MethodPost, "/accounts/imap-1/labels", "Bearer operator-token", `{"label":"Urgent","uid":42}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLabelsRequireIMAPAccount(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/accounts/jmap-1/labels", "Bearer operator-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/accounts/missing/labels", "Bearer operator-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReply(t *testing.T) {
	h := newHarness()

	body, err := json.Marshal(map[string]any{
		"to":          []map[string]string{{"email": "bob@example.com"}},
		"subject":     "Hello",
		"body":        "Thanks",
		"in_reply_to": "orig@example.com",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/accounts/imap-1/reply", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer operator-token")
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "new-id@example.com", decode(t, w)["messageId"])
	assert.Equal(t, "orig@example.com", h.sender.env.InReplyTo)

	w = h.do(http.MethodPost, "/accounts/imap-1/reply", "Bearer operator-token", `{"subject":"no recipients"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/stats", "Bearer operator-token", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, map[string]any{"managed": float64(3), "connected": float64(2)}, body["push"])
	assert.Equal(t, map[string]any{"imap": float64(5)}, body["pools"])
	assert.Equal(t, float64(4), body["outboxPending"])
	jwks, ok := body["jwks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), jwks["keys"])
}

func TestHealthzAndMetrics(t *testing.T) {
	h := newHarness()

	w := h.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
