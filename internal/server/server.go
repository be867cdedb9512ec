package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/label"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/smtpsend"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Poller runs a poll for one account.
type Poller interface {
	Poll(ctx context.Context, accountID string, opts poll.Options) poll.Result
}

// Accounts loads account records.
type Accounts interface {
	GetAccount(ctx context.Context, id string) (*store.Account, error)
}

// LabelService opens a label adapter on a pooled connection.
type LabelService interface {
	Labels(ctx context.Context, acct *store.Account) (*label.Adapter, func(error), error)
}

// ReplySender sends a reply from an account.
type ReplySender interface {
	Reply(ctx context.Context, acct *store.Account, env smtpsend.ReplyEnvelope) (string, error)
}

// OperatorVerifier authenticates admin API callers.
type OperatorVerifier interface {
	OperatorFromRequest(r *http.Request) (*auth.Operator, error)
}

// KeyReporter is implemented by verifiers that cache signing keys.
type KeyReporter interface {
	KeyStats() auth.KeyStats
}

// ManagerStats reports push connection counts.
type ManagerStats interface {
	Stats() mailsync.Stats
}

// Backlog reports undelivered outbox rows.
type Backlog interface {
	PendingCount(ctx context.Context) (int, error)
}

// Sizer reports a pool size.
type Sizer interface {
	Len() int
}

// Deps wires the server to the sync layer. Optional collaborators may be
// nil; their routes then answer 503.
type Deps struct {
	Poller   Poller
	Accounts Accounts
	Secret   auth.BearerSecret
	Verifier OperatorVerifier
	Labels   LabelService
	Sender   ReplySender
	Manager  ManagerStats
	Outbox   Backlog
	Pools    map[string]Sizer
	Logger   zerolog.Logger
}

// Server serves the processing boundary and the admin API.
type Server struct {
	deps   Deps
	logger zerolog.Logger
	router *gin.Engine
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: logging.Component(deps.Logger, "http"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := r.Group("/internal")
	internal.Use(s.requireSecret())
	internal.POST("/mail-events", s.handleMailEvent)

	if deps.Verifier != nil {
		admin := r.Group("/")
		admin.Use(s.requireOperator())
		admin.POST("/accounts/:id/sync", s.handleSync)
		admin.GET("/accounts/:id/labels", s.handleListLabels)
		admin.POST("/accounts/:id/labels", s.handleAddLabel)
		admin.DELETE("/accounts/:id/labels/:label", s.handleRemoveLabel)
		admin.POST("/accounts/:id/reply", s.handleReply)
		admin.GET("/stats", s.handleStats)
	} else {
		s.logger.Warn().Msg("no JWKS configured, admin API disabled")
	}

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}
