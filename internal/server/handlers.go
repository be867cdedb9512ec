package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/label"
	"github.com/Martian-dev/mailsync/internal/poll"
	"github.com/Martian-dev/mailsync/internal/smtpsend"
	"github.com/Martian-dev/mailsync/internal/store"
)

// MailEventRequest is the body posted by the push dispatcher.
type MailEventRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	NewCursor string `json:"newCursor"`
}

// LabelRequest targets one message for a label change.
type LabelRequest struct {
	Label     string `json:"label" binding:"required"`
	Folder    string `json:"folder"`
	UID       uint32 `json:"uid"`
	MessageID string `json:"messageId"`
}

func (s *Server) handleMailEvent(c *gin.Context) {
	var req MailEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := s.deps.Poller.Poll(c.Request.Context(), req.AccountID, poll.Options{
		Force:        true,
		PushedCursor: req.NewCursor,
		Drain:        true,
	})
	s.writeResult(c, res)
}

func (s *Server) handleSync(c *gin.Context) {
	res := s.deps.Poller.Poll(c.Request.Context(), c.Param("id"), poll.Options{Force: true})
	s.writeResult(c, res)
}

// writeResult maps a poll outcome to a status code. Transient failures
// answer 500 so the caller retries.
func (s *Server) writeResult(c *gin.Context, res poll.Result) {
	if res.Status != poll.StatusError {
		c.JSON(http.StatusOK, res)
		return
	}
	if errors.Is(res.Err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, res)
}

// imapAccount loads the :id account and checks that it is an IMAP account.
func (s *Server) imapAccount(c *gin.Context) (*store.Account, bool) {
	acct, err := s.deps.Accounts.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	if acct.Kind != store.KindIMAP {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operation requires an imap account"})
		return nil, false
	}
	return acct, true
}

func (s *Server) labels(c *gin.Context) (*label.Adapter, func(error), bool) {
	if s.deps.Labels == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "labels not available"})
		return nil, nil, false
	}
	acct, ok := s.imapAccount(c)
	if !ok {
		return nil, nil, false
	}
	adapter, release, err := s.deps.Labels.Labels(c.Request.Context(), acct)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return adapter, release, true
}

func (s *Server) handleListLabels(c *gin.Context) {
	adapter, release, ok := s.labels(c)
	if !ok {
		return
	}
	names, err := adapter.List(c.Request.Context(), c.DefaultQuery("folder", "INBOX"))
	release(err)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"labels": names, "native": adapter.Native()})
}

func (s *Server) handleAddLabel(c *gin.Context) {
	var req LabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Folder == "" {
		req.Folder = "INBOX"
	}

	adapter, release, ok := s.labels(c)
	if !ok {
		return
	}
	err := adapter.Add(c.Request.Context(), label.Target{Folder: req.Folder, UID: req.UID, MessageID: req.MessageID}, req.Label)
	release(err)
	if err != nil {
		labelError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"label": req.Label, "native": adapter.Native()})
}

func (s *Server) handleRemoveLabel(c *gin.Context) {
	uid, _ := strconv.ParseUint(c.Query("uid"), 10, 32)
	target := label.Target{
		Folder:    c.DefaultQuery("folder", "INBOX"),
		UID:       uint32(uid),
		MessageID: c.Query("messageId"),
	}

	adapter, release, ok := s.labels(c)
	if !ok {
		return
	}
	err := adapter.Remove(c.Request.Context(), target, c.Param("label"))
	release(err)
	if err != nil {
		labelError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func labelError(c *gin.Context, err error) {
	var cfgErr *label.ConfigError
	if errors.As(err, &cfgErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (s *Server) handleReply(c *gin.Context) {
	if s.deps.Sender == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sending not available"})
		return
	}
	var env smtpsend.ReplyEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, ok := s.imapAccount(c)
	if !ok {
		return
	}

	id, err := s.deps.Sender.Reply(c.Request.Context(), acct, env)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": id})
}

func (s *Server) handleStats(c *gin.Context) {
	out := gin.H{}
	if s.deps.Manager != nil {
		out["push"] = s.deps.Manager.Stats()
	}
	pools := make(map[string]int, len(s.deps.Pools))
	for name, p := range s.deps.Pools {
		pools[name] = p.Len()
	}
	out["pools"] = pools
	if kr, ok := s.deps.Verifier.(KeyReporter); ok {
		out["jwks"] = kr.KeyStats()
	}

	if s.deps.Outbox != nil {
		n, err := s.deps.Outbox.PendingCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out["outboxPending"] = n
	}
	c.JSON(http.StatusOK, out)
}
