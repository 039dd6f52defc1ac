package askuser

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/session"
)

// NotifyRequest is the fire-and-forget progress payload posted by the
// notify_user tool plugin. Unlike /ask, the handler never blocks and
// never holds HTTP state.
type NotifyRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Level     string `json:"level"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
	Progress  *int   `json:"progress,omitempty"`
}

// GenerateSecret returns a fresh random bearer secret, generated once per
// process start and handed to the tool plugins through the subprocess
// environment.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// bearerAuth rejects any request whose Authorization header does not
// carry the expected bearer secret, using a constant-time comparison.
func bearerAuth(secret string) gin.HandlerFunc {
	expected := []byte("Bearer " + secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// RegisterRoutes mounts the /ask and /notify loopback endpoints on
// engine, both guarded by bearerAuth(secret).
func (b *Bridge) RegisterRoutes(engine *gin.Engine, secret string) {
	grp := engine.Group("/", bearerAuth(secret))
	grp.POST("/ask", b.handleAsk)
	grp.POST("/notify", b.handleNotify)
}

func (b *Bridge) handleAsk(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.RequestID == "" || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "requestId and sessionId are required"})
		return
	}

	answer := b.Post(c.Request.Context(), req)
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

func (b *Bridge) handleNotify(c *gin.Context) {
	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b.logger.Debug("notify_user",
		zap.String("session_id", req.SessionID),
		zap.String("level", req.Level),
		zap.String("title", req.Title))

	go b.broadcastNotify(req)

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (b *Bridge) broadcastNotify(req NotifyRequest) {
	info := map[string]any{
		"level": req.Level,
		"title": req.Title,
	}
	if req.Detail != "" {
		info["detail"] = req.Detail
	}
	if req.Progress != nil {
		info["progress"] = *req.Progress
	}
	b.broadcaster.Broadcast(req.SessionID, session.Frame{
		Type:      "agent_status",
		SessionID: req.SessionID,
		Info:      info,
	})
}
