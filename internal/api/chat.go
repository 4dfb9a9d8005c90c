package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kiro-relay/kiro-relay/internal/translator"
)

// handleChatCompletions implements POST /v1/chat/completions (§6.4). On
// success it forwards the upstream's event-stream body unchanged; on
// failure it maps the engine's apperror.Error to an HTTP status.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req translator.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The relay has no external profileArn source of its own; HandleChat
	// attaches the selected account's own credentials.ProfileArn when present.
	result, err := s.svc.HandleChat(c.Request.Context(), req, "")
	if err != nil {
		c.JSON(statusCodeOf(err), gin.H{"error": err.Error()})
		return
	}

	if req.Stream {
		c.Header("Content-Type", "text/event-stream")
	} else {
		c.Header("Content-Type", "application/json")
	}
	c.Status(result.StatusCode)
	_, _ = c.Writer.Write(result.Body)
}
