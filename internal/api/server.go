// Package api exposes the public chat-completions endpoint and the admin
// control surface of §6 on a dedicated gin.Engine, mirroring the teacher's
// internal/api/handlers/management.Handler mounted under /api/admin.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiro-relay/kiro-relay/internal/config"
	"github.com/kiro-relay/kiro-relay/internal/engine"
)

const shutdownGrace = 5 * time.Second

// Server wraps a gin.Engine bound to one engine.Service.
type Server struct {
	engine *gin.Engine
	svc    *engine.Service
	cfg    *config.Config
	http   *http.Server
}

// New builds a Server with every route of §6 registered.
func New(svc *engine.Service, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{engine: r, svc: svc, cfg: cfg}

	r.POST("/v1/chat/completions", s.handleChatCompletions)

	admin := r.Group("/api/admin", s.requireAdminKey)
	admin.GET("/credentials", s.listCredentials)
	admin.POST("/credentials/:id/reset", s.resetCredential)
	admin.POST("/credentials/:id/disabled", s.setCredentialDisabled)
	admin.POST("/credentials/:id/recover", s.recoverCredential)
	admin.POST("/credentials/recover-all", s.recoverAllCredentials)
	admin.GET("/config/load-balancing", s.getLoadBalancing)
	admin.PUT("/config/load-balancing", s.putLoadBalancing)
	admin.GET("/logs", s.getLogs)
	admin.GET("/models", s.getModels)

	return s
}

// requireAdminKey guards /api/admin/* with the bearer-token comparison of
// §6.2, delegating to config.Config.CheckAdminKey's bcrypt compare.
func (s *Server) requireAdminKey(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || !s.cfg.CheckAdminKey(token) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// server fails, mirroring the teacher's "API server started successfully"
// startup banner.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api server started successfully, listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
