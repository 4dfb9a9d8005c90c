package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kiro-relay/kiro-relay/internal/pool"
)

type credentialEntry struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	AuthMethod   string `json:"authMethod"`
	Disabled     bool   `json:"disabled"`
	FailureCount int64  `json:"failureCount"`
	Priority     int    `json:"priority"`
	IsCurrent    bool   `json:"isCurrent"`
}

// listCredentials implements GET /api/admin/credentials.
func (s *Server) listCredentials(c *gin.Context) {
	snap := s.svc.Pool.Describe()
	entries := make([]credentialEntry, 0, len(snap.Accounts))
	for i, a := range snap.Accounts {
		entries = append(entries, credentialEntry{
			ID:           a.ID,
			Email:        a.Name,
			AuthMethod:   string(a.Credentials.AuthMethod),
			Disabled:     a.Status == "disabled",
			FailureCount: a.ErrorCount,
			Priority:     i,
			IsCurrent:    a.ID == snap.CurrentID,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       snap.Total,
		"available":   snap.Available,
		"currentId":   snap.CurrentID,
		"credentials": entries,
	})
}

// resetCredential implements POST /api/admin/credentials/{id}/reset.
func (s *Server) resetCredential(c *gin.Context) {
	s.svc.Pool.ResetCounters(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// setCredentialDisabled implements POST /api/admin/credentials/{id}/disabled.
func (s *Server) setCredentialDisabled(c *gin.Context) {
	var body struct {
		Disabled bool `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	var err error
	if body.Disabled {
		err = s.svc.Pool.Disable(id)
	} else {
		err = s.svc.Pool.Enable(id)
	}
	if err != nil {
		c.JSON(statusCodeOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// recoverCredential implements POST /api/admin/credentials/{id}/recover.
func (s *Server) recoverCredential(c *gin.Context) {
	s.svc.Pool.RecoverCooldown(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// recoverAllCredentials implements POST /api/admin/credentials/recover-all.
func (s *Server) recoverAllCredentials(c *gin.Context) {
	s.svc.Pool.RecoverAllCooldowns()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// getLoadBalancing implements GET /api/admin/config/load-balancing.
func (s *Server) getLoadBalancing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategy": s.cfg.LoadBalancing.Strategy})
}

// putLoadBalancing implements PUT /api/admin/config/load-balancing.
func (s *Server) putLoadBalancing(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var strategy pool.Policy
	switch body.Mode {
	case "priority":
		strategy = pool.PolicyRoundRobin
	case "balanced":
		strategy = pool.PolicyLeastUsed
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be priority or balanced"})
		return
	}

	s.cfg.LoadBalancing.Strategy = string(strategy)
	s.svc.Pool.SetPolicy(strategy)
	c.JSON(http.StatusOK, gin.H{"strategy": string(strategy)})
}

// getLogs implements GET /api/admin/logs?offset=&limit=.
func (s *Server) getLogs(c *gin.Context) {
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	if limit <= 0 {
		limit = 100
	}
	records, total := s.svc.Logs.Page(offset, limit)
	c.JSON(http.StatusOK, gin.H{"total": total, "offset": offset, "records": records})
}

// getModels implements GET /api/admin/models, returning the resolved
// mapping table for observability.
func (s *Server) getModels(c *gin.Context) {
	mappings := make([]gin.H, 0, len(s.cfg.ModelMappings))
	for _, m := range s.cfg.ModelMappings {
		mappings = append(mappings, gin.H{
			"externalPattern": m.ExternalPattern,
			"internalId":      m.InternalID,
			"matchType":       m.MatchType,
			"priority":        m.Priority,
			"enabled":         m.Enabled,
		})
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings})
}

func statusCodeOf(err error) int {
	type statusCoder interface{ StatusCode() int }
	if sc, ok := err.(statusCoder); ok && sc.StatusCode() != 0 {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}
