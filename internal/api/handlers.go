package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"binance-loop-runner/internal/auth"
	"binance-loop-runner/internal/orchestrator"
)

// handleHealth is the unauthenticated liveness probe
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

// LoginRequest is the operator login payload
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	if req.Username != s.authCfg.Username || !auth.VerifyPassword(req.Password, s.authCfg.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.jwt.GenerateAccessToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.jwt.GetAccessTokenDuration(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"loops":        s.orch.Status(),
		"guard_paused": s.guard.IsPaused(),
		"session":      s.marker.State(),
		"ws_clients":   s.hub.GetClientCount(),
		"timestamp":    time.Now(),
	})
}

// StartLoopsRequest carries the jobs to spawn
type StartLoopsRequest struct {
	Jobs []orchestrator.LoopJob `json:"jobs" binding:"required"`
}

func (s *Server) handleStartLoops(c *gin.Context) {
	var req StartLoopsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobs payload is required"})
		return
	}
	if len(req.Jobs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one job is required"})
		return
	}

	acks := s.orch.Start(req.Jobs)
	c.JSON(http.StatusOK, gin.H{"acks": acks})
}

// StopLoopsRequest controls whether positions are flattened on stop
type StopLoopsRequest struct {
	ClosePositions bool `json:"close_positions"`
}

func (s *Server) handleStopLoops(c *gin.Context) {
	var req StopLoopsRequest
	// An empty body means stop without closing
	_ = c.ShouldBindJSON(&req)

	result := s.orch.Stop(req.ClosePositions)
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetLoops(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loops": s.orch.Status()})
}

func (s *Server) handleGetPositions(c *gin.Context) {
	positions, err := s.futures.ListOpenPositions()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// CloseAllRequest names the reason recorded with the run. IncludeSpot also
// liquidates spot balances into USDT after the futures pass.
type CloseAllRequest struct {
	Reason      string `json:"reason"`
	IncludeSpot bool   `json:"include_spot"`
}

func (s *Server) handleCloseAll(c *gin.Context) {
	var req CloseAllRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual_api"
	}

	summary := s.closer.CloseAllFutures(req.Reason)
	if req.IncludeSpot {
		spot := s.closer.CloseAllSpot(req.Reason)
		c.JSON(http.StatusOK, gin.H{"futures": summary, "spot": spot})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, s.marker.State())
}

func (s *Server) handleGetPending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"paused":  s.guard.IsPaused(),
		"pending": s.guard.SnapshotPending(),
	})
}

func (s *Server) handlePauseGuard(c *gin.Context) {
	s.guard.PauseNew()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResumeGuard(c *gin.Context) {
	s.guard.ResumeNew()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleGetTradeHistory(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is disabled"})
		return
	}
	events, err := s.repo.GetTradeEvents(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleGetCloseAllHistory(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is disabled"})
		return
	}
	runs, err := s.repo.GetCloseAllRuns(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRecoveryHistory(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is disabled"})
		return
	}
	runs, err := s.repo.GetRecoveryRuns(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
