package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"binance-loop-runner/config"
	"binance-loop-runner/internal/auth"
	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/closeall"
	"binance-loop-runner/internal/database"
	"binance-loop-runner/internal/events"
	"binance-loop-runner/internal/guard"
	"binance-loop-runner/internal/orchestrator"
	"binance-loop-runner/internal/session"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	authCfg    config.AuthConfig

	orch    *orchestrator.Orchestrator
	guard   *guard.PositionGuard
	closer  *closeall.Procedure
	marker  *session.Marker
	futures binance.FuturesClient
	repo    *database.Repository // nil when persistence is disabled
	bus     *events.EventBus
	jwt     *auth.JWTManager
	hub     *WSHub
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	authCfg config.AuthConfig,
	orch *orchestrator.Orchestrator,
	g *guard.PositionGuard,
	closer *closeall.Procedure,
	marker *session.Marker,
	futures binance.FuturesClient,
	repo *database.Repository,
	bus *events.EventBus,
) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		cfg:     cfg,
		authCfg: authCfg,
		orch:    orch,
		guard:   g,
		closer:  closer,
		marker:  marker,
		futures: futures,
		repo:    repo,
		bus:     bus,
	}

	if authCfg.Enabled {
		s.jwt = auth.NewJWTManager(authCfg.JWTSecret, authCfg.AccessTokenDuration)
	}

	s.hub = InitWebSocket(bus)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"auth_enabled": s.authCfg.Enabled})
	})
	if s.authCfg.Enabled {
		s.router.POST("/api/auth/login", s.handleLogin)
	}

	api := s.router.Group("/api")
	if s.authCfg.Enabled {
		api.Use(auth.Middleware(s.jwt))
	}
	{
		api.GET("/status", s.handleStatus)

		api.POST("/loops/start", s.handleStartLoops)
		api.POST("/loops/stop", s.handleStopLoops)
		api.GET("/loops", s.handleGetLoops)

		api.GET("/positions", s.handleGetPositions)
		api.POST("/positions/close-all", s.handleCloseAll)

		api.GET("/session", s.handleGetSession)
		api.GET("/guard/pending", s.handleGetPending)
		api.POST("/guard/pause", s.handlePauseGuard)
		api.POST("/guard/resume", s.handleResumeGuard)

		api.GET("/history/trades", s.handleGetTradeHistory)
		api.GET("/history/close-all", s.handleGetCloseAllHistory)
		api.GET("/history/recovery", s.handleGetRecoveryHistory)
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// Start begins listening. Blocks until the server exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("[API] Server listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
