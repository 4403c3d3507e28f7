package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/relaycore-project/relaycore/internal/config"
	"github.com/relaycore-project/relaycore/internal/core"
	"github.com/relaycore-project/relaycore/internal/db"
	"github.com/relaycore-project/relaycore/internal/lobby"
	intnet "github.com/relaycore-project/relaycore/internal/network"
	"github.com/relaycore-project/relaycore/internal/reliable"
	"github.com/relaycore-project/relaycore/internal/util"
)

// NodeView is the part of a node the API reads.
type NodeView interface {
	Stats() core.NodeStats
	Directory() *lobby.Directory
	Games() *lobby.GameStore
	Ledger() *reliable.Ledger
}

// JournalView is the part of the journal the API reads.
type JournalView interface {
	RecentFailures(ctx context.Context, limit int) ([]db.FailureRecord, error)
	GameHistory(ctx context.Context, gameID string) ([]db.GameEventRecord, error)
}

// Server is the read-only admin REST API.
type Server struct {
	cfg     config.APIConfig
	version string
	node    NodeView
	journal JournalView
	logger  zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server. journal may be nil when the journal is
// disabled.
func NewServer(cfg config.APIConfig, version string, node NodeView, journal JournalView, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		version: version,
		node:    node,
		journal: journal,
		logger:  util.ComponentLogger("api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
	}

	lobbyGroup := router.Group("/api/lobby")
	{
		lobbyGroup.GET("/users", s.handleUsers)
		lobbyGroup.GET("/games", s.handleGames)
		lobbyGroup.GET("/games/:ref", s.handleGame)
	}

	transport := router.Group("/api/transport")
	{
		transport.GET("/stats", s.handleStats)
		transport.GET("/pending", s.handlePending)
	}

	journal := router.Group("/api/journal")
	{
		journal.GET("/failures", s.handleFailures)
		journal.GET("/games/:id", s.handleGameHistory)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "relaycore admin API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
