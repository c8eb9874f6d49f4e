// Package api is the local status shell around the trading engine: REST
// snapshots of sessions/trades/contexts, engine controls, a Prometheus
// endpoint, and a websocket stream of engine events.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"maker-core/internal/engine"
	"maker-core/internal/events"
	"maker-core/pkg/store"
)

// Server wires HTTP endpoints around the engine and its stores.
type Server struct {
	Router    *gin.Engine
	Engine    *engine.Engine
	Store     *store.Store
	Bus       *events.Bus
	Owner     string
	JWTSecret string
	log       *zap.SugaredLogger
}

// NewServer builds the router with the full middleware stack.
func NewServer(eng *engine.Engine, st *store.Store, bus *events.Bus, owner, jwtSecret string, logger *zap.Logger) *Server {
	r := gin.New()
	log := logger.Sugar()

	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newIPLimiters()))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    eng,
		Store:     st,
		Bus:       bus,
		Owner:     owner,
		JWTSecret: jwtSecret,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/contexts", s.getContexts)
		api.GET("/sessions", s.getSessions)
		api.GET("/trades", s.getTrades)

		api.POST("/engine/start", s.startEngine)
		api.POST("/engine/stop", s.stopEngine)
		api.POST("/markets/:id/start", s.startMarket)
		api.POST("/markets/:id/stop", s.stopMarket)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":  s.Engine.State().String(),
		"active": s.Engine.IsActive(),
	})
}

func (s *Server) getContexts(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Contexts())
}

func (s *Server) getSessions(c *gin.Context) {
	marketID := c.Query("market")
	if marketID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market query parameter required"})
		return
	}
	sessions, err := s.Store.ListOpenSessions(c.Request.Context(), s.Owner, marketID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) getTrades(c *gin.Context) {
	marketID := c.Query("market")
	if marketID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "market query parameter required"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	trades, err := s.Store.ListTradesByMarket(c.Request.Context(), marketID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) startEngine(c *gin.Context) {
	resume := c.Query("resume") == "true"
	if err := s.Engine.Start(c.Request.Context(), resume); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": s.Engine.IsActive()})
}

func (s *Server) stopEngine(c *gin.Context) {
	s.Engine.Stop()
	c.JSON(http.StatusOK, gin.H{"active": false})
}

func (s *Server) startMarket(c *gin.Context) {
	if err := s.Engine.AddMarketTrading(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": c.Param("id"), "trading": true})
}

func (s *Server) stopMarket(c *gin.Context) {
	s.Engine.StopMarketTrading(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"market": c.Param("id"), "trading": false})
}
