// Package rest provides the Gin-based REST API server.
package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/witch-series/witch-core/internal/broadcast"
	"github.com/witch-series/witch-core/internal/ledger"
	"github.com/witch-series/witch-core/internal/peer"
)

// Server is the REST API server exposing the ledger, discovery cache, and
// peer connection state.
type Server struct {
	engine  *gin.Engine
	store   *ledger.Store
	channel *broadcast.Channel
	peers   *peer.Manager
	logger  *zap.Logger
}

// New creates a REST Server.
func New(store *ledger.Store, channel *broadcast.Channel, peers *peer.Manager, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		store:   store,
		channel: channel,
		peers:   peers,
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

// Start starts the REST server on addr.
func (s *Server) Start(addr string) error {
	s.logger.Info("REST API listening", zap.String("addr", addr))
	return s.engine.Run(addr)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// registerRoutes sets up the /witch context path.
func (s *Server) registerRoutes() {
	witch := s.engine.Group("/witch")

	// Swagger UI
	witch.GET("/swagger-ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	ledgerGroup := witch.Group("/ledger")
	{
		ledgerGroup.GET("", s.getLedger)
		ledgerGroup.GET("/nodes/compatible", s.getCompatibleNodes)
		ledgerGroup.POST("/protocols", s.registerProtocol)
	}

	discoveryGroup := witch.Group("/discovery")
	{
		discoveryGroup.GET("/nodes", s.getDiscoveredNodes)
		discoveryGroup.POST("/broadcast", s.triggerBroadcast)
	}

	peerGroup := witch.Group("/peers")
	{
		peerGroup.GET("/connected", s.getConnectedPeers)
		peerGroup.GET("/discovered", s.getDiscoveredPeers)
		peerGroup.POST("/broadcast", s.broadcastToPeers)
		peerGroup.POST("/send/:id", s.sendToPeer)
	}
}

// --- Ledger handlers ---

// @Summary Get the full local ledger
// @Tags ledger
// @Produce json
// @Success 200 {object} ledger.Ledger
// @Router /witch/ledger [get]
func (s *Server) getLedger(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Load())
}

// @Summary List active nodes matching a compatibility hash
// @Tags ledger
// @Produce json
// @Param hash query string false "Compatibility hash (defaults to own)"
// @Success 200 {array} ledger.NodeEntry
// @Router /witch/ledger/nodes/compatible [get]
func (s *Server) getCompatibleNodes(c *gin.Context) {
	nodes := s.store.GetCompatibleNodes(c.Query("hash"))
	c.JSON(http.StatusOK, nodes)
}

func (s *Server) registerProtocol(c *gin.Context) {
	var body struct {
		ID      string         `json:"id"`
		Name    string         `json:"name" binding:"required"`
		Format  string         `json:"format"`
		Options map[string]any `json:"options"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok := s.store.RegisterProtocol(body.ID, body.Name, body.Format, body.Options)
	c.JSON(http.StatusOK, gin.H{"result": ok})
}

// --- Discovery handlers ---

func (s *Server) getDiscoveredNodes(c *gin.Context) {
	maxAge := 5 * time.Minute
	if raw := c.Query("maxAge"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		maxAge = d
	}
	c.JSON(http.StatusOK, s.channel.DiscoveredNodes(maxAge))
}

// @Summary Fire a discovery broadcast burst
// @Tags discovery
// @Produce json
// @Success 200 {object} map[string]int
// @Router /witch/discovery/broadcast [post]
func (s *Server) triggerBroadcast(c *gin.Context) {
	found := s.channel.SendDiscoveryBroadcast("", 0, nil)
	c.JSON(http.StatusOK, gin.H{"newNodes": found})
}

// --- Peer handlers ---

func (s *Server) getConnectedPeers(c *gin.Context) {
	c.JSON(http.StatusOK, s.peers.ConnectedPeers())
}

func (s *Server) getDiscoveredPeers(c *gin.Context) {
	c.JSON(http.StatusOK, s.peers.DiscoveredPeers())
}

func (s *Server) broadcastToPeers(c *gin.Context) {
	var f peer.Frame
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sent := s.peers.BroadcastToPeers(&f)
	c.JSON(http.StatusOK, gin.H{"sent": sent})
}

func (s *Server) sendToPeer(c *gin.Context) {
	var f peer.Frame
	if err := c.ShouldBindJSON(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.peers.SendToPeer(c.Param("id"), &f) {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": true})
}
