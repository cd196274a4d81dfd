package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/conductor/internal/engine"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/metrics"
)

// Server exposes an Engine over HTTP.
type Server struct {
	engine *engine.Engine
	token  string
	log    *zap.SugaredLogger
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every /v1 route.
// An empty token disables the check.
func WithToken(token string) Option { return func(s *Server) { s.token = token } }

// WithLogger overrides the request logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Server) { s.log = l } }

// New builds the router for e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{engine: e, log: logger.For(logger.ComponentAPI)}
	for _, o := range opts {
		o(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.observe)
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Receiver tokens are their own credential.
	r.POST("/webhooks/:token/trigger", s.trigger)

	v1 := r.Group("/v1", s.authenticate)

	v1.POST("/clusters", s.createCluster)
	v1.GET("/clusters", s.listClusters)
	v1.GET("/clusters/:id", s.getCluster)
	v1.DELETE("/clusters/:id", s.deleteCluster)
	v1.POST("/clusters/:id/scale-out", s.scaleOut)
	v1.POST("/clusters/:id/scale-in", s.scaleIn)
	v1.POST("/clusters/:id/resize", s.resize)
	v1.POST("/clusters/:id/recover", s.recoverCluster)
	v1.POST("/clusters/:id/check", s.checkCluster)
	v1.GET("/clusters/:id/nodes", s.clusterNodes)
	v1.GET("/clusters/:id/health", s.clusterHealth)
	v1.GET("/clusters/:id/policies", s.listBindings)
	v1.POST("/clusters/:id/policies", s.attachPolicy)
	v1.PATCH("/clusters/:id/policies/:policy", s.updateBinding)
	v1.DELETE("/clusters/:id/policies/:policy", s.detachPolicy)

	v1.POST("/nodes", s.createNode)
	v1.GET("/nodes", s.listNodes)
	v1.GET("/nodes/:id", s.getNode)
	v1.DELETE("/nodes/:id", s.deleteNode)
	v1.POST("/nodes/:id/recover", s.recoverNode)
	v1.POST("/nodes/:id/check", s.checkNode)
	v1.POST("/nodes/:id/events", s.nodeEvent)

	v1.POST("/policies", s.createPolicy)
	v1.GET("/policies", s.listPolicies)
	v1.GET("/policies/:id", s.getPolicy)
	v1.DELETE("/policies/:id", s.deletePolicy)

	v1.GET("/actions", s.listActions)
	v1.GET("/actions/:id", s.getAction)
	v1.POST("/actions/:id/cancel", s.cancelAction)
	v1.POST("/lifecycle/:token/complete", s.completeLifecycle)
	v1.GET("/locks", s.listLocks)

	v1.POST("/receivers", s.createReceiver)
	v1.GET("/receivers", s.listReceivers)
	v1.GET("/receivers/:id", s.getReceiver)
	v1.DELETE("/receivers/:id", s.deleteReceiver)

	s.router = r
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) authenticate(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid bearer token"})
		return
	}
	c.Next()
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	code := c.Writer.Status()
	metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(code)).Inc()
	if route == "/health" || route == "/metrics" {
		return
	}
	s.log.Debugw("request", "method", c.Request.Method, "route", route, "status", code, "duration", time.Since(start))
}
