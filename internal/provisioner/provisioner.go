// Package provisioner is a self-contained infrastructure service speaking
// the protocol of the http profile driver. It keeps simulated servers in
// memory, serves a per-server health endpoint for URL polling, and lets
// operators inject faults. It backs local deployments and end-to-end tests.
package provisioner

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/logger"
)

// Server is one simulated machine. Addr is the server's base URL on this
// service, so a poll URL of "{addr}/health" reaches its health endpoint.
type Server struct {
	ID         string             `json:"id"`
	NodeID     string             `json:"node_id"`
	Name       string             `json:"name"`
	ClusterID  string             `json:"cluster_id,omitempty"`
	Index      int                `json:"index"`
	ProfileID  string             `json:"profile_id"`
	Addr       string             `json:"addr"`
	Status     cluster.NodeStatus `json:"status"`
	Generation int                `json:"generation"`
	CreatedAt  time.Time          `json:"created_at"`
}

// OperationStats counts requests per operation.
type OperationStats struct {
	Creates   uint64 `json:"creates"`
	Deletes   uint64 `json:"deletes"`
	Reboots   uint64 `json:"reboots"`
	Rebuilds  uint64 `json:"rebuilds"`
	Recreates uint64 `json:"recreates"`
	Statuses  uint64 `json:"statuses"`
}

// Service holds the simulated servers.
type Service struct {
	base  string
	token string
	log   *zap.SugaredLogger

	mu      sync.RWMutex
	servers map[string]*Server
	ops     OperationStats
}

// Option configures a Service.
type Option func(*Service)

// WithToken requires a bearer token on the /servers API. Health endpoints
// stay open.
func WithToken(token string) Option { return func(s *Service) { s.token = token } }

// WithLogger overrides the logger.
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Service) { s.log = l } }

// New returns a service whose servers advertise addresses under base.
func New(base string, opts ...Option) *Service {
	s := &Service{
		base:    strings.TrimRight(base, "/"),
		servers: map[string]*Server{},
		log:     logger.For(logger.ComponentProfile),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type createRequest struct {
	NodeID    string `json:"node_id" binding:"required"`
	Name      string `json:"name"`
	ClusterID string `json:"cluster_id"`
	Index     int    `json:"index"`
	ProfileID string `json:"profile_id"`
}

type statusRequest struct {
	Status cluster.NodeStatus `json:"status" binding:"required"`
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/servers/:id/health", s.health)
	r.GET("/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.Stats()) })

	api := r.Group("/servers", s.authenticate)
	api.POST("", s.create)
	api.GET("", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"servers": s.Servers()}) })
	api.GET("/:id", s.status)
	api.DELETE("/:id", s.remove)
	api.POST("/:id/:op", s.operate)
	api.PUT("/:id/status", s.setStatus)
	return r
}

func (s *Service) authenticate(c *gin.Context) {
	if s.token == "" {
		return
	}
	got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func (s *Service) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	atomic.AddUint64(&s.ops.Creates, 1)
	srv := s.add(req)
	s.log.Infow("server created", "server_id", srv.ID, "node_id", srv.NodeID, "cluster_id", srv.ClusterID)
	c.JSON(http.StatusCreated, srv)
}

func (s *Service) add(req createRequest) *Server {
	id := uuid.NewString()
	srv := &Server{
		ID:        id,
		NodeID:    req.NodeID,
		Name:      req.Name,
		ClusterID: req.ClusterID,
		Index:     req.Index,
		ProfileID: req.ProfileID,
		Addr:      s.base + "/servers/" + id,
		Status:    cluster.NodeActive,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.servers[id] = srv
	cp := *srv
	s.mu.Unlock()
	return &cp
}

func (s *Service) status(c *gin.Context) {
	atomic.AddUint64(&s.ops.Statuses, 1)
	srv, ok := s.Server(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such server"})
		return
	}
	c.JSON(http.StatusOK, srv)
}

func (s *Service) remove(c *gin.Context) {
	atomic.AddUint64(&s.ops.Deletes, 1)
	s.mu.Lock()
	_, ok := s.servers[c.Param("id")]
	delete(s.servers, c.Param("id"))
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such server"})
		return
	}
	s.log.Infow("server deleted", "server_id", c.Param("id"))
	c.Status(http.StatusNoContent)
}

// operate handles reboot, rebuild and recreate. Reboot and rebuild bring a
// server back to ACTIVE in place; recreate replaces it with a new id.
func (s *Service) operate(c *gin.Context) {
	id, op := c.Param("id"), c.Param("op")
	switch op {
	case "reboot":
		atomic.AddUint64(&s.ops.Reboots, 1)
	case "rebuild":
		atomic.AddUint64(&s.ops.Rebuilds, 1)
	case "recreate":
		atomic.AddUint64(&s.ops.Recreates, 1)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown operation " + op})
		return
	}

	s.mu.Lock()
	srv, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "no such server"})
		return
	}
	if op != "recreate" {
		srv.Status = cluster.NodeActive
		if op == "rebuild" {
			srv.Generation++
		}
		cp := *srv
		s.mu.Unlock()
		s.log.Infow("server "+op, "server_id", id)
		c.JSON(http.StatusOK, cp)
		return
	}
	delete(s.servers, id)
	req := createRequest{NodeID: srv.NodeID, Name: srv.Name, ClusterID: srv.ClusterID, Index: srv.Index, ProfileID: srv.ProfileID}
	s.mu.Unlock()

	replacement := s.add(req)
	s.log.Infow("server recreated", "old_server_id", id, "server_id", replacement.ID)
	c.JSON(http.StatusOK, replacement)
}

func (s *Service) setStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.SetStatus(c.Param("id"), req.Status) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such server"})
		return
	}
	c.Status(http.StatusNoContent)
}

// health answers 200 for an ACTIVE server and 503 otherwise.
func (s *Service) health(c *gin.Context) {
	srv, ok := s.Server(c.Param("id"))
	switch {
	case !ok:
		c.String(http.StatusNotFound, "unknown")
	case srv.Status != cluster.NodeActive:
		c.String(http.StatusServiceUnavailable, strings.ToLower(string(srv.Status)))
	default:
		c.String(http.StatusOK, "ok")
	}
}

// SetStatus forces a server's status. It reports whether the server exists.
func (s *Service) SetStatus(id string, st cluster.NodeStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if ok {
		srv.Status = st
	}
	return ok
}

// Server returns a copy of one server.
func (s *Service) Server(id string) (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return Server{}, false
	}
	return *srv, true
}

// Servers returns copies of every server ordered by cluster and index.
func (s *Service) Servers() []Server {
	s.mu.RLock()
	out := make([]Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, *srv)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClusterID != out[j].ClusterID {
			return out[i].ClusterID < out[j].ClusterID
		}
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns a snapshot of the operation counters.
func (s *Service) Stats() OperationStats {
	return OperationStats{
		Creates:   atomic.LoadUint64(&s.ops.Creates),
		Deletes:   atomic.LoadUint64(&s.ops.Deletes),
		Reboots:   atomic.LoadUint64(&s.ops.Reboots),
		Rebuilds:  atomic.LoadUint64(&s.ops.Rebuilds),
		Recreates: atomic.LoadUint64(&s.ops.Recreates),
		Statuses:  atomic.LoadUint64(&s.ops.Statuses),
	}
}
