package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/engine"
	"github.com/dreamware/conductor/internal/store"
)

// ClusterResponse is returned by cluster creation: the record in INIT and
// the action that builds it.
type ClusterResponse struct {
	Cluster *cluster.Cluster `json:"cluster"`
	Action  *action.Action   `json:"action"`
}

// ScaleRequest is the body of scale-out and scale-in. A zero count defers
// to the cluster's scaling policy.
type ScaleRequest struct {
	Count int `json:"count" binding:"gte=0"`
}

// ResizeRequest is the body of resize.
type ResizeRequest struct {
	Capacity   int  `json:"capacity" binding:"gte=0"`
	BestEffort bool `json:"best_effort"`
}

// RecoverRequest is the body of cluster and node recovery.
type RecoverRequest struct {
	Operations []string `json:"operations"`
}

// EventRequest reports a lifecycle event for a node.
type EventRequest struct {
	Event string `json:"event" binding:"required"`
}

// accepted writes an action that was queued for dispatch.
func accepted(c *gin.Context, a *action.Action) {
	c.Header("Location", "/v1/actions/"+a.ID)
	c.JSON(http.StatusAccepted, a)
}

// optional binds a body that may be empty.
func (s *Server) optional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return s.bind(c, v)
}

func (s *Server) createCluster(c *gin.Context) {
	var spec engine.ClusterSpec
	if !s.bind(c, &spec) {
		return
	}
	cl, a, err := s.engine.CreateCluster(c.Request.Context(), spec)
	if err != nil {
		s.fail(c, err, a)
		return
	}
	c.Header("Location", "/v1/actions/"+a.ID)
	c.JSON(http.StatusAccepted, ClusterResponse{Cluster: cl, Action: a})
}

func (s *Server) listClusters(c *gin.Context) {
	out, err := s.engine.ListClusters(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": nonNil(out)})
}

func (s *Server) getCluster(c *gin.Context) {
	cl, err := s.engine.GetCluster(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, cl)
}

func (s *Server) deleteCluster(c *gin.Context) {
	s.respond(c)(s.engine.DeleteCluster(c.Request.Context(), c.Param("id")))
}

func (s *Server) scaleOut(c *gin.Context) {
	var req ScaleRequest
	if !s.optional(c, &req) {
		return
	}
	s.respond(c)(s.engine.ScaleOut(c.Request.Context(), c.Param("id"), req.Count))
}

func (s *Server) scaleIn(c *gin.Context) {
	var req ScaleRequest
	if !s.optional(c, &req) {
		return
	}
	s.respond(c)(s.engine.ScaleIn(c.Request.Context(), c.Param("id"), req.Count))
}

func (s *Server) resize(c *gin.Context) {
	var req ResizeRequest
	if !s.bind(c, &req) {
		return
	}
	s.respond(c)(s.engine.Resize(c.Request.Context(), c.Param("id"), req.Capacity, req.BestEffort))
}

func (s *Server) recoverCluster(c *gin.Context) {
	var req RecoverRequest
	if !s.optional(c, &req) {
		return
	}
	s.respond(c)(s.engine.RecoverCluster(c.Request.Context(), c.Param("id"), req.Operations))
}

func (s *Server) checkCluster(c *gin.Context) {
	s.respond(c)(s.engine.CheckCluster(c.Request.Context(), c.Param("id")))
}

func (s *Server) clusterNodes(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.engine.GetCluster(ctx, c.Param("id")); err != nil {
		s.fail(c, err, nil)
		return
	}
	out, err := s.engine.ListNodes(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nonNil(out)})
}

func (s *Server) clusterHealth(c *gin.Context) {
	report, err := s.engine.HealthReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": report})
}

// respond returns a sink for the (action, error) pair every action request
// produces.
func (s *Server) respond(c *gin.Context) func(*action.Action, error) {
	return func(a *action.Action, err error) {
		if err != nil {
			s.fail(c, err, a)
			return
		}
		accepted(c, a)
	}
}

func (s *Server) createNode(c *gin.Context) {
	var spec engine.NodeSpec
	if !s.bind(c, &spec) {
		return
	}
	s.respond(c)(s.engine.CreateNode(c.Request.Context(), spec))
}

func (s *Server) listNodes(c *gin.Context) {
	out, err := s.engine.ListNodes(c.Request.Context(), c.Query("cluster_id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nonNil(out)})
}

func (s *Server) getNode(c *gin.Context) {
	n, err := s.engine.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) deleteNode(c *gin.Context) {
	var destroy *bool
	if raw, ok := c.GetQuery("destroy"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, invalid("destroy: %v", err), nil)
			return
		}
		destroy = &v
	}
	s.respond(c)(s.engine.DeleteNode(c.Request.Context(), c.Param("id"), destroy))
}

func (s *Server) recoverNode(c *gin.Context) {
	var req RecoverRequest
	if !s.optional(c, &req) {
		return
	}
	s.respond(c)(s.engine.RecoverNode(c.Request.Context(), c.Param("id"), req.Operations))
}

func (s *Server) checkNode(c *gin.Context) {
	s.respond(c)(s.engine.CheckNode(c.Request.Context(), c.Param("id")))
}

func (s *Server) nodeEvent(c *gin.Context) {
	var req EventRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.engine.NodeEvent(c.Request.Context(), c.Param("id"), strings.ToUpper(req.Event)); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) listActions(c *gin.Context) {
	f := store.ActionFilter{
		TargetID: c.Query("target"),
		Parent:   c.Query("parent"),
		Owner:    c.Query("engine_id"),
		Type:     action.Type(strings.ToUpper(c.Query("type"))),
	}
	for _, st := range c.QueryArray("status") {
		f.Status = append(f.Status, action.Status(strings.ToUpper(st)))
	}
	if raw, ok := c.GetQuery("active"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, invalid("active: %v", err), nil)
			return
		}
		f.NonTerminal = v
	}
	out, err := s.engine.ListActions(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": nonNil(out)})
}

func (s *Server) getAction(c *gin.Context) {
	a, err := s.engine.GetAction(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) cancelAction(c *gin.Context) {
	a, err := s.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, a)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) completeLifecycle(c *gin.Context) {
	a, err := s.engine.CompleteLifecycle(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.fail(c, err, a)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) listLocks(c *gin.Context) {
	out, err := s.engine.Locks(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": nonNil(out)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
