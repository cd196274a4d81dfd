package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/conductor/internal/engine"
)

func (s *Server) createPolicy(c *gin.Context) {
	var spec engine.PolicySpec
	if !s.bind(c, &spec) {
		return
	}
	p, err := s.engine.CreatePolicy(c.Request.Context(), spec)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listPolicies(c *gin.Context) {
	out, err := s.engine.ListPolicies(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": nonNil(out)})
}

func (s *Server) getPolicy(c *gin.Context) {
	p, err := s.engine.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deletePolicy(c *gin.Context) {
	if err := s.engine.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listBindings(c *gin.Context) {
	out, err := s.engine.ListBindings(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bindings": nonNil(out)})
}

func (s *Server) attachPolicy(c *gin.Context) {
	var spec engine.BindingSpec
	if !s.bind(c, &spec) {
		return
	}
	b, err := s.engine.AttachPolicy(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) updateBinding(c *gin.Context) {
	var u engine.BindingUpdate
	if !s.bind(c, &u) {
		return
	}
	b, err := s.engine.UpdateBinding(c.Request.Context(), c.Param("id"), c.Param("policy"), u)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) detachPolicy(c *gin.Context) {
	if err := s.engine.DetachPolicy(c.Request.Context(), c.Param("id"), c.Param("policy")); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createReceiver(c *gin.Context) {
	var spec engine.ReceiverSpec
	if !s.bind(c, &spec) {
		return
	}
	r, err := s.engine.CreateReceiver(c.Request.Context(), spec)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) listReceivers(c *gin.Context) {
	out, err := s.engine.ListReceivers(c.Request.Context())
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receivers": nonNil(out)})
}

func (s *Server) getReceiver(c *gin.Context) {
	r, err := s.engine.GetReceiver(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) deleteReceiver(c *gin.Context) {
	if err := s.engine.DeleteReceiver(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// trigger fires a receiver. The body, if any, is a JSON object of params
// overriding the receiver's own.
func (s *Server) trigger(c *gin.Context) {
	var params map[string]any
	if !s.optional(c, &params) {
		return
	}
	s.respond(c)(s.engine.Trigger(c.Request.Context(), c.Param("token"), params))
}
