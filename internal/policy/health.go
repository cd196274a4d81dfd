package policy

import (
	"context"
	"time"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

// Detection modes.
const (
	ModeStatusPolling = "NODE_STATUS_POLLING"
	ModePollURL       = "NODE_STATUS_POLL_URL"
	ModeLifecycle     = "LIFECYCLE_EVENTS"
)

// Recovery conditionals.
const (
	AnyFailed = "ANY_FAILED"
	AllFailed = "ALL_FAILED"
)

// Recovery operations.
const (
	OpReboot   = "REBOOT"
	OpRebuild  = "REBUILD"
	OpRecreate = "RECREATE"
)

// DetectionMode configures one health detection technique.
type DetectionMode struct {
	Type    string `json:"type" validate:"required,oneof=NODE_STATUS_POLLING NODE_STATUS_POLL_URL LIFECYCLE_EVENTS"`
	Options struct {
		// PollURL may contain {addr} and {id}, substituted per node.
		PollURL string `json:"poll_url"`
		// PollURLHealthyResponse, if set, must appear in the response body.
		PollURLHealthyResponse string `json:"poll_url_healthy_response"`
		// PollURLRetryLimit is how many consecutive failed polls declare a node down.
		PollURLRetryLimit int `json:"poll_url_retry_limit" validate:"gte=0"`
	} `json:"options"`
}

// HealthSpec is the property schema of the health policy.
type HealthSpec struct {
	Detection struct {
		Modes               []DetectionMode `json:"detection_modes" validate:"required,min=1,dive"`
		Interval            int             `json:"interval" validate:"gte=0"`
		RecoveryConditional string          `json:"recovery_conditional" validate:"omitempty,oneof=ANY_FAILED ALL_FAILED"`
		FailureThreshold    int             `json:"failure_threshold" validate:"gte=0"`
	} `json:"detection"`
	Recovery struct {
		Actions []struct {
			Name string `json:"name" validate:"required,oneof=REBOOT REBUILD RECREATE"`
		} `json:"actions" validate:"dive"`
		NodeDeleteTimeout int `json:"node_delete_timeout" validate:"gte=0"`
	} `json:"recovery"`
}

// HealthConfig is a parsed health policy, ready for a monitor.
type HealthConfig struct {
	Modes            []DetectionMode
	Interval         time.Duration
	Conditional      string
	FailureThreshold int
	Operations       []string
}

// ParseHealth validates a health policy spec and fills in defaults:
// a 60s interval, ANY_FAILED, a threshold of 1 and REBOOT as recovery.
func ParseHealth(spec *cluster.PolicySpec) (*HealthConfig, error) {
	var hs HealthSpec
	if err := decode(spec.Properties, &hs); err != nil {
		return nil, err
	}
	cfg := &HealthConfig{
		Modes:            hs.Detection.Modes,
		Interval:         time.Duration(hs.Detection.Interval) * time.Second,
		Conditional:      hs.Detection.RecoveryConditional,
		FailureThreshold: hs.Detection.FailureThreshold,
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Conditional == "" {
		cfg.Conditional = AnyFailed
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	for _, a := range hs.Recovery.Actions {
		cfg.Operations = append(cfg.Operations, a.Name)
	}
	if len(cfg.Operations) == 0 {
		cfg.Operations = []string{OpReboot}
	}
	return cfg, nil
}

// Suspender pauses and resumes health monitoring of a cluster.
type Suspender interface {
	Suspend(clusterID string)
	Resume(clusterID string)
}

// Health configures a cluster's health monitor. It never vetoes: its hooks
// pause monitoring while the cluster is deliberately shrinking so removed
// nodes are not mistaken for failures.
type Health struct {
	cfg       *HealthConfig
	suspender Suspender
}

// NewHealth builds a health policy. A nil suspender turns the hooks into no-ops.
func NewHealth(spec *cluster.PolicySpec, s Suspender) (Policy, error) {
	cfg, err := ParseHealth(spec)
	if err != nil {
		return nil, err
	}
	return &Health{cfg: cfg, suspender: s}, nil
}

func (h *Health) Type() string    { return TypeHealth }
func (h *Health) Version() string { return Version1 }

// Config returns the parsed configuration.
func (h *Health) Config() *HealthConfig { return h.cfg }

func (h *Health) Governs(t action.Type) bool {
	switch t {
	case action.ClusterScaleIn, action.ClusterResize, action.ClusterDelete, action.NodeDelete:
		return true
	}
	return false
}

func (h *Health) PreOp(_ context.Context, pc *Context) Decision {
	if h.suspender != nil && pc.Cluster != nil {
		h.suspender.Suspend(pc.Cluster.ID)
	}
	return Approve()
}

func (h *Health) PostOp(_ context.Context, pc *Context) error {
	if h.suspender != nil && pc.Cluster != nil {
		h.suspender.Resume(pc.Cluster.ID)
	}
	return nil
}
