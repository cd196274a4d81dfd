package profile

import (
	"context"
	"strings"

	"github.com/dreamware/conductor/internal/cluster"
)

// HTTPDriver forwards operations to an external provisioning service:
//
//	POST   {endpoint}/servers               create
//	DELETE {endpoint}/servers/{physical}    delete
//	POST   {endpoint}/servers/{physical}/{reboot|rebuild|recreate}
//	GET    {endpoint}/servers/{physical}    status
type HTTPDriver struct {
	endpoint string
	token    string
}

// NewHTTPDriver returns a driver for endpoint. A non-empty token is sent as
// a bearer credential.
func NewHTTPDriver(endpoint, token string) *HTTPDriver {
	return &HTTPDriver{endpoint: strings.TrimRight(endpoint, "/"), token: token}
}

type serverRequest struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name"`
	ClusterID string `json:"cluster_id,omitempty"`
	Index     int    `json:"index"`
	ProfileID string `json:"profile_id"`
}

type serverResponse struct {
	ID     string `json:"id"`
	Addr   string `json:"addr"`
	Status string `json:"status"`
}

func (h *HTTPDriver) headers() []string {
	if h.token == "" {
		return nil
	}
	return []string{"Authorization", "Bearer " + h.token}
}

func (h *HTTPDriver) server(n *cluster.Node) string {
	return h.endpoint + "/servers/" + n.PhysicalID
}

func request(n *cluster.Node) serverRequest {
	return serverRequest{NodeID: n.ID, Name: n.Name, ClusterID: n.ClusterID, Index: n.Index, ProfileID: n.ProfileID}
}

func (h *HTTPDriver) Create(ctx context.Context, n *cluster.Node) (string, string, error) {
	var out serverResponse
	if err := cluster.PostJSON(ctx, h.endpoint+"/servers", request(n), &out, h.headers()...); err != nil {
		return "", "", err
	}
	return out.ID, out.Addr, nil
}

func (h *HTTPDriver) Delete(ctx context.Context, n *cluster.Node) error {
	return cluster.DeleteJSON(ctx, h.server(n), nil, h.headers()...)
}

func (h *HTTPDriver) Reboot(ctx context.Context, n *cluster.Node) error {
	return cluster.PostJSON(ctx, h.server(n)+"/"+OpReboot, request(n), nil, h.headers()...)
}

func (h *HTTPDriver) Rebuild(ctx context.Context, n *cluster.Node) error {
	return cluster.PostJSON(ctx, h.server(n)+"/"+OpRebuild, request(n), nil, h.headers()...)
}

func (h *HTTPDriver) Recreate(ctx context.Context, n *cluster.Node) (string, string, error) {
	var out serverResponse
	if err := cluster.PostJSON(ctx, h.server(n)+"/"+OpRecreate, request(n), &out, h.headers()...); err != nil {
		return "", "", err
	}
	return out.ID, out.Addr, nil
}

func (h *HTTPDriver) Status(ctx context.Context, n *cluster.Node) (cluster.NodeStatus, error) {
	var out serverResponse
	if err := cluster.GetJSON(ctx, h.server(n), &out, h.headers()...); err != nil {
		return "", err
	}
	return cluster.NodeStatus(out.Status), nil
}
