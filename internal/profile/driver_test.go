package profile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("b", NewMemoryDriver())
	r.Register("a", NewMemoryDriver())

	_, err := r.Get("a")
	require.NoError(t, err)
	_, err = r.Get("missing")
	assert.ErrorIs(t, err, action.ErrInvalidRequest)
	assert.Equal(t, []string{"a", "b"}, r.Profiles())
}

func TestBuild(t *testing.T) {
	d, err := Build(Spec{ID: "p", Type: TypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryDriver{}, d)

	d, err = Build(Spec{ID: "p", Type: TypeHTTP, Endpoint: "http://example/"})
	require.NoError(t, err)
	assert.Equal(t, "http://example", d.(*HTTPDriver).endpoint)

	_, err = Build(Spec{ID: "p", Type: "nova-1.0"})
	assert.ErrorIs(t, err, action.ErrInvalidRequest)
}

func TestMemoryDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDriver()
	n := &cluster.Node{ID: "n1"}

	pid, _, err := d.Create(ctx, n)
	require.NoError(t, err)
	n.PhysicalID = pid
	assert.Equal(t, 1, d.Servers())

	st, err := d.Status(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeActive, st)

	d.SetStatus(pid, cluster.NodeError)
	st, _ = d.Status(ctx, n)
	assert.Equal(t, cluster.NodeError, st)
	require.NoError(t, d.Reboot(ctx, n))
	st, _ = d.Status(ctx, n)
	assert.Equal(t, cluster.NodeActive, st)

	newID, _, err := d.Recreate(ctx, n)
	require.NoError(t, err)
	assert.NotEqual(t, pid, newID)
	assert.Equal(t, 1, d.Servers())
	assert.Error(t, d.Rebuild(ctx, n), "old physical id is gone")

	n.PhysicalID = newID
	require.NoError(t, d.Delete(ctx, n))
	assert.Zero(t, d.Servers())
	st, _ = d.Status(ctx, n)
	assert.Equal(t, cluster.NodeError, st)

	assert.Equal(t, []string{
		"create:n1", "status:n1", "status:n1", "reboot:n1", "status:n1",
		"recreate:n1", "rebuild:n1", "delete:n1", "status:n1",
	}, d.Calls())
}

func TestMemoryDriverHook(t *testing.T) {
	d := NewMemoryDriver()
	boom := errors.New("quota exceeded")
	d.SetHook(func(_ context.Context, op string, _ *cluster.Node) error {
		if op == OpCreate {
			return boom
		}
		return nil
	})
	_, _, err := d.Create(context.Background(), &cluster.Node{ID: "n"})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, d.Servers())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Delete(ctx, &cluster.Node{ID: "n"}), context.Canceled)
}

func TestHTTPDriver(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		assert.Equal(t, "Bearer t0k", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/servers":
			var req serverRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "n1", req.NodeID)
			_ = json.NewEncoder(w).Encode(serverResponse{ID: "srv-1", Addr: "10.0.0.1:80"})
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(serverResponse{ID: "srv-1", Status: "ERROR"})
		case r.URL.Path == "/servers/srv-1/recreate":
			_ = json.NewEncoder(w).Encode(serverResponse{ID: "srv-2"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	d := NewHTTPDriver(server.URL+"/", "t0k")
	n := &cluster.Node{ID: "n1"}

	pid, addr, err := d.Create(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", pid)
	assert.Equal(t, "10.0.0.1:80", addr)
	n.PhysicalID = pid

	st, err := d.Status(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeError, st)

	require.NoError(t, d.Reboot(ctx, n))
	require.NoError(t, d.Rebuild(ctx, n))
	pid, _, err = d.Recreate(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, "srv-2", pid)
	require.NoError(t, d.Delete(ctx, n))

	assert.Equal(t, []string{
		"POST /servers",
		"GET /servers/srv-1",
		"POST /servers/srv-1/reboot",
		"POST /servers/srv-1/rebuild",
		"POST /servers/srv-1/recreate",
		"DELETE /servers/srv-1",
	}, seen)
}

func TestHTTPDriverSurfacesStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, _, err := NewHTTPDriver(server.URL, "").Create(context.Background(), &cluster.Node{ID: "n"})
	var se *cluster.HTTPStatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}
