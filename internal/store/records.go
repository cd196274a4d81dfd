package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

// CreateCluster persists a new cluster record.
func (s *Store) CreateCluster(ctx context.Context, c *cluster.Cluster) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		found, err := exists(tx, prefixCluster+c.ID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("cluster %s: %w", c.ID, ErrAlreadyExists)
		}
		now := s.now()
		c.CreatedAt, c.UpdatedAt = now, now
		if c.NodeIDs == nil {
			c.NodeIDs = []string{}
		}
		return putJSON(tx, prefixCluster+c.ID, c)
	})
}

// GetCluster loads a cluster by id.
func (s *Store) GetCluster(ctx context.Context, id string) (*cluster.Cluster, error) {
	var c cluster.Cluster
	if err := s.kv.View(ctx, func(tx Txn) error { return getJSON(tx, prefixCluster+id, &c) }); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClusters returns all clusters ordered by id.
func (s *Store) ListClusters(ctx context.Context) ([]*cluster.Cluster, error) {
	var out []*cluster.Cluster
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixCluster, func(_ string, v []byte) error {
			var c cluster.Cluster
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// UpdateCluster applies mutate to a cluster in one transaction.
func (s *Store) UpdateCluster(ctx context.Context, id string, mutate func(*cluster.Cluster) error) (*cluster.Cluster, error) {
	var out cluster.Cluster
	err := s.kv.Update(ctx, func(tx Txn) error {
		if err := getJSON(tx, prefixCluster+id, &out); err != nil {
			return err
		}
		if err := mutate(&out); err != nil {
			return err
		}
		out.UpdatedAt = s.now()
		return putJSON(tx, prefixCluster+id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCluster removes a cluster and its policy bindings. Member nodes must
// have been removed first.
func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		var c cluster.Cluster
		if err := getJSON(tx, prefixCluster+id, &c); err != nil {
			return err
		}
		if len(c.NodeIDs) > 0 {
			return fmt.Errorf("%w: cluster %s still has %d nodes", action.ErrInvalidRequest, id, len(c.NodeIDs))
		}
		var bindings []string
		err := tx.Scan(prefixBinding+id+"/", func(k string, _ []byte) error {
			bindings = append(bindings, k)
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range bindings {
			if err := tx.Delete(k); err != nil {
				return err
			}
		}
		return tx.Delete(prefixCluster + id)
	})
}

// CreateNode persists a node record. If ClusterID is set the node joins that
// cluster in the same transaction and receives the lowest free index.
func (s *Store) CreateNode(ctx context.Context, n *cluster.Node) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		found, err := exists(tx, prefixNode+n.ID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("node %s: %w", n.ID, ErrAlreadyExists)
		}
		now := s.now()
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		n.UpdatedAt = now
		if n.ClusterID != "" {
			if err := s.join(tx, n, n.ClusterID); err != nil {
				return err
			}
		}
		return putJSON(tx, prefixNode+n.ID, n)
	})
}

// GetNode loads a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (*cluster.Node, error) {
	var n cluster.Node
	if err := s.kv.View(ctx, func(tx Txn) error { return getJSON(tx, prefixNode+id, &n) }); err != nil {
		return nil, err
	}
	return &n, nil
}

// ListNodes returns nodes of clusterID (all nodes when empty), ordered by index then id.
func (s *Store) ListNodes(ctx context.Context, clusterID string) ([]*cluster.Node, error) {
	var out []*cluster.Node
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixNode, func(_ string, v []byte) error {
			var n cluster.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if clusterID == "" || n.ClusterID == clusterID {
				out = append(out, &n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *cluster.Node) int {
		if a.Index != b.Index {
			return a.Index - b.Index
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

// UpdateNode applies mutate to a node. Cluster membership cannot be changed
// here; use JoinCluster and LeaveCluster.
func (s *Store) UpdateNode(ctx context.Context, id string, mutate func(*cluster.Node) error) (*cluster.Node, error) {
	var out cluster.Node
	err := s.kv.Update(ctx, func(tx Txn) error {
		if err := getJSON(tx, prefixNode+id, &out); err != nil {
			return err
		}
		clusterID, index := out.ClusterID, out.Index
		if err := mutate(&out); err != nil {
			return err
		}
		out.ClusterID, out.Index = clusterID, index
		out.UpdatedAt = s.now()
		return putJSON(tx, prefixNode+id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// JoinCluster adds an orphan node to a cluster.
func (s *Store) JoinCluster(ctx context.Context, nodeID, clusterID string) (*cluster.Node, error) {
	var n cluster.Node
	err := s.kv.Update(ctx, func(tx Txn) error {
		if err := getJSON(tx, prefixNode+nodeID, &n); err != nil {
			return err
		}
		if n.ClusterID != "" {
			return fmt.Errorf("%w: node %s already belongs to cluster %s", action.ErrInvalidRequest, nodeID, n.ClusterID)
		}
		if err := s.join(tx, &n, clusterID); err != nil {
			return err
		}
		n.UpdatedAt = s.now()
		return putJSON(tx, prefixNode+nodeID, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) join(tx Txn, n *cluster.Node, clusterID string) error {
	var c cluster.Cluster
	if err := getJSON(tx, prefixCluster+clusterID, &c); err != nil {
		return err
	}
	used := map[int]bool{}
	for _, id := range c.NodeIDs {
		var member cluster.Node
		if err := getJSON(tx, prefixNode+id, &member); err != nil {
			if errors.Is(err, action.ErrNotFound) {
				continue
			}
			return err
		}
		used[member.Index] = true
	}
	idx := 1
	for used[idx] {
		idx++
	}
	n.ClusterID = clusterID
	n.Index = idx
	if !slices.Contains(c.NodeIDs, n.ID) {
		c.NodeIDs = append(c.NodeIDs, n.ID)
	}
	c.UpdatedAt = s.now()
	return putJSON(tx, prefixCluster+clusterID, &c)
}

// LeaveCluster turns a member node into an orphan and frees its index.
func (s *Store) LeaveCluster(ctx context.Context, nodeID string) (*cluster.Node, error) {
	var n cluster.Node
	err := s.kv.Update(ctx, func(tx Txn) error {
		if err := getJSON(tx, prefixNode+nodeID, &n); err != nil {
			return err
		}
		if err := s.leave(tx, &n); err != nil {
			return err
		}
		n.UpdatedAt = s.now()
		return putJSON(tx, prefixNode+nodeID, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) leave(tx Txn, n *cluster.Node) error {
	if n.ClusterID == "" {
		return nil
	}
	var c cluster.Cluster
	err := getJSON(tx, prefixCluster+n.ClusterID, &c)
	switch {
	case err == nil:
		c.NodeIDs = slices.DeleteFunc(c.NodeIDs, func(id string) bool { return id == n.ID })
		c.UpdatedAt = s.now()
		if err := putJSON(tx, prefixCluster+c.ID, &c); err != nil {
			return err
		}
	case !errors.Is(err, action.ErrNotFound):
		return err
	}
	n.ClusterID = ""
	n.Index = 0
	return nil
}

// DeleteNode removes a node record, leaving its cluster first.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		var n cluster.Node
		if err := getJSON(tx, prefixNode+id, &n); err != nil {
			return err
		}
		if err := s.leave(tx, &n); err != nil {
			return err
		}
		return tx.Delete(prefixNode + id)
	})
}

// CreatePolicy persists a policy spec.
func (s *Store) CreatePolicy(ctx context.Context, p *cluster.PolicySpec) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		found, err := exists(tx, prefixPolicy+p.ID)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("policy %s: %w", p.ID, ErrAlreadyExists)
		}
		p.CreatedAt = s.now()
		return putJSON(tx, prefixPolicy+p.ID, p)
	})
}

// GetPolicy loads a policy spec by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (*cluster.PolicySpec, error) {
	var p cluster.PolicySpec
	if err := s.kv.View(ctx, func(tx Txn) error { return getJSON(tx, prefixPolicy+id, &p) }); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPolicies returns every policy spec ordered by id.
func (s *Store) ListPolicies(ctx context.Context) ([]*cluster.PolicySpec, error) {
	var out []*cluster.PolicySpec
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixPolicy, func(_ string, v []byte) error {
			var p cluster.PolicySpec
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// DeletePolicy removes a policy spec that is not bound to any cluster.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		if _, err := tx.Get(prefixPolicy + id); err != nil {
			if errors.Is(err, errKeyNotFound) {
				return fmt.Errorf("%w: policy %s", action.ErrNotFound, id)
			}
			return err
		}
		bound := ""
		err := tx.Scan(prefixBinding, func(_ string, v []byte) error {
			var b cluster.Binding
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.PolicyID == id {
				bound = b.ClusterID
			}
			return nil
		})
		if err != nil {
			return err
		}
		if bound != "" {
			return fmt.Errorf("%w: policy %s is attached to cluster %s", action.ErrInvalidRequest, id, bound)
		}
		return tx.Delete(prefixPolicy + id)
	})
}

func bindingKey(clusterID, policyID string) string {
	return prefixBinding + clusterID + "/" + policyID
}

// AttachPolicy binds a policy to a cluster. At most one policy of each
// PolicyType may be bound to a cluster.
func (s *Store) AttachPolicy(ctx context.Context, b *cluster.Binding) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		if _, err := tx.Get(prefixCluster + b.ClusterID); err != nil {
			if errors.Is(err, errKeyNotFound) {
				return fmt.Errorf("%w: cluster %s", action.ErrNotFound, b.ClusterID)
			}
			return err
		}
		if _, err := tx.Get(prefixPolicy + b.PolicyID); err != nil {
			if errors.Is(err, errKeyNotFound) {
				return fmt.Errorf("%w: policy %s", action.ErrNotFound, b.PolicyID)
			}
			return err
		}
		err := tx.Scan(prefixBinding+b.ClusterID+"/", func(_ string, v []byte) error {
			var existing cluster.Binding
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.PolicyType == b.PolicyType {
				return fmt.Errorf("cluster %s already has a %s policy (%s): %w",
					b.ClusterID, b.PolicyType, existing.PolicyID, ErrAlreadyExists)
			}
			return nil
		})
		if err != nil {
			return err
		}
		b.CreatedAt = s.now()
		return putJSON(tx, bindingKey(b.ClusterID, b.PolicyID), b)
	})
}

// DetachPolicy removes a binding.
func (s *Store) DetachPolicy(ctx context.Context, clusterID, policyID string) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		if _, err := tx.Get(bindingKey(clusterID, policyID)); err != nil {
			if errors.Is(err, errKeyNotFound) {
				return fmt.Errorf("%w: policy %s is not attached to cluster %s", action.ErrNotFound, policyID, clusterID)
			}
			return err
		}
		return tx.Delete(bindingKey(clusterID, policyID))
	})
}

// ListBindings returns a cluster's bindings ordered by priority, ties broken
// by creation order.
func (s *Store) ListBindings(ctx context.Context, clusterID string) ([]*cluster.Binding, error) {
	var out []*cluster.Binding
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixBinding+clusterID+"/", func(_ string, v []byte) error {
			var b cluster.Binding
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b *cluster.Binding) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// UpdateBinding applies mutate to a binding in one transaction.
func (s *Store) UpdateBinding(ctx context.Context, clusterID, policyID string, mutate func(*cluster.Binding) error) (*cluster.Binding, error) {
	var out cluster.Binding
	err := s.kv.Update(ctx, func(tx Txn) error {
		if err := getJSON(tx, bindingKey(clusterID, policyID), &out); err != nil {
			return err
		}
		ptype := out.PolicyType
		if err := mutate(&out); err != nil {
			return err
		}
		out.ClusterID, out.PolicyID, out.PolicyType = clusterID, policyID, ptype
		return putJSON(tx, bindingKey(clusterID, policyID), &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateReceiver persists a receiver and indexes its token.
func (s *Store) CreateReceiver(ctx context.Context, r *cluster.Receiver) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		for _, key := range []string{prefixReceiver + r.ID, prefixToken + r.Token} {
			found, err := exists(tx, key)
			if err != nil {
				return err
			}
			if found {
				return fmt.Errorf("receiver %s: %w", r.ID, ErrAlreadyExists)
			}
		}
		r.CreatedAt = s.now()
		if err := tx.Set(prefixToken+r.Token, []byte(r.ID)); err != nil {
			return err
		}
		return putJSON(tx, prefixReceiver+r.ID, r)
	})
}

// GetReceiver loads a receiver by id.
func (s *Store) GetReceiver(ctx context.Context, id string) (*cluster.Receiver, error) {
	var r cluster.Receiver
	if err := s.kv.View(ctx, func(tx Txn) error { return getJSON(tx, prefixReceiver+id, &r) }); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReceiverByToken resolves a webhook token to its receiver.
func (s *Store) ReceiverByToken(ctx context.Context, token string) (*cluster.Receiver, error) {
	var r cluster.Receiver
	err := s.kv.View(ctx, func(tx Txn) error {
		raw, err := tx.Get(prefixToken + token)
		if errors.Is(err, errKeyNotFound) {
			return fmt.Errorf("%w: receiver token", action.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return getJSON(tx, prefixReceiver+string(raw), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReceivers returns every receiver ordered by id.
func (s *Store) ListReceivers(ctx context.Context) ([]*cluster.Receiver, error) {
	var out []*cluster.Receiver
	err := s.kv.View(ctx, func(tx Txn) error {
		return tx.Scan(prefixReceiver, func(_ string, v []byte) error {
			var r cluster.Receiver
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
			return nil
		})
	})
	return out, err
}

// DeleteReceiver removes a receiver and its token index.
func (s *Store) DeleteReceiver(ctx context.Context, id string) error {
	return s.kv.Update(ctx, func(tx Txn) error {
		var r cluster.Receiver
		if err := getJSON(tx, prefixReceiver+id, &r); err != nil {
			return err
		}
		if err := tx.Delete(prefixToken + r.Token); err != nil {
			return err
		}
		return tx.Delete(prefixReceiver + id)
	})
}
