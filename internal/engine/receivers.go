package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/cluster"
)

// ReceiverSpec describes a webhook receiver: a token that, when triggered,
// requests a fixed action against a fixed target.
type ReceiverSpec struct {
	Name       string         `json:"name" validate:"required,max=255"`
	TargetID   string         `json:"target_id" validate:"required"`
	ActionType action.Type    `json:"action_type" validate:"required"`
	Params     map[string]any `json:"params"`
}

// CreateReceiver stores a receiver with a fresh unguessable token.
func (e *Engine) CreateReceiver(ctx context.Context, spec ReceiverSpec) (*cluster.Receiver, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrInvalidRequest, err)
	}
	if !spec.ActionType.Valid() || spec.ActionType == action.ClusterCreate || spec.ActionType == action.NodeCreate {
		return nil, fmt.Errorf("%w: receivers cannot trigger %q", action.ErrInvalidRequest, spec.ActionType)
	}
	kind := spec.ActionType.Kind()
	if kind == action.KindCluster {
		if _, err := e.store.GetCluster(ctx, spec.TargetID); err != nil {
			return nil, err
		}
	} else if _, err := e.store.GetNode(ctx, spec.TargetID); err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	r := &cluster.Receiver{
		ID:         uuid.NewString(),
		Name:       spec.Name,
		Token:      token,
		TargetID:   spec.TargetID,
		TargetKind: kind,
		ActionType: spec.ActionType,
		Params:     spec.Params,
	}
	if err := e.store.CreateReceiver(ctx, r); err != nil {
		return nil, err
	}
	e.log.Infow("receiver created", "receiver_id", r.ID, "target", r.TargetID, "action_type", r.ActionType)
	return r, nil
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating receiver token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Trigger requests the receiver's action. Params given here override the
// receiver's stored params. Each receiver is rate limited independently.
func (e *Engine) Trigger(ctx context.Context, token string, params map[string]any) (*action.Action, error) {
	r, err := e.store.ReceiverByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !e.limiter(r.ID).Allow() {
		return nil, fmt.Errorf("receiver %s: %w", r.ID, ErrRateLimited)
	}

	inputs := make(map[string]any, len(r.Params)+len(params))
	for k, v := range r.Params {
		inputs[k] = v
	}
	for k, v := range params {
		inputs[k] = v
	}
	return e.Request(ctx, Request{
		Type:   r.ActionType,
		Target: r.TargetID,
		Inputs: inputs,
		Cause:  action.Cause{Kind: action.CauseReceiver, ID: r.ID},
	})
}

func (e *Engine) limiter(receiverID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[receiverID]
	if !ok {
		l = rate.NewLimiter(e.opts.receiverRate, e.opts.receiverBurst)
		e.limiters[receiverID] = l
	}
	return l
}

// GetReceiver returns a receiver by id.
func (e *Engine) GetReceiver(ctx context.Context, id string) (*cluster.Receiver, error) {
	return e.store.GetReceiver(ctx, id)
}

// ListReceivers returns every receiver.
func (e *Engine) ListReceivers(ctx context.Context) ([]*cluster.Receiver, error) {
	return e.store.ListReceivers(ctx)
}

// DeleteReceiver removes a receiver; its token stops working at once.
func (e *Engine) DeleteReceiver(ctx context.Context, id string) error {
	if err := e.store.DeleteReceiver(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.limiters, id)
	e.mu.Unlock()
	return nil
}
