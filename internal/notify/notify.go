// Package notify publishes lifecycle hook messages: one message per node
// whose deletion is deferred, carrying the token an external system sends
// back to let the deletion proceed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/dreamware/conductor/internal/cluster"
	"github.com/dreamware/conductor/internal/logger"
	"github.com/dreamware/conductor/internal/metrics"
)

// TransitionTermination is the only lifecycle transition the engine defers.
const TransitionTermination = "termination"

// Message is emitted once per node selected for deferred deletion. Token
// equals the id of the pending action.
type Message struct {
	Token      string         `json:"lifecycle_action_token"`
	NodeID     string         `json:"node_id"`
	ClusterID  string         `json:"cluster_id,omitempty"`
	Transition string         `json:"lifecycle_transition_type"`
	Deadline   time.Time      `json:"deadline"`
	Params     map[string]any `json:"params,omitempty"`
}

// Publisher delivers lifecycle messages. A publish failure does not stall
// the deletion; its deadline still fires.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Publish sends m through p and counts the result.
func Publish(ctx context.Context, p Publisher, m Message) error {
	err := p.Publish(ctx, m)
	if err != nil {
		metrics.LifecycleMessages.WithLabelValues("error").Inc()
		return err
	}
	metrics.LifecycleMessages.WithLabelValues("sent").Inc()
	return nil
}

// Webhook posts messages as JSON to a URL, retrying server errors with
// exponential backoff. Client errors are not retried.
type Webhook struct {
	url      string
	token    string
	maxWait  time.Duration
	log      *zap.SugaredLogger
	newRetry func() backoff.BackOff
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithMaxElapsed bounds the total time spent retrying one message.
func WithMaxElapsed(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.maxWait = d }
}

// WithBearer sends token as a bearer credential.
func WithBearer(token string) WebhookOption {
	return func(w *Webhook) { w.token = token }
}

// WithBackOff overrides the retry schedule.
func WithBackOff(f func() backoff.BackOff) WebhookOption {
	return func(w *Webhook) { w.newRetry = f }
}

// NewWebhook returns a publisher posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{url: url, maxWait: 30 * time.Second, log: logger.For(logger.ComponentNotify)}
	for _, o := range opts {
		o(w)
	}
	if w.newRetry == nil {
		w.newRetry = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = w.maxWait
			return bo
		}
	}
	return w
}

func (w *Webhook) Publish(ctx context.Context, m Message) error {
	var headers []string
	if w.token != "" {
		headers = []string{"Authorization", "Bearer " + w.token}
	}
	attempt := 0
	op := func() error {
		attempt++
		err := cluster.PostJSON(ctx, w.url, m, nil, headers...)
		var se *cluster.HTTPStatusError
		if errors.As(err, &se) && se.Code < 500 {
			return backoff.Permanent(err)
		}
		if err != nil {
			w.log.Debugw("lifecycle message delivery failed", "token", m.Token, "attempt", attempt, "error", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(w.newRetry(), ctx)); err != nil {
		return fmt.Errorf("publish lifecycle message %s: %w", m.Token, err)
	}
	return nil
}

// Memory keeps published messages for inspection. Subscribers receive each
// message on a buffered channel; slow subscribers miss messages rather than
// block the publisher.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	subs     []chan Message
	err      error
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	for _, ch := range m.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving subsequently published messages.
func (m *Memory) Subscribe(buffer int) <-chan Message {
	ch := make(chan Message, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Messages returns everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// FailWith makes every later Publish return err. Nil restores delivery.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Log writes messages to the notify logger. It is the publisher used when
// no webhook is configured.
type Log struct {
	log *zap.SugaredLogger
}

// NewLog returns a logging publisher.
func NewLog() *Log { return &Log{log: logger.For(logger.ComponentNotify)} }

func (l *Log) Publish(_ context.Context, m Message) error {
	l.log.Infow("lifecycle hook",
		"lifecycle_action_token", m.Token,
		"node_id", m.NodeID,
		"cluster_id", m.ClusterID,
		"lifecycle_transition_type", m.Transition,
		"deadline", m.Deadline)
	return nil
}
