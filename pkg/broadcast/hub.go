// Package broadcast fans completed records and capture notifications out to
// live subscribers. Delivery is best effort: a subscriber that falls behind
// loses messages rather than slowing the publisher down.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/psantana5/reqcorr/pkg/logging"
	"github.com/psantana5/reqcorr/pkg/metrics"
	"github.com/psantana5/reqcorr/pkg/models"
)

// ErrHubClosed is returned when publishing after Close
var ErrHubClosed = errors.New("broadcast hub closed")

const DefaultSubscriberBuffer = 64

// Subscription receives messages until it is unsubscribed or the hub closes
type Subscription struct {
	ID    string
	C     <-chan any
	ch    chan any
	kinds map[models.MessageKind]bool
}

func (s *Subscription) wants(kind models.MessageKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Hub is a publish/subscribe fan-out
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	buffer int

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub whose subscribers buffer up to buffer messages
func NewHub(buffer int, logger *logging.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		buffer:  buffer,
		logger:  logger.WithField("component", "broadcast"),
		metrics: m,
	}
}

// Subscribe registers a subscriber for the given kinds, or every kind if none
func (h *Hub) Subscribe(kinds ...models.MessageKind) *Subscription {
	ch := make(chan any, h.buffer)
	sub := &Subscription{ID: uuid.New().String(), C: ch, ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[models.MessageKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		close(sub.ch)
	}
}

// Subscribers returns the number of live subscribers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers msg to every interested subscriber without blocking and
// returns how many received it
func (h *Hub) Publish(kind models.MessageKind, msg any) (int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, ErrHubClosed
	}

	delivered := 0
	for _, sub := range h.subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			if h.metrics != nil {
				h.metrics.BroadcastDropped.Inc()
			}
			h.logger.Debug("Dropped message for slow subscriber", map[string]interface{}{
				"subscriber": sub.ID,
				"kind":       string(kind),
			})
		}
	}
	return delivered, nil
}

// Emit publishes a completed record
func (h *Hub) Emit(ctx context.Context, msg models.PushAction) error {
	_, err := h.Publish(msg.Kind, msg)
	return err
}

// OnProveRequestStart publishes a capture notification
func (h *Hub) OnProveRequestStart(ctx context.Context, msg models.ProveRequestStart) error {
	_, err := h.Publish(msg.Kind, msg)
	return err
}

// Close ends every subscription; later publishes fail with ErrHubClosed
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	return nil
}
