// Package notify fans outbound messages to connected users. Delivery is
// best effort: a user without a live subscription, or with a full queue,
// gets a DeliveryError and the caller decides whether to log it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/antoniostano/fitbuddy/internal/observability"
	"github.com/antoniostano/fitbuddy/internal/protocol"
)

var (
	ErrNoSubscriber = errors.New("no subscriber connected")
	ErrQueueFull    = errors.New("subscriber queue full")
)

const DefaultQueueSize = 64

type DeliveryError struct {
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Subscription is one live connection's inbox.
type Subscription struct {
	hub    *Hub
	userID string
	ch     chan any
	once   sync.Once
}

func (s *Subscription) C() <-chan any { return s.ch }

func (s *Subscription) UserID() string { return s.userID }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	queueSize int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewHub(queueSize int, metrics *observability.Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		subs:      make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
		metrics:   metrics,
		logger:    slog.Default().With(slog.String("component", "notify")),
	}
}

func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{hub: h, userID: userID, ch: make(chan any, h.queueSize)}
	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.userID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.userID)
	}
}

// Send enqueues msg on every subscription of userID without blocking. It
// succeeds if at least one subscription accepted the message.
func (h *Hub) Send(_ context.Context, userID string, msg any) error {
	msgType, _ := protocol.TypeOf(msg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subs[userID]
	if len(set) == 0 {
		h.metrics.IncNotification(string(msgType), "no_subscriber")
		return &DeliveryError{UserID: userID, Err: ErrNoSubscriber}
	}
	delivered := 0
	for sub := range set {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			h.logger.Warn("subscriber queue full, dropping message",
				slog.String("user_id", userID),
				slog.String("type", string(msgType)),
			)
		}
	}
	if delivered == 0 {
		h.metrics.IncNotification(string(msgType), "dropped")
		return &DeliveryError{UserID: userID, Err: ErrQueueFull}
	}
	h.metrics.IncNotification(string(msgType), "sent")
	return nil
}

func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID]) > 0
}

func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
