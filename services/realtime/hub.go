package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
)

const defaultBufferSize = 16

var ErrClosed = errors.New("realtime: broker closed")

// Hub fans inserted messages out to the in-process subscribers of their receiver.
// Events are dropped for subscribers too slow to keep up with their buffer.
type Hub struct {
	bufSize int
	logger  core.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[string]map[*subscription]struct{} // receiverID -> subscriptions
}

var (
	_ message.Broker    = (*Hub)(nil)
	_ message.Publisher = (*Hub)(nil)
)

func NewHub(bufSize int, logger core.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Hub{
		bufSize: bufSize,
		logger:  logger,
		subs:    make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe streams the messages dispatched to receiverID until the Subscription is closed or ctx is done.
func (h *Hub) Subscribe(ctx context.Context, receiverID string) (message.Subscription, error) {
	if receiverID == "" {
		return nil, message.ErrNotAuthenticated
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscription{
		hub:        h,
		receiverID: receiverID,
		events:     make(chan message.InsertEvent, h.bufSize),
		done:       make(chan struct{}),
	}
	if _, ok := h.subs[receiverID]; !ok {
		h.subs[receiverID] = make(map[*subscription]struct{})
	}
	h.subs[receiverID][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// PublishInsert dispatches msg to the local subscribers of its receiver.
func (h *Hub) PublishInsert(_ context.Context, msg message.Message) error {
	h.Dispatch(msg)
	return nil
}

func (h *Hub) Dispatch(msg message.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ev := message.InsertEvent{Message: msg}
	for sub := range h.subs[msg.ReceiverID] {
		select {
		case sub.events <- ev:
		default:
			h.logger.Warn(fmt.Sprintf("dropping message %s: subscriber of %s is full", msg.ID, msg.ReceiverID))
		}
	}
}

// Subscribers returns the number of open subscriptions of receiverID.
func (h *Hub) Subscribers(receiverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[receiverID])
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[sub.receiverID]; ok {
		if _, ok = subs[sub]; ok {
			delete(subs, sub)
			close(sub.events)
		}
		if len(subs) == 0 {
			delete(h.subs, sub.receiverID)
		}
	}
}

// Close ends every subscription. Later subscriptions fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var subs []*subscription
	for _, set := range h.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

type subscription struct {
	hub        *Hub
	receiverID string
	events     chan message.InsertEvent
	done       chan struct{}
	once       sync.Once
}

func (s *subscription) Events() <-chan message.InsertEvent { return s.events }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
	return nil
}
