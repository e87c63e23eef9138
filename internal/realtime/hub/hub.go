// Package hub fans realtime events out to named audience channels.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"delivtrack/internal/types"
)

const AdminChannel = "admins"

func DriverChannel(id types.ID) string   { return "driver:" + string(id) }
func CustomerChannel(id types.ID) string { return "customer:" + string(id) }

// Envelope is the wire shape of every realtime message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func Encode(eventType string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

// Hub keeps channel memberships. Publish never blocks on a slow subscriber.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscriber]struct{}
	buffer   int
	logger   *slog.Logger
}

func New(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		channels: make(map[string]map[*Subscriber]struct{}),
		buffer:   buffer,
		logger:   logger.With("component", "hub"),
	}
}

func (h *Hub) Subscribe(channel string) *Subscriber {
	s := &Subscriber{
		channel: channel,
		queue:   make(chan []byte, h.buffer),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.channels[channel] = members
	}
	members[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Unsubscribe removes s from its channel. Messages still queued on s are
// abandoned. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if members, ok := h.channels[s.channel]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.channels, s.channel)
		}
	}
	h.mu.Unlock()
	s.close()
}

// Publish encodes the event once and queues it on every member of channel.
// It returns the number of members the event was queued for.
func (h *Hub) Publish(channel, eventType string, data any) int {
	msg, err := Encode(eventType, data)
	if err != nil {
		h.logger.Error("encode event failed", "channel", channel, "type", eventType, "error", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.channels[channel]
	for s := range members {
		if s.Send(msg) {
			h.logger.Debug("subscriber queue full, dropped oldest", "channel", channel, "type", eventType)
		}
	}
	return len(members)
}

// Members returns the current subscriber count of channel.
func (h *Hub) Members(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close drops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[string]map[*Subscriber]struct{})
	h.mu.Unlock()
	for _, members := range channels {
		for s := range members {
			s.close()
		}
	}
}

// Subscriber is one connection's membership: a bounded latest-wins queue.
type Subscriber struct {
	channel string
	mu      sync.Mutex
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (s *Subscriber) Channel() string { return s.channel }

// Messages yields queued messages in order. It is never closed; select on Done.
func (s *Subscriber) Messages() <-chan []byte { return s.queue }

// Done is closed once the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Send queues msg for this subscriber only. When the queue is full the oldest
// entry is discarded; the return value reports whether that happened.
func (s *Subscriber) Send(msg []byte) (dropped bool) {
	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.queue <- msg:
			return dropped
		default:
		}
		select {
		case <-s.queue:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}
