package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/victornm/planningpoker/internal/async"
	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/protocol"
	"github.com/victornm/planningpoker/internal/telemetry"
)

const defaultBuffer = 256

// Notification is one push event addressed to a session group. On a member
// queue it may instead carry a command Reply, which keeps its place among the
// events queued around it.
type Notification struct {
	SessionID string
	Event     domain.Event
	Reply     *protocol.Frame
}

// Relay forwards notifications to the other instances sharing the store.
type Relay interface {
	Publish(ctx context.Context, n Notification, excludeConnID string) error
}

type Config struct {
	// Writes runs relay publishes, keyed by session so they keep broadcast order.
	Writes  *async.Runner
	Relay   Relay
	Metrics *telemetry.Metrics
	// Buffer is the outbound queue length of each member.
	Buffer int
}

// Member is one transport connection. Its writer drains Events, replies
// included, until Done is closed, then closes the transport.
type Member struct {
	ConnID        string
	ParticipantID string

	events    chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

func (m *Member) Events() <-chan Notification { return m.events }

// Done is closed when the member is unregistered or evicted.
func (m *Member) Done() <-chan struct{} { return m.done }

// close reports whether this call closed the member.
func (m *Member) close() (closed bool) {
	m.closeOnce.Do(func() {
		close(m.done)
		closed = true
	})
	return closed
}

// Hub tracks the membership group of every session served by this instance.
type Hub struct {
	writes  *async.Runner
	relay   Relay
	metrics *telemetry.Metrics
	buffer  int

	mu           sync.RWMutex
	members      map[string]*Member            // by connection id
	participants map[string]*Member            // by participant id
	groups       map[string]map[string]*Member // session id -> connection id
}

func New(c Config) *Hub {
	if c.Buffer <= 0 {
		c.Buffer = defaultBuffer
	}

	return &Hub{
		writes:       c.Writes,
		relay:        c.Relay,
		metrics:      c.Metrics,
		buffer:       c.Buffer,
		members:      make(map[string]*Member),
		participants: make(map[string]*Member),
		groups:       make(map[string]map[string]*Member),
	}
}

// Register adds a connection. The requested participant id is granted
// unless empty or held by another live connection, in which case the
// connection id becomes the participant id.
func (h *Hub) Register(connID, participantID string) *Member {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, taken := h.participants[participantID]; participantID == "" || taken {
		participantID = connID
	}

	m := &Member{
		ConnID:        connID,
		ParticipantID: participantID,
		events:        make(chan Notification, h.buffer),
		done:          make(chan struct{}),
	}
	h.members[connID] = m
	h.participants[participantID] = m

	return m
}

// Unregister removes a connection from every group and returns the sessions
// it was enrolled in.
func (h *Hub) Unregister(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.unregister(connID)
}

func (h *Hub) unregister(connID string) []string {
	m, ok := h.members[connID]
	if !ok {
		return nil
	}

	var sessions []string
	for sid, group := range h.groups {
		if _, ok := group[connID]; !ok {
			continue
		}
		sessions = append(sessions, sid)
		delete(group, connID)
		if len(group) == 0 {
			delete(h.groups, sid)
		}
	}

	delete(h.members, connID)
	if h.participants[m.ParticipantID] == m {
		delete(h.participants, m.ParticipantID)
	}
	m.close()

	return sessions
}

// Enroll adds a registered connection to a session group. It reports false
// if the connection is gone.
func (h *Hub) Enroll(sessionID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[connID]
	if !ok {
		return false
	}

	group, ok := h.groups[sessionID]
	if !ok {
		group = make(map[string]*Member)
		h.groups[sessionID] = group
	}
	group[connID] = m

	return true
}

func (h *Hub) Withdraw(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.groups[sessionID]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(h.groups, sessionID)
	}
}

// Broadcast delivers n to the local group, skipping excludeConnID, and hands
// it to the relay. Callers serialize broadcasts per session.
func (h *Hub) Broadcast(ctx context.Context, n Notification, excludeConnID string) {
	h.Deliver(n, excludeConnID)
	h.metrics.Broadcast(n.Event.Name())

	if h.relay == nil || h.writes == nil {
		return
	}
	h.writes.Go(ctx, n.SessionID, "relay.publish", func(ctx context.Context) error {
		return h.relay.Publish(ctx, n, excludeConnID)
	})
}

// Deliver enqueues n to the local group only. A member whose queue is full is
// evicted: its Done channel closes and its transport is expected to
// Unregister it.
func (h *Hub) Deliver(n Notification, excludeConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID, m := range h.groups[n.SessionID] {
		if connID == excludeConnID {
			continue
		}

		select {
		case m.events <- n:
		default:
			h.evict(m)
		}
	}
}

// Reply queues a command reply for connID behind everything already queued
// for it. It reports false if the connection is gone or was evicted.
func (h *Hub) Reply(connID string, f protocol.Frame) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m, ok := h.members[connID]
	if !ok {
		return false
	}

	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.events <- Notification{SessionID: f.SessionID, Reply: &f}:
		return true
	default:
		h.evict(m)
		return false
	}
}

func (h *Hub) evict(m *Member) {
	if !m.close() {
		return
	}

	slog.Warn("hub: outbound queue full, evicting connection",
		"connection_id", m.ConnID,
		"participant_id", m.ParticipantID,
	)
	h.metrics.Evicted()
}

// LiveParticipant reports whether a connection currently holds participantID.
func (h *Hub) LiveParticipant(participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.participants[participantID]
	return ok
}

// MemberForParticipant returns the connection of participantID enrolled in sessionID.
func (h *Hub) MemberForParticipant(sessionID, participantID string) (*Member, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, m := range h.groups[sessionID] {
		if m.ParticipantID == participantID {
			return m, true
		}
	}
	return nil, false
}

type Stats struct {
	Connections int            `json:"connections"`
	Sessions    map[string]int `json:"sessions"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		Connections: len(h.members),
		Sessions:    make(map[string]int, len(h.groups)),
	}
	for sid, group := range h.groups {
		s.Sessions[sid] = len(group)
	}
	return s
}
