package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
)

type MemoryConfig struct {
	Clock clockwork.Clock
	// TTL counted from session creation. Zero disables expiry.
	TTL   time.Duration
	NewID func() string
}

// MemoryStore keeps sessions in process memory. It is meant for single
// instance deployments and tests; each instance is independent.
type MemoryStore struct {
	clock clockwork.Clock
	ttl   time.Duration
	newID func() string

	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	session   domain.Session
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(c MemoryConfig) *MemoryStore {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.NewID == nil {
		c.NewID = NewSessionID
	}

	return &MemoryStore{
		clock:    c.Clock,
		ttl:      c.TTL,
		newID:    c.NewID,
		sessions: make(map[string]*memorySession),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, title string, points []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range maxCreateAttempts {
		id := s.newID()
		if _, ok := s.lookup(id); ok {
			continue
		}

		ms := &memorySession{
			session: domain.Session{
				Title:        title,
				State:        domain.StateHidden,
				Points:       append([]string{}, points...),
				Participants: []domain.Participant{},
			},
		}
		if s.ttl > 0 {
			ms.expiresAt = s.clock.Now().Add(s.ttl)
		}
		s.sessions[id] = ms
		return id, nil
	}

	return "", errors.Internal(fmt.Errorf("create session: no free id after %d attempts", maxCreateAttempts))
}

func (s *MemoryStore) SessionExists(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.lookup(sessionID)
	return ok, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lookup(sessionID)
	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}

	ss := ms.session.Clone()
	return &ss, nil
}

func (s *MemoryStore) GetSessionState(_ context.Context, sessionID string) (domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lookup(sessionID)
	if !ok {
		return 0, errors.SessionNotFound(sessionID)
	}

	return ms.session.State, nil
}

func (s *MemoryStore) ParticipantExists(_ context.Context, sessionID, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lookup(sessionID)
	if !ok {
		return false, nil
	}

	_, ok = ms.session.Participant(participantID)
	return ok, nil
}

func (s *MemoryStore) CreateParticipant(_ context.Context, sessionID string, p domain.Participant) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		return ss.WithParticipant(p), nil
	})
}

func (s *MemoryStore) DeleteParticipant(_ context.Context, sessionID, participantID string) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		return ss.WithoutParticipant(participantID), nil
	})
}

func (s *MemoryStore) MigrateParticipantID(_ context.Context, sessionID, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.lookup(sessionID)
	if !ok {
		return errors.SessionNotFound(sessionID)
	}
	if _, ok := ms.session.Participant(oldID); !ok {
		return errors.ParticipantNotFound(sessionID, oldID)
	}

	ms.session = ms.session.WithoutParticipant(newID).UpdateParticipant(oldID, func(p domain.Participant) domain.Participant {
		p.ID = newID
		return p
	})
	return nil
}

func (s *MemoryStore) UpdateParticipantName(_ context.Context, sessionID, participantID, name string) error {
	return s.updateParticipant(sessionID, participantID, func(p domain.Participant) domain.Participant {
		p.Name = name
		return p
	})
}

func (s *MemoryStore) UpdateParticipantPoints(_ context.Context, sessionID, participantID, points string) error {
	return s.updateParticipant(sessionID, participantID, func(p domain.Participant) domain.Participant {
		p.Points = points
		return p
	})
}

func (s *MemoryStore) IncrementParticipantStars(_ context.Context, sessionID, participantID string, n int) error {
	return s.updateParticipant(sessionID, participantID, func(p domain.Participant) domain.Participant {
		p.Stars += n
		return p
	})
}

func (s *MemoryStore) ClearAllParticipantPoints(_ context.Context, sessionID string) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		for _, p := range ss.Participants {
			ss = ss.UpdateParticipant(p.ID, func(p domain.Participant) domain.Participant {
				p.Points = ""
				return p
			})
		}
		return ss, nil
	})
}

func (s *MemoryStore) UpdateSessionState(_ context.Context, sessionID string, state domain.State) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		ss.State = state
		return ss, nil
	})
}

func (s *MemoryStore) UpdateSessionTitle(_ context.Context, sessionID, title string) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		return ss.WithTitle(title), nil
	})
}

func (s *MemoryStore) AddPoint(_ context.Context, sessionID, point string) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		return ss.WithPoint(point), nil
	})
}

func (s *MemoryStore) RemovePoint(_ context.Context, sessionID, point string) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		return ss.WithoutPoint(point), nil
	})
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.sessions)
	return nil
}

func (s *MemoryStore) updateParticipant(sessionID, participantID string, fn func(domain.Participant) domain.Participant) error {
	return s.update(sessionID, func(ss domain.Session) (domain.Session, error) {
		return ss.UpdateParticipant(participantID, fn), nil
	})
}

// update applies fn to a live session. Missing sessions are a no-op.
func (s *MemoryStore) update(sessionID string, fn func(domain.Session) (domain.Session, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.lookup(sessionID)
	if !ok {
		return nil
	}

	ss, err := fn(ms.session)
	if err != nil {
		return err
	}
	ms.session = ss
	return nil
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(sessionID string) (*memorySession, bool) {
	ms, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if !ms.expiresAt.IsZero() && !s.clock.Now().Before(ms.expiresAt) {
		return nil, false
	}
	return ms, true
}
