package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/planningpoker/internal/domain"
)

const (
	// DefaultTTL bounds how long session-scoped records live after creation.
	DefaultTTL = 24 * time.Hour

	maxCreateAttempts = 16
)

// Store holds shared session state. Implementations must be safe for
// concurrent use. Concurrent writes to the same field are last-writer-wins;
// only CreateSession is conditional.
//
// Updates addressed to a session or participant that no longer exists are
// no-ops, so a late background write never resurrects a deleted or expired
// record.
type Store interface {
	// CreateSession inserts a new session under a fresh id and returns the id.
	CreateSession(ctx context.Context, title string, points []string) (string, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	// GetSession reads header, points and roster. The parts may be read
	// independently, so the result is not guaranteed to be a snapshot.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetSessionState(ctx context.Context, sessionID string) (domain.State, error)
	ParticipantExists(ctx context.Context, sessionID, participantID string) (bool, error)

	CreateParticipant(ctx context.Context, sessionID string, p domain.Participant) error
	DeleteParticipant(ctx context.Context, sessionID, participantID string) error
	// MigrateParticipantID moves a participant record to a new id, keeping
	// its fields and its position in the roster.
	MigrateParticipantID(ctx context.Context, sessionID, oldID, newID string) error
	UpdateParticipantName(ctx context.Context, sessionID, participantID, name string) error
	UpdateParticipantPoints(ctx context.Context, sessionID, participantID, points string) error
	IncrementParticipantStars(ctx context.Context, sessionID, participantID string, n int) error
	ClearAllParticipantPoints(ctx context.Context, sessionID string) error

	UpdateSessionState(ctx context.Context, sessionID string, state domain.State) error
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
	AddPoint(ctx context.Context, sessionID, point string) error
	RemovePoint(ctx context.Context, sessionID, point string) error

	Close() error
}

// NewSessionID returns a short random session id: the first group of a v4 UUID.
func NewSessionID() string {
	id, _, _ := strings.Cut(uuid.NewString(), "-")
	return id
}

// ValidSessionID reports whether id has the shape NewSessionID produces:
// eight lowercase hex digits.
func ValidSessionID(id string) bool {
	if len(id) != 8 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
