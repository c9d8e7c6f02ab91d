package domain

import (
	"encoding/json"
	"fmt"
)

const (
	EventNameParticipantAdded         = "ParticipantAdded"
	EventNameParticipantNameUpdated   = "ParticipantNameUpdated"
	EventNameParticipantPointsUpdated = "ParticipantPointsUpdated"
	EventNameParticipantRemoved       = "ParticipantRemoved"
	EventNameParticipantMigrated      = "ParticipantMigrated"
	EventNamePointAdded               = "PointAdded"
	EventNamePointRemoved             = "PointRemoved"
	EventNameStarSentToParticipant    = "StarSentToParticipant"
	EventNameStateUpdated             = "StateUpdated"
	EventNameTitleUpdated             = "TitleUpdated"
)

// Event is a change notification pushed to the members of a session.
// The set of implementations is closed to this package.
type Event interface {
	Name() string
	sessionEvent()
}

type EventParticipantAdded struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"name"`
}

type EventParticipantNameUpdated struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"name"`
}

type EventParticipantPointsUpdated struct {
	ParticipantID string `json:"participant_id"`
	Points        string `json:"points"`
}

type EventParticipantRemoved struct {
	ParticipantID string `json:"participant_id"`
}

// EventParticipantMigrated renames a roster entry after its owner came back
// on a connection with a different identity.
type EventParticipantMigrated struct {
	OldParticipantID string `json:"old_participant_id"`
	NewParticipantID string `json:"new_participant_id"`
}

type EventPointAdded struct {
	Point   string `json:"point"`
	ActorID string `json:"actor_id,omitempty"`
}

type EventPointRemoved struct {
	Point   string `json:"point"`
	ActorID string `json:"actor_id,omitempty"`
}

type EventStarSentToParticipant struct {
	ParticipantID string `json:"participant_id"`
	ActorID       string `json:"actor_id,omitempty"`
}

// EventStateUpdated carries the authoritative roster and its summary when the
// session is revealed; both are empty when it is hidden.
type EventStateUpdated struct {
	State        State         `json:"state"`
	ActorID      string        `json:"actor_id,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Summary      *Summary      `json:"summary,omitempty"`
}

type EventTitleUpdated struct {
	Title   string `json:"title"`
	ActorID string `json:"actor_id,omitempty"`
}

func (EventParticipantAdded) Name() string         { return EventNameParticipantAdded }
func (EventParticipantNameUpdated) Name() string   { return EventNameParticipantNameUpdated }
func (EventParticipantPointsUpdated) Name() string { return EventNameParticipantPointsUpdated }
func (EventParticipantRemoved) Name() string       { return EventNameParticipantRemoved }
func (EventParticipantMigrated) Name() string      { return EventNameParticipantMigrated }
func (EventPointAdded) Name() string               { return EventNamePointAdded }
func (EventPointRemoved) Name() string             { return EventNamePointRemoved }
func (EventStarSentToParticipant) Name() string    { return EventNameStarSentToParticipant }
func (EventStateUpdated) Name() string             { return EventNameStateUpdated }
func (EventTitleUpdated) Name() string             { return EventNameTitleUpdated }

func (EventParticipantAdded) sessionEvent()         {}
func (EventParticipantNameUpdated) sessionEvent()   {}
func (EventParticipantPointsUpdated) sessionEvent() {}
func (EventParticipantRemoved) sessionEvent()       {}
func (EventParticipantMigrated) sessionEvent()      {}
func (EventPointAdded) sessionEvent()               {}
func (EventPointRemoved) sessionEvent()             {}
func (EventStarSentToParticipant) sessionEvent()    {}
func (EventStateUpdated) sessionEvent()             {}
func (EventTitleUpdated) sessionEvent()             {}

// DecodeEvent rebuilds an event from its name and JSON payload.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch name {
	case EventNameParticipantAdded:
		return decode[EventParticipantAdded](data)
	case EventNameParticipantNameUpdated:
		return decode[EventParticipantNameUpdated](data)
	case EventNameParticipantPointsUpdated:
		return decode[EventParticipantPointsUpdated](data)
	case EventNameParticipantRemoved:
		return decode[EventParticipantRemoved](data)
	case EventNameParticipantMigrated:
		return decode[EventParticipantMigrated](data)
	case EventNamePointAdded:
		return decode[EventPointAdded](data)
	case EventNamePointRemoved:
		return decode[EventPointRemoved](data)
	case EventNameStarSentToParticipant:
		return decode[EventStarSentToParticipant](data)
	case EventNameStateUpdated:
		return decode[EventStateUpdated](data)
	case EventNameTitleUpdated:
		return decode[EventTitleUpdated](data)
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

func decode[E Event](data []byte) (Event, error) {
	var e E
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
	}
	return e, nil
}
