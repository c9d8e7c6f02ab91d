package client

import (
	"slices"

	"github.com/victornm/planningpoker/internal/domain"
)

// Projection is the client's copy of one session plus who "self" is.
type Projection struct {
	Session domain.Session
	SelfID  string
}

func (p Projection) Self() (domain.Participant, bool) {
	return p.Session.Participant(p.SelfID)
}

// Others is the roster without self, in join order.
func (p Projection) Others() []domain.Participant {
	others := make([]domain.Participant, 0, len(p.Session.Participants))
	for _, pt := range p.Session.Participants {
		if pt.ID != p.SelfID {
			others = append(others, pt)
		}
	}
	return others
}

// Apply folds one event into the projection. Replaying an event is harmless
// except for stars, which add up.
func (p Projection) Apply(e domain.Event) Projection {
	s := p.Session

	switch e := e.(type) {
	case domain.EventParticipantAdded:
		if _, ok := s.Participant(e.ParticipantID); ok {
			s = s.UpdateParticipant(e.ParticipantID, rename(e.DisplayName))
		} else {
			s = s.WithParticipant(domain.Participant{ID: e.ParticipantID, Name: e.DisplayName})
		}

	case domain.EventParticipantNameUpdated:
		s = s.UpdateParticipant(e.ParticipantID, rename(e.DisplayName))

	case domain.EventParticipantPointsUpdated:
		s = s.UpdateParticipant(e.ParticipantID, func(pt domain.Participant) domain.Participant {
			pt.Points = e.Points
			return pt
		})

	case domain.EventParticipantRemoved:
		s = s.WithoutParticipant(e.ParticipantID)

	case domain.EventParticipantMigrated:
		if _, ok := s.Participant(e.OldParticipantID); ok {
			s = s.WithoutParticipant(e.NewParticipantID)
			s = s.UpdateParticipant(e.OldParticipantID, func(pt domain.Participant) domain.Participant {
				pt.ID = e.NewParticipantID
				return pt
			})
		}
		if p.SelfID == e.OldParticipantID {
			p.SelfID = e.NewParticipantID
		}

	case domain.EventPointAdded:
		s = s.WithPoint(e.Point)

	case domain.EventPointRemoved:
		s = s.WithoutPoint(e.Point)

	case domain.EventStarSentToParticipant:
		s = s.UpdateParticipant(e.ParticipantID, func(pt domain.Participant) domain.Participant {
			pt.Stars++
			return pt
		})

	case domain.EventStateUpdated:
		s = s.WithState(e.State)
		if e.State == domain.StateRevealed && e.Participants != nil {
			s.Participants = slices.Clone(e.Participants)
		}

	case domain.EventTitleUpdated:
		s = s.WithTitle(e.Title)
	}

	p.Session = s
	return p
}

func rename(name string) func(domain.Participant) domain.Participant {
	return func(pt domain.Participant) domain.Participant {
		pt.Name = name
		return pt
	}
}
