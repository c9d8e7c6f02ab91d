package domain

import (
	"fmt"
	"slices"
	"strings"
)

// State controls whether participants' selections are shown.
type State int

const (
	StateHidden State = iota
	StateRevealed
)

func (s State) String() string {
	switch s {
	case StateHidden:
		return "Hidden"
	case StateRevealed:
		return "Revealed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func ParseState(s string) (State, error) {
	switch s {
	case "Hidden":
		return StateHidden, nil
	case "Revealed":
		return StateRevealed, nil
	default:
		return 0, fmt.Errorf("unknown session state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	if s != StateHidden && s != StateRevealed {
		return nil, fmt.Errorf("unknown session state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DefaultPoints are the point options a session gets when it is created without any.
var DefaultPoints = []string{"0.5", "1", "2", "3", "5", "8", "?"}

// Session is the shared unit of collaboration.
//
// Values are treated as immutable: every With* method returns a new Session
// and leaves the receiver untouched, so a snapshot can be handed to other
// goroutines without copying.
type Session struct {
	Title        string        `json:"title"`
	State        State         `json:"state"`
	Points       []string      `json:"points"`
	Participants []Participant `json:"participants"`
}

// Participant is one person's identity and current selection within a session.
// An empty Points means no selection.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points string `json:"points"`
	Stars  int    `json:"stars"`
}

// Participant returns the roster entry with the given id.
func (s Session) Participant(id string) (Participant, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return Participant{}, false
	}
	return s.Participants[i], true
}

func (s Session) indexOf(id string) int {
	return slices.IndexFunc(s.Participants, func(p Participant) bool { return p.ID == id })
}

func (s Session) WithTitle(title string) Session {
	s.Title = title
	return s
}

// WithState switches the visibility state. Moving into Hidden clears every selection.
func (s Session) WithState(state State) Session {
	s.State = state
	if state == StateHidden {
		s.Participants = mapParticipants(s.Participants, func(p Participant) Participant {
			p.Points = ""
			return p
		})
	}
	return s
}

// WithParticipant appends p, or replaces the entry with the same id in place.
func (s Session) WithParticipant(p Participant) Session {
	i := s.indexOf(p.ID)
	ps := slices.Clone(s.Participants)
	if i < 0 {
		ps = append(ps, p)
	} else {
		ps[i] = p
	}
	s.Participants = ps
	return s
}

// UpdateParticipant applies fn to the participant with the given id, if present.
func (s Session) UpdateParticipant(id string, fn func(Participant) Participant) Session {
	i := s.indexOf(id)
	if i < 0 {
		return s
	}
	ps := slices.Clone(s.Participants)
	ps[i] = fn(ps[i])
	s.Participants = ps
	return s
}

func (s Session) WithoutParticipant(id string) Session {
	if s.indexOf(id) < 0 {
		return s
	}
	s.Participants = slices.DeleteFunc(slices.Clone(s.Participants), func(p Participant) bool { return p.ID == id })
	return s
}

func (s Session) WithPoint(point string) Session {
	if slices.Contains(s.Points, point) {
		return s
	}
	s.Points = append(slices.Clone(s.Points), point)
	return s
}

func (s Session) WithoutPoint(point string) Session {
	if !slices.Contains(s.Points, point) {
		return s
	}
	s.Points = slices.DeleteFunc(slices.Clone(s.Points), func(p string) bool { return p == point })
	return s
}

// Masked returns the session as seen by viewerID: while hidden, every
// selection but the viewer's own is blanked.
func (s Session) Masked(viewerID string) Session {
	if s.State != StateHidden {
		return s
	}
	s.Participants = mapParticipants(s.Participants, func(p Participant) Participant {
		if p.ID != viewerID {
			p.Points = ""
		}
		return p
	})
	return s
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.Points = slices.Clone(s.Points)
	s.Participants = slices.Clone(s.Participants)
	return s
}

func mapParticipants(ps []Participant, fn func(Participant) Participant) []Participant {
	if ps == nil {
		return nil
	}
	out := make([]Participant, len(ps))
	for i, p := range ps {
		out[i] = fn(p)
	}
	return out
}

// NormalizePoints trims every option, drops blanks and duplicates, and keeps
// the first occurrence order.
func NormalizePoints(points []string) []string {
	out := make([]string, 0, len(points))
	for _, p := range points {
		p = strings.TrimSpace(p)
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
