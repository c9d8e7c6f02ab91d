package store

import (
	"fmt"
	"strconv"

	"github.com/victornm/planningpoker/internal/domain"
)

// Field names of the persisted layout.
const (
	FieldTitle  = "title"
	FieldState  = "state"
	FieldName   = "name"
	FieldPoints = "points"
	FieldStars  = "stars"
)

// Records is the store-agnostic persisted layout of one session: a header
// record, the ordered roster of participant ids, one record per participant
// and the ordered point options.
type Records struct {
	Header       map[string]string
	Roster       []string
	Participants map[string]map[string]string
	Points       []string
}

func EncodeRecords(s domain.Session) Records {
	r := Records{
		Header:       EncodeHeader(s.Title, s.State),
		Roster:       make([]string, 0, len(s.Participants)),
		Participants: make(map[string]map[string]string, len(s.Participants)),
		Points:       append([]string{}, s.Points...),
	}

	for _, p := range s.Participants {
		r.Roster = append(r.Roster, p.ID)
		r.Participants[p.ID] = EncodeParticipant(p)
	}

	return r
}

func EncodeHeader(title string, state domain.State) map[string]string {
	return map[string]string{
		FieldTitle: title,
		FieldState: state.String(),
	}
}

func EncodeParticipant(p domain.Participant) map[string]string {
	return map[string]string{
		FieldName:   p.Name,
		FieldPoints: p.Points,
		FieldStars:  strconv.Itoa(p.Stars),
	}
}

// DecodeRecords rebuilds a session. Roster entries without a participant
// record are skipped: the roster and the records are written separately and
// may briefly disagree.
func DecodeRecords(r Records) (domain.Session, error) {
	s := domain.Session{
		Title:        r.Header[FieldTitle],
		Points:       append([]string{}, r.Points...),
		Participants: make([]domain.Participant, 0, len(r.Roster)),
	}

	if v, ok := r.Header[FieldState]; ok {
		state, err := domain.ParseState(v)
		if err != nil {
			return domain.Session{}, err
		}
		s.State = state
	}

	for _, id := range r.Roster {
		rec, ok := r.Participants[id]
		if !ok || len(rec) == 0 {
			continue
		}

		p, err := DecodeParticipant(id, rec)
		if err != nil {
			return domain.Session{}, err
		}
		s.Participants = append(s.Participants, p)
	}

	return s, nil
}

func DecodeParticipant(id string, rec map[string]string) (domain.Participant, error) {
	p := domain.Participant{
		ID:     id,
		Name:   rec[FieldName],
		Points: rec[FieldPoints],
	}

	if v := rec[FieldStars]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return domain.Participant{}, fmt.Errorf("participant %s: stars: %w", id, err)
		}
		p.Stars = n
	}

	return p, nil
}
