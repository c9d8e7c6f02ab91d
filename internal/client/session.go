package client

import (
	"context"
	"strings"
	"sync"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/protocol"
)

// Requester is the connection a Session talks through; *Client implements it.
type Requester interface {
	Request(ctx context.Context, name string, req, resp any) error
	Sync(ctx context.Context, name string, req any, apply func(protocol.Frame) error) error
	ParticipantID() string
	Follow(sessionID string)
}

type SessionOptions struct {
	// Key seals the title and participant names. Nil sends them in clear.
	Key *Key
	// OnChange receives the projection after every visible change.
	OnChange func(Projection)
}

// Session holds the client's view of the session it has joined. The
// caller's own name and selection are applied before the server confirms
// them, because the server does not echo a participant's own changes.
type Session struct {
	r        Requester
	key      *Key
	onChange func(Projection)

	mu       sync.Mutex
	id       string
	name     string
	proj     Projection
	belay    int
	dirty    bool
	orphaned bool
}

var _ Handler = (*Session)(nil)

func NewSession(r Requester, o SessionOptions) *Session {
	return &Session{
		r:        r,
		key:      o.Key,
		onChange: o.OnChange,
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Projection() Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj
}

// Create opens a new session and joins it as name. Observers see one change
// once the session is loaded.
func (s *Session) Create(ctx context.Context, title string, points []string, name string) (string, error) {
	release := s.hold()
	defer release()

	sealed, err := s.seal("title", title)
	if err != nil {
		return "", err
	}

	var resp protocol.CreateSessionResponse
	if err := s.r.Request(ctx, protocol.CommandCreateSession, protocol.CreateSessionRequest{Title: sealed, Points: points}, &resp); err != nil {
		return "", err
	}

	if err := s.Join(ctx, resp.SessionID, name); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// Join enters the roster of sessionID as name and loads the session.
func (s *Session) Join(ctx context.Context, sessionID, name string) error {
	release := s.hold()
	defer release()

	sealed, err := s.seal("name", name)
	if err != nil {
		return err
	}

	if err := s.r.Request(ctx, protocol.CommandJoinSession, protocol.JoinSessionRequest{SessionID: sessionID, Name: sealed}, nil); err != nil {
		return err
	}

	s.mu.Lock()
	s.name = strings.TrimSpace(name)
	s.mu.Unlock()

	return s.Load(ctx, sessionID)
}

// Load replaces the local copy with the server's. Events that arrive after
// the snapshot are applied on top of it.
func (s *Session) Load(ctx context.Context, sessionID string) error {
	release := s.hold()
	defer release()

	s.r.Follow(sessionID)
	return s.r.Sync(ctx, protocol.CommandConnectToSession, protocol.SessionRequest{SessionID: sessionID}, func(f protocol.Frame) error {
		var resp protocol.ConnectToSessionResponse
		if err := f.Decode(&resp); err != nil {
			return err
		}
		s.install(sessionID, resp.Session)
		return nil
	})
}

func (s *Session) Leave(ctx context.Context) error {
	sid := s.ID()
	if err := s.r.Request(ctx, protocol.CommandDisconnectFromSession, protocol.SessionRequest{SessionID: sid}, nil); err != nil {
		return err
	}

	s.r.Follow("")
	s.update(func() {
		s.id, s.name = "", ""
		s.proj = Projection{}
	})
	return nil
}

func (s *Session) HandleEvent(sessionID string, e domain.Event) {
	s.mu.Lock()
	ours := sessionID == s.id
	s.mu.Unlock()
	if !ours {
		return
	}

	e = s.openEvent(e)
	s.update(func() {
		s.proj = s.proj.Apply(e)
	})
}

// Rehydrate installs the snapshot taken after a reconnect. If the roster
// entry was removed meanwhile, Resumed joins again under the last known name.
func (s *Session) Rehydrate(sessionID string, snapshot domain.Session) {
	s.mu.Lock()
	ours := sessionID == s.id
	s.mu.Unlock()
	if !ours {
		return
	}

	s.install(sessionID, snapshot)

	s.mu.Lock()
	_, present := s.proj.Self()
	s.orphaned = !present && s.name != ""
	s.mu.Unlock()
}

// Resumed rejoins when the rehydrated roster no longer had the caller.
func (s *Session) Resumed(ctx context.Context) error {
	s.mu.Lock()
	orphaned, sid, name := s.orphaned, s.id, s.name
	s.orphaned = false
	s.mu.Unlock()

	if !orphaned {
		return nil
	}
	return s.Join(ctx, sid, name)
}

// SelectPoints sets the caller's selection. An empty points clears it.
func (s *Session) SelectPoints(ctx context.Context, points string) error {
	points = strings.TrimSpace(points)

	var prev string
	s.update(func() {
		self, _ := s.proj.Self()
		prev = self.Points
		s.proj.Session = s.proj.Session.UpdateParticipant(s.proj.SelfID, func(p domain.Participant) domain.Participant {
			p.Points = points
			return p
		})
	})

	err := s.r.Request(ctx, protocol.CommandUpdateParticipantPoints, protocol.UpdateParticipantPointsRequest{
		SessionID: s.ID(),
		Points:    points,
	}, nil)
	if err != nil {
		s.revertSelf(func(p domain.Participant) domain.Participant {
			if p.Points == points {
				p.Points = prev
			}
			return p
		})
	}
	return err
}

func (s *Session) Rename(ctx context.Context, name string) error {
	sealed, err := s.seal("name", name)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)

	var prev string
	s.update(func() {
		self, _ := s.proj.Self()
		prev = self.Name
		s.proj.Session = s.proj.Session.UpdateParticipant(s.proj.SelfID, rename(name))
	})

	err = s.r.Request(ctx, protocol.CommandUpdateParticipantName, protocol.UpdateParticipantNameRequest{
		SessionID: s.ID(),
		Name:      sealed,
	}, nil)
	if err != nil {
		s.revertSelf(func(p domain.Participant) domain.Participant {
			if p.Name == name {
				p.Name = prev
			}
			return p
		})
		return err
	}

	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

func (s *Session) Reveal(ctx context.Context) error {
	return s.setState(ctx, domain.StateRevealed)
}

// Hide starts a new round. Every selection is cleared.
func (s *Session) Hide(ctx context.Context) error {
	return s.setState(ctx, domain.StateHidden)
}

func (s *Session) setState(ctx context.Context, state domain.State) error {
	return s.r.Request(ctx, protocol.CommandUpdateSessionState, protocol.UpdateSessionStateRequest{
		SessionID: s.ID(),
		State:     state,
	}, nil)
}

func (s *Session) SetTitle(ctx context.Context, title string) error {
	sealed, err := s.seal("title", title)
	if err != nil {
		return err
	}
	return s.r.Request(ctx, protocol.CommandUpdateSessionTitle, protocol.UpdateSessionTitleRequest{
		SessionID: s.ID(),
		Title:     sealed,
	}, nil)
}

func (s *Session) AddPoint(ctx context.Context, point string) error {
	return s.r.Request(ctx, protocol.CommandAddPoint, protocol.PointRequest{SessionID: s.ID(), Point: point}, nil)
}

func (s *Session) RemovePoint(ctx context.Context, point string) error {
	return s.r.Request(ctx, protocol.CommandRemovePoint, protocol.PointRequest{SessionID: s.ID(), Point: point}, nil)
}

func (s *Session) SendStar(ctx context.Context, participantID string) error {
	return s.r.Request(ctx, protocol.CommandSendStarToParticipant, protocol.SendStarRequest{
		SessionID:     s.ID(),
		ParticipantID: participantID,
	}, nil)
}

func (s *Session) install(sessionID string, snapshot domain.Session) {
	snapshot = s.openSession(snapshot)
	selfID := s.r.ParticipantID()

	s.update(func() {
		s.id = sessionID
		s.proj = Projection{Session: snapshot, SelfID: selfID}
	})
}

// revertSelf undoes an optimistic change unless something newer replaced it.
func (s *Session) revertSelf(fn func(domain.Participant) domain.Participant) {
	s.update(func() {
		s.proj.Session = s.proj.Session.UpdateParticipant(s.proj.SelfID, fn)
	})
}

// update applies fn and reports the change, unless a multi-step operation
// holds notifications back.
func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	notify := s.belay == 0
	if !notify {
		s.dirty = true
	}
	p := s.proj
	s.mu.Unlock()

	if notify && s.onChange != nil {
		s.onChange(p)
	}
}

// hold defers change notifications until the returned release is called.
// Holds nest; the outermost release reports one change if anything changed.
func (s *Session) hold() (release func()) {
	s.mu.Lock()
	s.belay++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.belay--
			fire := s.belay == 0 && s.dirty
			if fire {
				s.dirty = false
			}
			p := s.proj
			s.mu.Unlock()

			if fire && s.onChange != nil {
				s.onChange(p)
			}
		})
	}
}

func (s *Session) seal(field, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.InvalidArgument("%s must not be empty", field)
	}
	if s.key == nil {
		return text, nil
	}

	sealed, err := s.key.Seal(text)
	if err != nil {
		return "", errors.Internal(err)
	}
	return sealed, nil
}

func (s *Session) open(text string) string {
	if s.key == nil {
		return text
	}
	return s.key.Open(text)
}

func (s *Session) openSession(ss domain.Session) domain.Session {
	ss = ss.Clone()
	ss.Title = s.open(ss.Title)
	for i := range ss.Participants {
		ss.Participants[i].Name = s.open(ss.Participants[i].Name)
	}
	return ss
}

func (s *Session) openEvent(e domain.Event) domain.Event {
	if s.key == nil {
		return e
	}

	switch e := e.(type) {
	case domain.EventParticipantAdded:
		e.DisplayName = s.open(e.DisplayName)
		return e
	case domain.EventParticipantNameUpdated:
		e.DisplayName = s.open(e.DisplayName)
		return e
	case domain.EventTitleUpdated:
		e.Title = s.open(e.Title)
		return e
	case domain.EventStateUpdated:
		if e.Participants != nil {
			ps := make([]domain.Participant, len(e.Participants))
			for i, p := range e.Participants {
				p.Name = s.open(p.Name)
				ps[i] = p
			}
			e.Participants = ps
		}
		return e
	default:
		return e
	}
}
