package api

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/planningpoker/internal/async"
	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/hub"
	"github.com/victornm/planningpoker/internal/protocol"
	"github.com/victornm/planningpoker/internal/store"
	"github.com/victornm/planningpoker/internal/telemetry"
)

// DefaultResumeWindow is how long a participant whose connection dropped
// stays in the roster waiting for a reconnect.
const DefaultResumeWindow = 30 * time.Second

type Config struct {
	Store   store.Store
	Hub     *hub.Hub
	Writes  *async.Runner
	Clock   clockwork.Clock
	Metrics *telemetry.Metrics
	// ResumeWindow of zero removes participants as soon as their connection drops.
	ResumeWindow time.Duration
}

// Caller is the connection issuing a command.
type Caller struct {
	ConnID        string
	ParticipantID string
}

// Router executes session commands. Commands for one session are accepted
// one at a time, so their notifications leave in acceptance order. Store
// writes are scheduled on the runner and not awaited.
type Router struct {
	store        store.Store
	hub          *hub.Hub
	writes       *async.Runner
	clock        clockwork.Clock
	metrics      *telemetry.Metrics
	resumeWindow time.Duration

	sessions keyedMutex
	handlers map[string]handler

	mu      sync.Mutex
	pending map[string]*pendingRemoval
	states  map[string]pendingState
	seq     uint64
}

type pendingRemoval struct {
	timer clockwork.Timer
}

// pendingState is a state change accepted but not yet written.
type pendingState struct {
	state domain.State
	seq   uint64
}

func New(c Config) *Router {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	r := &Router{
		store:        c.Store,
		hub:          c.Hub,
		writes:       c.Writes,
		clock:        c.Clock,
		metrics:      c.Metrics,
		resumeWindow: c.ResumeWindow,
		pending:      make(map[string]*pendingRemoval),
		states:       make(map[string]pendingState),
	}

	r.handlers = map[string]handler{
		protocol.CommandCreateSession:           query(r.CreateSession),
		protocol.CommandJoinSession:             query(r.JoinSession),
		protocol.CommandConnectToSession:        held(r.connectToSession),
		protocol.CommandDisconnectFromSession:   exec(r.DisconnectFromSession),
		protocol.CommandUpdateParticipantName:   exec(r.UpdateParticipantName),
		protocol.CommandUpdateParticipantPoints: exec(r.UpdateParticipantPoints),
		protocol.CommandUpdateSessionState:      exec(r.UpdateSessionState),
		protocol.CommandUpdateSessionTitle:      exec(r.UpdateSessionTitle),
		protocol.CommandAddPoint:                exec(r.AddPoint),
		protocol.CommandRemovePoint:             exec(r.RemovePoint),
		protocol.CommandSendStarToParticipant:   exec(r.SendStarToParticipant),
		protocol.CommandMigrateParticipant:      exec(r.MigrateParticipant),
	}

	return r
}

func (r *Router) CreateSession(ctx context.Context, c Caller, req protocol.CreateSessionRequest) (*protocol.CreateSessionResponse, error) {
	title, err := required("title", req.Title)
	if err != nil {
		return nil, err
	}

	points := domain.NormalizePoints(req.Points)
	if len(points) == 0 {
		points = append([]string{}, domain.DefaultPoints...)
	}

	id, err := r.store.CreateSession(ctx, title, points)
	if err != nil {
		return nil, err
	}
	r.hub.Enroll(id, c.ConnID)

	return &protocol.CreateSessionResponse{SessionID: id}, nil
}

// JoinSession adds the caller to the roster, or renames it if a previous
// connection already put it there.
func (r *Router) JoinSession(ctx context.Context, c Caller, req protocol.JoinSessionRequest) (*protocol.JoinSessionResponse, error) {
	name, err := required("name", req.Name)
	if err != nil {
		return nil, err
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return nil, err
	}

	joined, err := r.inRoster(ctx, req.SessionID, c.ParticipantID)
	if err != nil {
		return nil, err
	}

	r.hub.Enroll(req.SessionID, c.ConnID)
	r.resume(req.SessionID, c.ParticipantID)

	sid, pid := req.SessionID, c.ParticipantID
	if joined {
		r.write(ctx, sid, "store.update_participant_name", func(ctx context.Context) error {
			return r.store.UpdateParticipantName(ctx, sid, pid, name)
		})
		r.broadcast(ctx, sid, domain.EventParticipantNameUpdated{ParticipantID: pid, DisplayName: name}, c.ConnID)
	} else {
		p := domain.Participant{ID: pid, Name: name}
		r.write(ctx, sid, "store.create_participant", func(ctx context.Context) error {
			return r.store.CreateParticipant(ctx, sid, p)
		})
		r.broadcast(ctx, sid, domain.EventParticipantAdded{ParticipantID: pid, DisplayName: name}, c.ConnID)
	}

	return &protocol.JoinSessionResponse{ParticipantID: pid}, nil
}

// ConnectToSession enrolls the caller and returns the session as the caller
// may see it, after this instance's pending writes for it have landed.
func (r *Router) ConnectToSession(ctx context.Context, c Caller, req protocol.SessionRequest) (*protocol.ConnectToSessionResponse, error) {
	resp, unlock, err := r.connectToSession(ctx, c, req)
	if err != nil {
		return nil, err
	}
	unlock()

	return resp, nil
}

// connectToSession returns holding the session lock on success.
func (r *Router) connectToSession(ctx context.Context, c Caller, req protocol.SessionRequest) (_ *protocol.ConnectToSessionResponse, unlock func(), err error) {
	unlock, err = r.lock(req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			unlock()
		}
	}()

	if err := r.writes.Flush(ctx, req.SessionID); err != nil {
		return nil, nil, err
	}

	ss, err := r.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}

	r.hub.Enroll(req.SessionID, c.ConnID)
	r.resume(req.SessionID, c.ParticipantID)

	return &protocol.ConnectToSessionResponse{Session: ss.Masked(c.ParticipantID)}, unlock, nil
}

func (r *Router) DisconnectFromSession(ctx context.Context, c Caller, req protocol.SessionRequest) error {
	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return err
	}

	r.hub.Withdraw(req.SessionID, c.ConnID)
	r.resume(req.SessionID, c.ParticipantID)

	return r.remove(ctx, req.SessionID, c.ParticipantID, c.ConnID)
}

func (r *Router) UpdateParticipantName(ctx context.Context, c Caller, req protocol.UpdateParticipantNameRequest) error {
	name, err := required("name", req.Name)
	if err != nil {
		return err
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return err
	}

	sid, pid := req.SessionID, c.ParticipantID
	r.write(ctx, sid, "store.update_participant_name", func(ctx context.Context) error {
		return r.store.UpdateParticipantName(ctx, sid, pid, name)
	})
	r.broadcast(ctx, sid, domain.EventParticipantNameUpdated{ParticipantID: pid, DisplayName: name}, c.ConnID)

	return nil
}

// UpdateParticipantPoints stores the selection. While the session is hidden
// the notification carries a blank selection.
func (r *Router) UpdateParticipantPoints(ctx context.Context, c Caller, req protocol.UpdateParticipantPointsRequest) error {
	points := strings.TrimSpace(req.Points)

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := r.state(ctx, req.SessionID)
	if err != nil {
		return err
	}

	sid, pid := req.SessionID, c.ParticipantID
	r.write(ctx, sid, "store.update_participant_points", func(ctx context.Context) error {
		return r.store.UpdateParticipantPoints(ctx, sid, pid, points)
	})

	visible := points
	if state == domain.StateHidden {
		visible = ""
	}
	r.broadcast(ctx, sid, domain.EventParticipantPointsUpdated{ParticipantID: pid, Points: visible}, c.ConnID)

	return nil
}

// UpdateSessionState hides or reveals selections. Hiding clears every
// selection for good. Revealing attaches the stored roster and its summary.
func (r *Router) UpdateSessionState(ctx context.Context, c Caller, req protocol.UpdateSessionStateRequest) error {
	if req.State != domain.StateHidden && req.State != domain.StateRevealed {
		return errors.InvalidArgument("unknown session state %d", int(req.State))
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return err
	}

	sid, state := req.SessionID, req.State
	seq := r.stateAccepted(sid, state)
	if state == domain.StateHidden {
		r.write(ctx, sid, "store.clear_participant_points", func(ctx context.Context) error {
			return r.store.ClearAllParticipantPoints(ctx, sid)
		})
	}
	r.write(ctx, sid, "store.update_session_state", func(ctx context.Context) error {
		defer r.stateWritten(sid, seq)
		return r.store.UpdateSessionState(ctx, sid, state)
	})

	e := domain.EventStateUpdated{State: state, ActorID: c.ParticipantID}
	if state == domain.StateRevealed {
		e.Participants, e.Summary = r.revealed(ctx, sid)
	}
	r.broadcast(ctx, sid, e, "")

	return nil
}

func (r *Router) revealed(ctx context.Context, sessionID string) ([]domain.Participant, *domain.Summary) {
	if err := r.writes.Flush(ctx, sessionID); err != nil {
		slog.WarnContext(ctx, "api: reveal without roster", "session_id", sessionID, "error", err)
		return nil, nil
	}

	ss, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.WarnContext(ctx, "api: reveal without roster", "session_id", sessionID, "error", err)
		return nil, nil
	}

	summary := domain.Summarize(ss.Participants)
	return ss.Participants, &summary
}

func (r *Router) UpdateSessionTitle(ctx context.Context, c Caller, req protocol.UpdateSessionTitleRequest) error {
	title, err := required("title", req.Title)
	if err != nil {
		return err
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return err
	}

	sid := req.SessionID
	r.write(ctx, sid, "store.update_session_title", func(ctx context.Context) error {
		return r.store.UpdateSessionTitle(ctx, sid, title)
	})
	r.broadcast(ctx, sid, domain.EventTitleUpdated{Title: title, ActorID: c.ParticipantID}, "")

	return nil
}

func (r *Router) AddPoint(ctx context.Context, c Caller, req protocol.PointRequest) error {
	point, err := required("point", req.Point)
	if err != nil {
		return err
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return err
	}

	sid := req.SessionID
	r.write(ctx, sid, "store.add_point", func(ctx context.Context) error {
		return r.store.AddPoint(ctx, sid, point)
	})
	r.broadcast(ctx, sid, domain.EventPointAdded{Point: point, ActorID: c.ParticipantID}, "")

	return nil
}

func (r *Router) RemovePoint(ctx context.Context, c Caller, req protocol.PointRequest) error {
	point, err := required("point", req.Point)
	if err != nil {
		return err
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return err
	}

	sid := req.SessionID
	r.write(ctx, sid, "store.remove_point", func(ctx context.Context) error {
		return r.store.RemovePoint(ctx, sid, point)
	})
	r.broadcast(ctx, sid, domain.EventPointRemoved{Point: point, ActorID: c.ParticipantID}, "")

	return nil
}

func (r *Router) SendStarToParticipant(ctx context.Context, c Caller, req protocol.SendStarRequest) error {
	target, err := required("participant_id", req.ParticipantID)
	if err != nil {
		return err
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.mustExist(ctx, req.SessionID); err != nil {
		return err
	}

	ok, err := r.inRoster(ctx, req.SessionID, target)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ParticipantNotFound(req.SessionID, target)
	}

	sid := req.SessionID
	r.write(ctx, sid, "store.increment_participant_stars", func(ctx context.Context) error {
		return r.store.IncrementParticipantStars(ctx, sid, target, 1)
	})
	r.broadcast(ctx, sid, domain.EventStarSentToParticipant{ParticipantID: target, ActorID: c.ParticipantID}, "")

	return nil
}

// MigrateParticipant moves the roster entry of a previous connection to the
// caller's participant id, keeping its name, selection, stars and position.
func (r *Router) MigrateParticipant(ctx context.Context, c Caller, req protocol.MigrateParticipantRequest) error {
	prev, err := required("previous_participant_id", req.PreviousParticipantID)
	if err != nil {
		return err
	}
	if prev == c.ParticipantID {
		return errors.InvalidArgument("participant %s cannot migrate to itself", prev)
	}

	unlock, err := r.lock(req.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.writes.Flush(ctx, req.SessionID); err != nil {
		return err
	}

	if err := r.store.MigrateParticipantID(ctx, req.SessionID, prev, c.ParticipantID); err != nil {
		return err
	}

	r.hub.Enroll(req.SessionID, c.ConnID)
	r.resume(req.SessionID, prev)
	r.resume(req.SessionID, c.ParticipantID)
	r.broadcast(ctx, req.SessionID, domain.EventParticipantMigrated{
		OldParticipantID: prev,
		NewParticipantID: c.ParticipantID,
	}, c.ConnID)

	return nil
}

// Disconnected handles transport loss. The participant keeps its roster
// entry for the resume window in every session it had joined through this
// connection, unless another of its connections is still enrolled.
func (r *Router) Disconnected(c Caller) {
	for _, sid := range r.hub.Unregister(c.ConnID) {
		if _, ok := r.hub.MemberForParticipant(sid, c.ParticipantID); ok {
			continue
		}

		if r.resumeWindow <= 0 {
			r.expire(sid, c.ParticipantID, nil)
			continue
		}
		r.suspend(sid, c.ParticipantID)
	}
}

func (r *Router) suspend(sessionID, participantID string) {
	key := removalKey(sessionID, participantID)
	p := &pendingRemoval{}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.pending[key]; ok {
		old.timer.Stop()
	}
	p.timer = r.clock.AfterFunc(r.resumeWindow, func() {
		r.expire(sessionID, participantID, p)
	})
	r.pending[key] = p
}

// resume cancels a pending removal.
func (r *Router) resume(sessionID, participantID string) {
	key := removalKey(sessionID, participantID)

	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
		p.timer.Stop()
	}
	r.mu.Unlock()

	if ok {
		r.metrics.Resume("resumed")
	}
}

// expire removes a participant whose resume window ran out. p is the removal
// that fired, nil for an immediate removal.
func (r *Router) expire(sessionID, participantID string, p *pendingRemoval) {
	ctx := context.Background()

	unlock := r.sessions.Lock(sessionID)
	defer unlock()

	if p != nil {
		key := removalKey(sessionID, participantID)
		r.mu.Lock()
		current := r.pending[key] == p
		if current {
			delete(r.pending, key)
		}
		r.mu.Unlock()

		if !current {
			return
		}
		r.metrics.Resume("expired")
	}

	if _, ok := r.hub.MemberForParticipant(sessionID, participantID); ok {
		return
	}

	if err := r.remove(ctx, sessionID, participantID, ""); err != nil {
		slog.ErrorContext(ctx, "api: remove participant failed",
			"session_id", sessionID,
			"participant_id", participantID,
			"error", err,
		)
	}
}

// remove deletes a participant that is in the roster and tells the group.
// Callers hold the session lock.
func (r *Router) remove(ctx context.Context, sessionID, participantID, excludeConnID string) error {
	ok, err := r.inRoster(ctx, sessionID, participantID)
	if err != nil || !ok {
		return err
	}

	r.write(ctx, sessionID, "store.delete_participant", func(ctx context.Context) error {
		return r.store.DeleteParticipant(ctx, sessionID, participantID)
	})
	r.broadcast(ctx, sessionID, domain.EventParticipantRemoved{ParticipantID: participantID}, excludeConnID)

	return nil
}

// lock takes the session's command lock. Ids that cannot have been generated
// are not found without reaching the store, where they could alias the keys
// of another session.
func (r *Router) lock(sessionID string) (unlock func(), err error) {
	if !store.ValidSessionID(sessionID) {
		return nil, errors.SessionNotFound(sessionID)
	}
	return r.sessions.Lock(sessionID), nil
}

func (r *Router) mustExist(ctx context.Context, sessionID string) error {
	ok, err := r.store.SessionExists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.SessionNotFound(sessionID)
	}
	return nil
}

// inRoster reads participant existence after this instance's pending writes
// for the session have landed.
func (r *Router) inRoster(ctx context.Context, sessionID, participantID string) (bool, error) {
	if err := r.writes.Flush(ctx, sessionID); err != nil {
		return false, err
	}
	return r.store.ParticipantExists(ctx, sessionID, participantID)
}

// state prefers a state change this instance accepted but has not written yet.
func (r *Router) state(ctx context.Context, sessionID string) (domain.State, error) {
	r.mu.Lock()
	ps, ok := r.states[sessionID]
	r.mu.Unlock()

	if ok {
		if err := r.mustExist(ctx, sessionID); err != nil {
			return 0, err
		}
		return ps.state, nil
	}

	return r.store.GetSessionState(ctx, sessionID)
}

func (r *Router) stateAccepted(sessionID string, state domain.State) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.states[sessionID] = pendingState{state: state, seq: r.seq}
	return r.seq
}

func (r *Router) stateWritten(sessionID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ps, ok := r.states[sessionID]; ok && ps.seq == seq {
		delete(r.states, sessionID)
	}
}

func (r *Router) write(ctx context.Context, sessionID, name string, fn async.Task) {
	r.writes.Go(ctx, sessionID, name, fn)
}

// Deliver hands a notification relayed from another instance to the local
// group, after the command the session is running.
func (r *Router) Deliver(n hub.Notification, excludeConnID string) {
	unlock := r.sessions.Lock(n.SessionID)
	defer unlock()

	r.hub.Deliver(n, excludeConnID)
}

func (r *Router) broadcast(ctx context.Context, sessionID string, e domain.Event, excludeConnID string) {
	r.hub.Broadcast(ctx, hub.Notification{SessionID: sessionID, Event: e}, excludeConnID)
}

func required(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.InvalidArgument("%s must not be empty", field)
	}
	return v, nil
}

func removalKey(sessionID, participantID string) string {
	return sessionID + "/" + participantID
}
