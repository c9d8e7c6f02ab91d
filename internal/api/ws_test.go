package api_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/planningpoker/internal/api"
	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/hub"
	"github.com/victornm/planningpoker/internal/protocol"
	"github.com/victornm/planningpoker/internal/store"
)

func TestWebSocket(t *testing.T) {
	f := makeFixture(t)
	srv := startServer(t, f)

	alice := dial(t, srv, "")
	aliceWelcome := welcome(t, alice)

	created := command[protocol.CreateSessionResponse](t, alice, "1", protocol.CommandCreateSession, protocol.CreateSessionRequest{Title: "sprint 12"})
	sid := created.SessionID
	command[protocol.JoinSessionResponse](t, alice, "2", protocol.CommandJoinSession, protocol.JoinSessionRequest{SessionID: sid, Name: "Alice"})

	bob := dial(t, srv, "p-bob")
	bobWelcome := welcome(t, bob)
	assert.Equal(t, "p-bob", bobWelcome.ParticipantID)

	joined := command[protocol.JoinSessionResponse](t, bob, "1", protocol.CommandJoinSession, protocol.JoinSessionRequest{SessionID: sid, Name: "Bob"})
	assert.Equal(t, "p-bob", joined.ParticipantID)

	e := event(t, alice)
	assert.Equal(t, domain.EventParticipantAdded{ParticipantID: "p-bob", DisplayName: "Bob"}, e)

	snapshot := command[protocol.ConnectToSessionResponse](t, bob, "2", protocol.CommandConnectToSession, protocol.SessionRequest{SessionID: sid})
	assert.Equal(t, "sprint 12", snapshot.Session.Title)
	assert.Equal(t, []domain.Participant{
		{ID: aliceWelcome.ParticipantID, Name: "Alice"},
		{ID: "p-bob", Name: "Bob"},
	}, snapshot.Session.Participants)

	command[struct{}](t, bob, "3", protocol.CommandUpdateSessionTitle, protocol.UpdateSessionTitleRequest{SessionID: sid, Title: "sprint 13"})
	assert.Equal(t, domain.EventTitleUpdated{Title: "sprint 13", ActorID: "p-bob"}, event(t, alice))

	t.Run("errors are replied to the request", func(t *testing.T) {
		send(t, bob, "4", protocol.CommandUpdateSessionTitle, protocol.UpdateSessionTitleRequest{SessionID: sid, Title: " "})
		reply := replyTo(t, bob, "4")
		require.Equal(t, protocol.FrameError, reply.Type)
		assert.Equal(t, "4", reply.RequestID)
		assert.True(t, errors.HasReason(reply.Error.Err(), errors.ReasonInvalidArgument))
	})

	t.Run("malformed frames are rejected without closing", func(t *testing.T) {
		require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{")))
		reply := replyTo(t, bob, "")
		require.Equal(t, protocol.FrameError, reply.Type)
		assert.Equal(t, errors.ReasonInvalidArgument, reply.Error.Reason)
	})

	t.Run("a dropped connection starts the resume window", func(t *testing.T) {
		require.NoError(t, bob.Close())

		require.NoError(t, f.clock.BlockUntilContext(context.Background(), 1))
		f.clock.Advance(resumeWindow)

		assert.Equal(t, domain.EventParticipantRemoved{ParticipantID: "p-bob"}, event(t, alice))
	})

	require.Eventually(t, func() bool { return f.hub.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_RelayedEventDuringSnapshot(t *testing.T) {
	f := makeFixture(t)

	remote := domain.EventTitleUpdated{Title: "sprint 13", ActorID: "p-remote"}
	relayed := make(chan struct{})
	s := &readHook{Store: f.store}
	s.after = func(sessionID string) {
		go func() {
			defer close(relayed)
			f.router.Deliver(hub.Notification{SessionID: sessionID, Event: remote}, "")
		}()

		select {
		case <-relayed:
		case <-time.After(50 * time.Millisecond):
		}
	}
	f.router = api.New(api.Config{Store: s, Hub: f.hub, Writes: f.writes, Clock: f.clock, ResumeWindow: resumeWindow})
	srv := startServer(t, f)

	alice := dial(t, srv, "")
	welcome(t, alice)
	created := command[protocol.CreateSessionResponse](t, alice, "1", protocol.CommandCreateSession, protocol.CreateSessionRequest{Title: "sprint 12"})

	send(t, alice, "2", protocol.CommandConnectToSession, protocol.SessionRequest{SessionID: created.SessionID})

	reply := read(t, alice)
	require.Equal(t, protocol.FrameResult, reply.Type, "the snapshot comes before the event it does not reflect")
	assert.Equal(t, "2", reply.RequestID)
	var snapshot protocol.ConnectToSessionResponse
	require.NoError(t, reply.Decode(&snapshot))
	assert.Equal(t, "sprint 12", snapshot.Session.Title)

	assert.Equal(t, remote, event(t, alice))
	<-relayed
}

// readHook runs after once the first session read returns.
type readHook struct {
	store.Store

	once  sync.Once
	after func(sessionID string)
}

func (h *readHook) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ss, err := h.Store.GetSession(ctx, sessionID)
	h.once.Do(func() { h.after(sessionID) })
	return ss, err
}

func startServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()

	gin.SetMode(gin.TestMode)
	e := gin.New()
	api.NewWebSocket(f.router, f.hub, nil, api.DefaultWebSocketConfig()).Register(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return srv
}

func dial(t *testing.T, srv *httptest.Server, participantID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/hub"
	if participantID != "" {
		url += "?participant_id=" + participantID
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f protocol.Frame
	require.NoError(t, conn.ReadJSON(&f))

	return f
}

func welcome(t *testing.T, conn *websocket.Conn) protocol.Welcome {
	t.Helper()

	f := read(t, conn)
	require.Equal(t, protocol.FrameWelcome, f.Type)
	var w protocol.Welcome
	require.NoError(t, f.Decode(&w))

	return w
}

func send(t *testing.T, conn *websocket.Conn, requestID, name string, payload any) {
	t.Helper()

	f, err := protocol.NewCommand(requestID, name, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))
}

// command sends a command and reads frames until its result arrives. Events
// read meanwhile are dropped.
func command[Resp any](t *testing.T, conn *websocket.Conn, requestID, name string, payload any) Resp {
	t.Helper()

	send(t, conn, requestID, name, payload)
	f := replyTo(t, conn, requestID)
	require.Equal(t, protocol.FrameResult, f.Type, "error: %v", f.Error)

	var resp Resp
	require.NoError(t, f.Decode(&resp))
	return resp
}

// replyTo skips events until the reply to requestID.
func replyTo(t *testing.T, conn *websocket.Conn, requestID string) protocol.Frame {
	t.Helper()

	for {
		f := read(t, conn)
		if f.Type != protocol.FrameEvent && f.RequestID == requestID {
			return f
		}
	}
}

func event(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()

	for {
		f := read(t, conn)
		if f.Type != protocol.FrameEvent {
			continue
		}
		e, err := f.Event()
		require.NoError(t, err)
		return e
	}
}
