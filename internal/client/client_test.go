package client_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/planningpoker/internal/api"
	"github.com/victornm/planningpoker/internal/async"
	"github.com/victornm/planningpoker/internal/client"
	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/hub"
	"github.com/victornm/planningpoker/internal/store"
)

func TestClient_Collaboration(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)

	alice, aliceC := connect(t, srv, nil)
	id, err := alice.Create(ctx, "sprint 12", []string{"1", "2", "3"}, "Alice")
	require.NoError(t, err)

	bob, bobC := connect(t, srv, nil)
	require.NoError(t, bob.Join(ctx, id, "Bob"))

	require.Eventually(t, func() bool { return len(alice.Projection().Others()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.Participant{{ID: bobC.ParticipantID(), Name: "Bob"}}, alice.Projection().Others())

	require.NoError(t, bob.SelectPoints(ctx, "3"))
	self, _ := bob.Projection().Self()
	assert.Equal(t, "3", self.Points, "own selection shows at once")

	require.NoError(t, alice.SelectPoints(ctx, "2"))
	require.NoError(t, alice.Reveal(ctx))

	require.Eventually(t, func() bool {
		return bob.Projection().Session.State == domain.StateRevealed && len(alice.Projection().Others()) == 1 &&
			alice.Projection().Others()[0].Points == "3"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.Participant{{ID: aliceC.ParticipantID(), Name: "Alice", Points: "2"}}, bob.Projection().Others())

	require.NoError(t, bob.Rename(ctx, "Robert"))
	require.NoError(t, bob.SendStar(ctx, aliceC.ParticipantID()))
	require.NoError(t, alice.Hide(ctx))

	require.Eventually(t, func() bool {
		self, _ := bob.Projection().Self()
		others := alice.Projection().Others()
		return len(others) == 1 && others[0].Name == "Robert" && self.Points == "" &&
			bob.Projection().Session.State == domain.StateHidden &&
			alice.Projection().Session.State == domain.StateHidden
	}, time.Second, 10*time.Millisecond)

	aliceSelf, _ := alice.Projection().Self()
	assert.Equal(t, 1, aliceSelf.Stars)
	assert.Empty(t, aliceSelf.Points)

	require.NoError(t, bob.Leave(ctx))
	require.Eventually(t, func() bool { return len(alice.Projection().Others()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestClient_SealedSession(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)

	key, err := client.NewKey()
	require.NoError(t, err)

	alice, _ := connect(t, srv, &key)
	id, err := alice.Create(ctx, "sprint 12", nil, "Alice")
	require.NoError(t, err)

	stored, err := srv.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, "sprint 12", stored.Title)
	assert.NotEqual(t, "Alice", stored.Participants[0].Name)

	link := client.Link("https://poker.example.com", id, &key)
	sid, shared, err := client.ParseLink(link)
	require.NoError(t, err)

	bob, _ := connect(t, srv, shared)
	require.NoError(t, bob.Join(ctx, sid, "Bob"))

	p := bob.Projection()
	assert.Equal(t, "sprint 12", p.Session.Title)
	assert.Equal(t, "Alice", p.Others()[0].Name)

	require.Eventually(t, func() bool {
		others := alice.Projection().Others()
		return len(others) == 1 && others[0].Name == "Bob"
	}, time.Second, 10*time.Millisecond)
}

func TestClient_Reconnect(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	clock := clockwork.NewFakeClock()

	var statuses statusLog
	alice, aliceC := connect(t, srv, nil,
		client.Clock(clock),
		client.ReconnectWait(time.Second),
		client.StatusHandler(statuses.record),
	)
	id, err := alice.Create(ctx, "sprint 12", nil, "Alice")
	require.NoError(t, err)
	require.NoError(t, alice.SelectPoints(ctx, "5"))

	bob, _ := connect(t, srv, nil)
	require.NoError(t, bob.Join(ctx, id, "Bob"))

	aliceC.DropConnection()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, client.StatusReconnecting, aliceC.Status(), "the drop is visible")
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return aliceC.Status() == client.StatusConnected }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []client.Status{
		client.StatusConnecting,
		client.StatusConnected,
		client.StatusReconnecting,
		client.StatusConnected,
	}, statuses.all())

	// Whether the server kept the id or handed out a new one, the roster
	// entry survives with its selection.
	require.NoError(t, srv.writes.Flush(ctx, id))
	stored, err := srv.store.GetSession(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored.Participants, 2)
	assert.Equal(t, aliceC.ParticipantID(), stored.Participants[0].ID)
	assert.Equal(t, "5", stored.Participants[0].Points)

	self, ok := alice.Projection().Self()
	require.True(t, ok)
	assert.Equal(t, "Alice", self.Name)
	assert.Equal(t, "5", self.Points)

	require.Eventually(t, func() bool {
		others := bob.Projection().Others()
		return len(others) == 1 && others[0].ID == aliceC.ParticipantID()
	}, time.Second, 10*time.Millisecond)
}

func TestClient_GivesUp(t *testing.T) {
	srv := startServer(t)

	var statuses statusLog
	closed := make(chan struct{})
	_, c := connect(t, srv, nil,
		client.MaxReconnects(0),
		client.StatusHandler(statuses.record),
		client.ClosedHandler(func(*client.Client) { close(closed) }),
	)

	c.DropConnection()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closed handler not called")
	}
	assert.Equal(t, []client.Status{
		client.StatusConnecting,
		client.StatusConnected,
		client.StatusReconnecting,
		client.StatusDisconnected,
	}, statuses.all())

	err := c.Request(context.Background(), "CreateSession", nil, nil)
	assert.ErrorIs(t, err, client.ErrNotConnected)
}

func TestClient_RetainedParticipantID(t *testing.T) {
	srv := startServer(t)

	_, c := connect(t, srv, nil, client.ParticipantID("p-alice"))
	assert.Equal(t, "p-alice", c.ParticipantID())

	_, other := connect(t, srv, nil, client.ParticipantID("p-alice"))
	assert.NotEqual(t, "p-alice", other.ParticipantID(), "a live connection keeps its id")

	require.NoError(t, c.Close())
	assert.Equal(t, client.StatusDisconnected, c.Status())
}

type testServer struct {
	url    string
	store  store.Store
	writes *async.Runner
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	w := async.NewRunner(async.Config{})
	h := hub.New(hub.Config{Writes: w})
	st := store.NewMemoryStore(store.MemoryConfig{})
	r := api.New(api.Config{Store: st, Hub: h, Writes: w, ResumeWindow: api.DefaultResumeWindow})

	gin.SetMode(gin.TestMode)
	e := gin.New()
	api.NewWebSocket(r, h, nil, api.DefaultWebSocketConfig()).Register(e)

	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		w.Stop()
	})

	return &testServer{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/hub",
		store:  st,
		writes: w,
	}
}

func connect(t *testing.T, srv *testServer, key *client.Key, opts ...client.Option) (*client.Session, *client.Client) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Connect(ctx, srv.url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	s := client.NewSession(c, client.SessionOptions{Key: key})
	c.Handle(s)

	return s, c
}

type statusLog struct {
	mu       sync.Mutex
	statuses []client.Status
}

func (l *statusLog) record(s client.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) all() []client.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]client.Status(nil), l.statuses...)
}
