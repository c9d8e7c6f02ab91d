package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/protocol"
)

var (
	ErrClosed             = stderrors.New("client: closed")
	ErrReconnectExhausted = stderrors.New("client: reconnect attempts exhausted")
)

// Handler receives what the client learns about the followed session.
// HandleEvent and Rehydrate run on the connection's read loop and must not
// block on requests.
type Handler interface {
	HandleEvent(sessionID string, e domain.Event)
	// Rehydrate replaces the local copy of the session after a reconnect.
	Rehydrate(sessionID string, s domain.Session)
	// Resumed runs once the new connection is in use, before the client
	// reports itself connected.
	Resumed(ctx context.Context) error
}

type Options struct {
	Dialer *websocket.Dialer
	Clock  clockwork.Clock

	// ParticipantID is asked for on the first handshake.
	ParticipantID string

	// MaxReconnects is the number of reconnect attempts after a drop. A
	// negative value retries forever, zero never reconnects.
	MaxReconnects int
	ReconnectWait time.Duration
	// RehydrateTimeout bounds the handshake and resync of one reconnect attempt.
	RehydrateTimeout time.Duration

	StatusHandler        func(Status)
	DisconnectErrHandler func(*Client, error)
	ReconnectHandler     func(*Client)
	ClosedHandler        func(*Client)
}

type Option func(*Options)

func GetDefaultOptions() Options {
	return Options{
		Clock:            clockwork.NewRealClock(),
		MaxReconnects:    10,
		ReconnectWait:    2 * time.Second,
		RehydrateTimeout: 10 * time.Second,
	}
}

func Dialer(d *websocket.Dialer) Option { return func(o *Options) { o.Dialer = d } }

func Clock(c clockwork.Clock) Option { return func(o *Options) { o.Clock = c } }

// ParticipantID retains an identity from an earlier visit.
func ParticipantID(id string) Option { return func(o *Options) { o.ParticipantID = id } }

func MaxReconnects(n int) Option { return func(o *Options) { o.MaxReconnects = n } }

func ReconnectWait(d time.Duration) Option { return func(o *Options) { o.ReconnectWait = d } }

func RehydrateTimeout(d time.Duration) Option { return func(o *Options) { o.RehydrateTimeout = d } }

func StatusHandler(fn func(Status)) Option { return func(o *Options) { o.StatusHandler = fn } }

func DisconnectErrHandler(fn func(*Client, error)) Option {
	return func(o *Options) { o.DisconnectErrHandler = fn }
}

func ReconnectHandler(fn func(*Client)) Option { return func(o *Options) { o.ReconnectHandler = fn } }

func ClosedHandler(fn func(*Client)) Option { return func(o *Options) { o.ClosedHandler = fn } }

// Client keeps one connection to the session hub alive. After a drop it
// reconnects with the same participant id and rehydrates the followed
// session before reporting itself connected again.
type Client struct {
	url   string
	opts  Options
	state presence

	handlerMu sync.RWMutex
	handler   Handler

	mu   sync.Mutex
	conn *Conn

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Connect dials rawURL, e.g. ws://localhost:8080/sessions/hub.
func Connect(ctx context.Context, rawURL string, options ...Option) (*Client, error) {
	opts := GetDefaultOptions()
	for _, o := range options {
		o(&opts)
	}

	c := &Client{
		url:  rawURL,
		opts: opts,
		stop: make(chan struct{}),
	}
	c.state.retain(opts.ParticipantID)

	c.setStatus(StatusConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return nil, err
	}
	c.attach(conn)
	c.setStatus(StatusConnected)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watch(conn)
	}()

	return c, nil
}

// Handle sets the receiver of session events and rehydrations.
func (c *Client) Handle(h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

// Follow names the session to rehydrate after a reconnect. An empty id stops following.
func (c *Client) Follow(sessionID string) {
	c.state.follow(sessionID)
}

func (c *Client) Status() Status { return c.state.current() }

// ParticipantID is the identity granted by the current connection.
func (c *Client) ParticipantID() string { return c.state.retained() }

func (c *Client) Request(ctx context.Context, name string, req, resp any) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Request(ctx, name, req, resp)
}

func (c *Client) Sync(ctx context.Context, name string, req any, apply func(protocol.Frame) error) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Sync(ctx, name, req, apply)
}

// Close drops the connection for good. No reconnect follows.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()

	return nil
}

func (c *Client) current() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) dial(ctx context.Context) (*Conn, error) {
	return Dial(ctx, c.opts.Dialer, c.url, c.state.retained(), c.dispatch)
}

func (c *Client) attach(conn *Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.state.retain(conn.Welcome().ParticipantID)
}

func (c *Client) currentHandler() Handler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

func (c *Client) dispatch(sessionID string, e domain.Event) {
	if h := c.currentHandler(); h != nil {
		h.HandleEvent(sessionID, e)
	}
}

func (c *Client) closing() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// watch waits for the connection to drop and replaces it until the client
// is closed or reconnecting fails.
func (c *Client) watch(conn *Conn) {
	for {
		select {
		case <-conn.Done():
		case <-c.stop:
			c.setStatus(StatusDisconnected)
			c.closed()
			return
		}

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if c.closing() {
			c.setStatus(StatusDisconnected)
			c.closed()
			return
		}

		slog.Warn("client: connection lost", "participant_id", c.state.retained(), "error", conn.Err())
		if fn := c.opts.DisconnectErrHandler; fn != nil {
			fn(c, conn.Err())
		}
		c.setStatus(StatusReconnecting)

		next, err := c.reconnect()
		if err != nil {
			if err != ErrClosed {
				slog.Error("client: giving up", "participant_id", c.state.retained(), "error", err)
			}
			c.setStatus(StatusDisconnected)
			c.closed()
			return
		}

		conn = next
		c.setStatus(StatusConnected)
		if fn := c.opts.ReconnectHandler; fn != nil {
			fn(c)
		}
	}
}

func (c *Client) reconnect() (*Conn, error) {
	for attempt := 1; c.opts.MaxReconnects < 0 || attempt <= c.opts.MaxReconnects; attempt++ {
		select {
		case <-c.opts.Clock.After(c.opts.ReconnectWait):
		case <-c.stop:
			return nil, ErrClosed
		}

		conn, err := c.resume()
		if err != nil {
			slog.Warn("client: reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return conn, nil
	}

	return nil, ErrReconnectExhausted
}

// resume opens a connection with the retained participant id and brings the
// followed session back before the connection is handed out.
func (c *Client) resume() (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.RehydrateTimeout)
	defer cancel()

	prev := c.state.retained()
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.rehydrate(ctx, conn, prev); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if c.closing() {
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.attach(conn)

	if h := c.currentHandler(); h != nil {
		if err := h.Resumed(ctx); err != nil {
			slog.WarnContext(ctx, "client: resume handler failed", "session_id", c.state.followed(), "error", err)
		}
	}

	return conn, nil
}

// rehydrate moves the roster entry of prev to the new identity when the
// server handed out a different one, then reloads the session wholesale.
func (c *Client) rehydrate(ctx context.Context, conn *Conn, prev string) error {
	sid := c.state.followed()
	if sid == "" {
		return nil
	}

	now := conn.Welcome().ParticipantID
	if prev != "" && prev != now {
		err := conn.Request(ctx, protocol.CommandMigrateParticipant, protocol.MigrateParticipantRequest{
			SessionID:             sid,
			PreviousParticipantID: prev,
		}, nil)
		// Without an entry to move the handler rejoins from the snapshot.
		if err != nil && !errors.HasReason(err, errors.ReasonParticipantNotFound) {
			return fmt.Errorf("migrate participant: %w", err)
		}
	}
	// The roster now holds the new identity; the snapshot is read as it.
	c.state.retain(now)

	return conn.Sync(ctx, protocol.CommandConnectToSession, protocol.SessionRequest{SessionID: sid}, func(f protocol.Frame) error {
		var resp protocol.ConnectToSessionResponse
		if err := f.Decode(&resp); err != nil {
			return err
		}

		if h := c.currentHandler(); h != nil {
			h.Rehydrate(sid, resp.Session)
		}
		return nil
	})
}

func (c *Client) setStatus(next Status) {
	if _, err := c.state.transition(next); err != nil {
		slog.Error("client: status", "error", err)
		return
	}
	if fn := c.opts.StatusHandler; fn != nil {
		fn(next)
	}
}

func (c *Client) closed() {
	if fn := c.opts.ClosedHandler; fn != nil {
		fn(c)
	}
}
