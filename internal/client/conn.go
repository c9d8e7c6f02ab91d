package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/protocol"
)

var (
	ErrNotConnected   = stderrors.New("client: not connected")
	ErrConnectionLost = stderrors.New("client: connection lost")
)

const welcomeTimeout = 10 * time.Second

// Conn is one WebSocket connection to the session hub. Commands are matched
// to their replies by request id. Events are passed to onEvent from the read
// loop in arrival order.
type Conn struct {
	ws      *websocket.Conn
	welcome protocol.Welcome
	onEvent func(sessionID string, e domain.Event)

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
	err     error
	done    chan struct{}
}

// Dial opens a connection and waits for its welcome frame. A non-empty
// participantID asks the server to keep that identity.
func Dial(ctx context.Context, d *websocket.Dialer, rawURL, participantID string, onEvent func(string, domain.Event)) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	if participantID != "" {
		q := u.Query()
		q.Set("participant_id", participantID)
		u.RawQuery = q.Encode()
	}
	if d == nil {
		d = websocket.DefaultDialer
	}

	ws, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(welcomeTimeout))
	var f protocol.Frame
	if err := ws.ReadJSON(&f); err != nil {
		ws.Close()
		return nil, fmt.Errorf("client: read welcome: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	var w protocol.Welcome
	if f.Type != protocol.FrameWelcome {
		ws.Close()
		return nil, fmt.Errorf("client: expected welcome, got %s", f.Type)
	}
	if err := f.Decode(&w); err != nil {
		ws.Close()
		return nil, err
	}

	if onEvent == nil {
		onEvent = func(string, domain.Event) {}
	}

	c := &Conn{
		ws:      ws,
		welcome: w,
		onEvent: onEvent,
		pending: make(map[string]*pendingRequest),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

func (c *Conn) Welcome() protocol.Welcome { return c.welcome }

// Done is closed once the connection is gone; Err then tells why.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Request sends a command and decodes its result into resp, which may be nil.
// A command failure is returned as the service error carried by the reply.
func (c *Conn) Request(ctx context.Context, name string, req, resp any) error {
	return c.Sync(ctx, name, req, func(f protocol.Frame) error {
		if resp == nil {
			return nil
		}
		return f.Decode(resp)
	})
}

// Sync is Request with apply run on the read loop when the result arrives,
// so events received afterwards are handled after apply returns.
func (c *Conn) Sync(ctx context.Context, name string, req any, apply func(protocol.Frame) error) error {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	f, err := protocol.NewCommand(id, name, req)
	if err != nil {
		return err
	}

	p := &pendingRequest{apply: apply, reply: make(chan error, 1)}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	c.pending[id] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("client: send %s: %w", name, err)
	}

	select {
	case err := <-p.reply:
		return err
	case <-c.done:
		select {
		case err := <-p.reply:
			return err
		default:
			return ErrConnectionLost
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingRequest struct {
	apply func(protocol.Frame) error
	reply chan error
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.ws.Close()

		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var f protocol.Frame
		if err = c.ws.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case protocol.FrameResult, protocol.FrameError:
			c.mu.Lock()
			p, ok := c.pending[f.RequestID]
			c.mu.Unlock()
			if !ok {
				continue
			}
			if f.Type == protocol.FrameError {
				p.reply <- f.Error.Err()
				continue
			}
			p.reply <- p.apply(f)

		case protocol.FrameEvent:
			e, derr := f.Event()
			if derr != nil {
				slog.Warn("client: dropping malformed event", "event", f.Name, "error", derr)
				continue
			}
			c.onEvent(f.SessionID, e)
		}
	}
}
