package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/protocol"
)

// handler runs one command. A non-nil release means the handler returned
// still holding its session lock, to be released once the reply is sent.
type handler func(ctx context.Context, c Caller, f protocol.Frame) (result any, release func(), err error)

func query[Req, Resp any](fn func(context.Context, Caller, Req) (*Resp, error)) handler {
	return func(ctx context.Context, c Caller, f protocol.Frame) (any, func(), error) {
		var req Req
		if err := f.Decode(&req); err != nil {
			return nil, nil, err
		}

		resp, err := fn(ctx, c, req)
		if err != nil {
			return nil, nil, err
		}
		return resp, nil, nil
	}
}

// held is query for commands whose reply must be sent before the session
// accepts anything else.
func held[Req, Resp any](fn func(context.Context, Caller, Req) (*Resp, func(), error)) handler {
	return func(ctx context.Context, c Caller, f protocol.Frame) (any, func(), error) {
		var req Req
		if err := f.Decode(&req); err != nil {
			return nil, nil, err
		}

		resp, release, err := fn(ctx, c, req)
		if err != nil {
			return nil, nil, err
		}
		return resp, release, nil
	}
}

func exec[Req any](fn func(context.Context, Caller, Req) error) handler {
	return func(ctx context.Context, c Caller, f protocol.Frame) (any, func(), error) {
		var req Req
		if err := f.Decode(&req); err != nil {
			return nil, nil, err
		}
		return nil, nil, fn(ctx, c, req)
	}
}

// Handle runs one command frame and returns the reply frame. Failures are
// reported in the reply, never as a transport error.
func (r *Router) Handle(ctx context.Context, c Caller, f protocol.Frame) protocol.Frame {
	var reply protocol.Frame
	r.handle(ctx, c, f, func(out protocol.Frame) { reply = out })
	return reply
}

// Respond runs one command frame and queues the reply on the caller's
// outbound queue, in line with its notifications. A session snapshot is
// queued before the session accepts another command or relayed
// notification, so the events behind it are exactly those it does not
// reflect.
func (r *Router) Respond(ctx context.Context, c Caller, f protocol.Frame) {
	r.handle(ctx, c, f, func(reply protocol.Frame) {
		if !r.hub.Reply(c.ConnID, reply) {
			slog.WarnContext(ctx, "api: reply dropped", "connection_id", c.ConnID, "command", f.Name)
		}
	})
}

func (r *Router) handle(ctx context.Context, c Caller, f protocol.Frame, send func(protocol.Frame)) {
	start := time.Now()

	var reply protocol.Frame
	result, release, err := r.dispatch(ctx, c, f)
	if err == nil {
		reply, err = protocol.NewResult(f.RequestID, f.Name, result)
		if err != nil {
			err = errors.Internal(err)
		}
	}
	if err != nil {
		reply = protocol.NewError(f.RequestID, f.Name, err)
	}

	send(reply)
	if release != nil {
		release()
	}

	outcome := "OK"
	if err != nil {
		outcome = errors.Convert(err).Reason
	}
	r.metrics.CommandHandled(f.Name, outcome, time.Since(start))

	attrs := []any{
		"connection_id", c.ConnID,
		"participant_id", c.ParticipantID,
		"command", f.Name,
		"outcome", outcome,
		"duration", time.Since(start),
	}
	switch e := errors.Convert(err); {
	case err == nil:
		slog.InfoContext(ctx, "api: command handled", attrs...)
	case e.Code == errors.CodeInternal || e.Code == errors.CodeUnavailable:
		slog.ErrorContext(ctx, "api: command failed", append(attrs, "error", err)...)
	default:
		slog.InfoContext(ctx, "api: command rejected", append(attrs, "error", err)...)
	}
}

func (r *Router) dispatch(ctx context.Context, c Caller, f protocol.Frame) (any, func(), error) {
	if f.Type != protocol.FrameCommand {
		return nil, nil, errors.InvalidArgument("expected a command frame, got %q", f.Type)
	}

	h, ok := r.handlers[f.Name]
	if !ok {
		return nil, nil, errors.InvalidArgument("unknown command %q", f.Name)
	}

	return h(ctx, c, f)
}

// keyedMutex serializes work per key. Idle keys hold no memory.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()

	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
