package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// MonitorRedis instruments r with tracing, metrics and a debug log hook.
func MonitorRedis(r redis.UniversalClient, name string) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(redisLog{name: name})
	return nil
}

type redisLog struct {
	name string
}

func (h redisLog) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, "redis: dial failed", "client", h.name, "addr", addr, "error", err)
			return nil, err
		}
		slog.InfoContext(ctx, "redis: dialed", "client", h.name, "network", network, "addr", addr)
		return conn, nil
	}
}

func (h redisLog) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		h.log(ctx, cmd.Name(), 1, time.Since(start), err)
		return err
	}
}

func (h redisLog) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		h.log(ctx, "pipeline", len(cmds), time.Since(start), err)
		return err
	}
}

func (h redisLog) log(ctx context.Context, cmd string, n int, d time.Duration, err error) {
	// redis.Nil is an answer, not a failure.
	if err != nil && err != redis.Nil {
		slog.WarnContext(ctx, "redis: command failed", "client", h.name, "command", cmd, "commands", n, "duration", d, "error", err)
		return
	}
	slog.DebugContext(ctx, "redis: command processed", "client", h.name, "command", cmd, "commands", n, "duration", d)
}
