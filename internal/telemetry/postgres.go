package telemetry

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

// MonitorPostgres logs pgx warnings and errors through slog.
func MonitorPostgres(cc *pgxpool.Config) {
	cc.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger: tracelog.LoggerFunc(func(ctx context.Context, lvl tracelog.LogLevel, msg string, data map[string]any) {
			attrs := make([]any, 0, 2*len(data))
			for k, v := range data {
				attrs = append(attrs, k, v)
			}
			slog.Log(ctx, pgxLevel(lvl), "postgres: "+msg, attrs...)
		}),
		LogLevel: tracelog.LogLevelWarn,
	}
}

func pgxLevel(lvl tracelog.LogLevel) slog.Level {
	switch lvl {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return slog.LevelDebug
	case tracelog.LogLevelInfo:
		return slog.LevelInfo
	case tracelog.LogLevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
