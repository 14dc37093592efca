// Package zapadapter bridges database driver logs to a go.uber.org/zap.Logger
// and carries the request id through context so driver lines can be correlated.
package zapadapter

import (
	"context"

	"github.com/jackc/pgx/v4"
	"go.mongodb.org/mongo-driver/event"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type key string

var idKey key = "request_id"

func NewContextWithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

func IDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idKey).(string)
	return id, ok
}

func withID(ctx context.Context, fields []zapcore.Field) []zapcore.Field {
	if id, ok := IDFromContext(ctx); ok {
		return append([]zapcore.Field{zap.String("request_id", id)}, fields...)
	}
	return fields
}

// PgxLogger implements pgx.Logger on top of zap
type PgxLogger struct {
	logger *zap.Logger
}

func NewPgxLogger(logger *zap.Logger) *PgxLogger {
	return &PgxLogger{logger: logger.Named("pgx").WithOptions(zap.AddCallerSkip(1))}
}

func (pl *PgxLogger) Log(ctx context.Context, level pgx.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zapcore.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	fields = withID(ctx, fields)

	switch level {
	case pgx.LogLevelTrace, pgx.LogLevelDebug:
		pl.logger.Debug(msg, fields...)
	case pgx.LogLevelInfo:
		pl.logger.Info(msg, fields...)
	case pgx.LogLevelWarn:
		pl.logger.Warn(msg, fields...)
	case pgx.LogLevelError:
		pl.logger.Error(msg, fields...)
	default:
		pl.logger.Error(msg, append(fields, zap.Stringer("PGX_LOG_LEVEL", level))...)
	}
}

// NewCommandMonitor returns a mongo command monitor logging failed commands as warnings
// and successful ones at debug level
func NewCommandMonitor(logger *zap.Logger) *event.CommandMonitor {
	l := logger.Named("mongo")
	return &event.CommandMonitor{
		Succeeded: func(ctx context.Context, e *event.CommandSucceededEvent) {
			l.Debug("command succeeded", withID(ctx, []zapcore.Field{
				zap.String("command", e.CommandName),
				zap.Duration("duration", e.Duration),
			})...)
		},
		Failed: func(ctx context.Context, e *event.CommandFailedEvent) {
			l.Warn("command failed", withID(ctx, []zapcore.Field{
				zap.String("command", e.CommandName),
				zap.Duration("duration", e.Duration),
				zap.String("failure", e.Failure),
			})...)
		},
	}
}
