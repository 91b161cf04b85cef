// Package zapadapter provides a pgx logger that writes to a go.uber.org/zap.Logger
// and tags every entry with the relay connection that issued the query.
package zapadapter

import (
	"context"

	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type key struct{}

var connIDKey key

// NewContextWithConnID returns ctx carrying the id of the websocket connection on whose behalf queries run
func NewContextWithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// ConnIDFromContext extracts the connection id stored by NewContextWithConnID
func ConnIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDKey).(string)
	return id, ok
}

type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("pgx").WithOptions(zap.AddCallerSkip(1))}
}

// Log implements pgx.Logger. Query arguments are never written out since they
// carry credential hashes and message bodies; only their count is kept.
func (l *Logger) Log(ctx context.Context, level pgx.LogLevel, msg string, data map[string]interface{}) {
	fields := make([]zapcore.Field, 0, len(data)+1)
	if id, ok := ConnIDFromContext(ctx); ok {
		fields = append(fields, zap.String("conn_id", id))
	}
	for k, v := range data {
		if k == "args" {
			if args, ok := v.([]interface{}); ok {
				fields = append(fields, zap.Int("args", len(args)))
			}
			continue
		}
		fields = append(fields, zap.Reflect(k, v))
	}

	switch level {
	case pgx.LogLevelTrace, pgx.LogLevelDebug:
		l.logger.Debug(msg, fields...)
	case pgx.LogLevelInfo:
		l.logger.Info(msg, fields...)
	case pgx.LogLevelWarn:
		l.logger.Warn(msg, fields...)
	default:
		l.logger.Error(msg, append(fields, zap.Stringer("PGX_LOG_LEVEL", level))...)
	}
}
