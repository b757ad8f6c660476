package logger

import (
	"time"

	"github.com/danielgtaylor/huma/v2"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/exp/slog"
)

// DefaultSlowThreshold marks requests worth a warning; a full pull of a
// large account is the usual offender.
const DefaultSlowThreshold = 2 * time.Second

// Logger writes one record per served request.
type Logger struct {
	log  *slog.Logger
	slow time.Duration
}

func New(log *slog.Logger, slow time.Duration) *Logger {
	return &Logger{
		log:  log.With(slog.String("component", "http")),
		slow: slow,
	}
}

func (l *Logger) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()
		next(ctx)
		elapsed := time.Since(start)

		status := ctx.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case l.slow > 0 && elapsed >= l.slow:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", ctx.Method()),
			slog.String("path", ctx.URL().Path),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("remote_addr", ctx.RemoteAddr()),
		}
		if id := chimw.GetReqID(ctx.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		l.log.LogAttrs(ctx.Context(), level, "request served", attrs...)
	}
}
