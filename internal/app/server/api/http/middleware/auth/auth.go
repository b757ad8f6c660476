package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/session"
)

type Auth struct {
	session session.Servicer
	log     *slog.Logger
}

func New(session session.Servicer, log *slog.Logger) *Auth {
	return &Auth{
		session: session,
		log:     log.With(slog.String("component", "auth_middleware")),
	}
}

type contextKey string

const UserIDKey contextKey = "userID"

const bearerPrefix = "Bearer "

// Middleware resolves the bearer token to a user id and stores it in the
// request context. Requests without a valid session stop here with 401.
func (a *Auth) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		header := ctx.Header("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			a.log.Debug("missing bearer token", slog.String("path", ctx.URL().Path))
			unauthorized(ctx, a.log)
			return
		}

		userID, err := a.session.Validate(ctx.Context(), strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			a.log.Debug("session rejected", slog.String("error", err.Error()))
			unauthorized(ctx, a.log)
			return
		}

		next(huma.WithContext(ctx, WithUserID(ctx.Context(), userID)))
	}
}

func unauthorized(ctx huma.Context, log *slog.Logger) {
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetStatus(http.StatusUnauthorized)
	if err := json.NewEncoder(ctx.BodyWriter()).Encode(map[string]string{"error": "Unauthorized"}); err != nil {
		log.Error("write unauthorized response", slog.String("error", err.Error()))
	}
}

func WithUserID(ctx context.Context, userID int) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) (int, bool) {
	userID, ok := ctx.Value(UserIDKey).(int)
	return userID, ok
}
