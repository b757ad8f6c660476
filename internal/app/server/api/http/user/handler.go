package user

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"crmsync/internal/domain/session"
	"crmsync/internal/domain/user"
)

type Handler struct {
	service    user.Servicer
	session    session.Servicer
	log        *slog.Logger
	middleware huma.Middlewares
}

func NewHandler(service user.Servicer, session session.Servicer, log *slog.Logger, middleware huma.Middlewares) *Handler {
	return &Handler{
		service:    service,
		session:    session,
		log:        log.With(slog.String("component", "user_handler")),
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.registerOp(), h.register)
	huma.Register(api, h.loginOp(), h.login)
}

func (h *Handler) register(ctx context.Context, input *registerInput) (*registerOutput, error) {
	userID, err := h.service.Register(ctx, input.Body.Login, input.Body.Password)
	switch {
	case err == nil:
	case errors.Is(err, user.ErrAlreadyExists):
		return nil, huma.Error409Conflict("login is already taken")
	case errors.Is(err, user.ErrInvalidInput):
		return nil, huma.Error422UnprocessableEntity(err.Error())
	default:
		h.log.Error("register failed", slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("internal error")
	}

	issued, err := h.session.Create(ctx, userID)
	if err != nil {
		h.log.Error("create session", slog.Int("user_id", userID), slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("internal error")
	}

	return &registerOutput{Body: RegisterResponse{ID: userID, LoginResponse: toLoginResponse(issued)}}, nil
}

func (h *Handler) login(ctx context.Context, input *loginInput) (*loginOutput, error) {
	u, err := h.service.Authenticate(ctx, input.Body.Login, input.Body.Password)
	if err != nil {
		if errors.Is(err, user.ErrInvalidAuth) {
			return nil, huma.Error401Unauthorized("invalid credentials")
		}
		h.log.Error("authenticate failed", slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("internal error")
	}

	issued, err := h.session.Create(ctx, u.ID)
	if err != nil {
		h.log.Error("create session", slog.Int("user_id", u.ID), slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("internal error")
	}

	return &loginOutput{Body: toLoginResponse(issued)}, nil
}

func toLoginResponse(issued session.Issued) LoginResponse {
	return LoginResponse{Token: issued.Token, ExpiresAt: issued.ExpiresAt}
}
