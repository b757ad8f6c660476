package sync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"

	"crmsync/internal/app/server/api/http/middleware/auth"
	"crmsync/internal/domain/entity"
	"crmsync/internal/domain/outbox"
	"crmsync/internal/domain/sync"
)

type Handler struct {
	service        sync.Servicer
	log            *slog.Logger
	middleware     huma.Middlewares
	pullMiddleware huma.Middlewares
}

// NewHandler wires the sync routes. pull runs after middleware and is
// where the rate limiter goes.
func NewHandler(service sync.Servicer, log *slog.Logger, middleware huma.Middlewares, pull huma.Middlewares) *Handler {
	return &Handler{
		service:        service,
		log:            log.With(slog.String("component", "sync_handler")),
		middleware:     middleware,
		pullMiddleware: append(append(huma.Middlewares{}, middleware...), pull...),
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.initialOp(), h.initial)
	huma.Register(api, h.incrementalOp(), h.incremental)
	huma.Register(api, h.pullOp(), h.pull)
	huma.Register(api, h.changesOp(), h.changes)
	huma.Register(api, h.outgoingOp(), h.outgoing)
	huma.Register(api, h.pushOp(), h.push)
	huma.Register(api, h.resolveOp(), h.resolve)
	huma.Register(api, h.registerDeviceOp(), h.registerDevice)
	huma.Register(api, h.devicesOp(), h.devices)
	huma.Register(api, h.statusOp(), h.status)
	huma.Register(api, h.outboxOp(), h.listOutbox)
	huma.Register(api, h.validateTokenOp(), h.validateToken)
}

func (h *Handler) initial(ctx context.Context, input *initialInput) (*pullOutput, error) {
	userID, types, err := h.scope(ctx, input.EntityTypes)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.Initial(ctx, userID, types)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &pullOutput{Body: *resp}, nil
}

func (h *Handler) incremental(ctx context.Context, input *incrementalInput) (*pullOutput, error) {
	userID, types, err := h.scope(ctx, input.EntityTypes)
	if err != nil {
		return nil, err
	}
	since, err := parseSince(input.Since)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.Incremental(ctx, userID, since, types)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &pullOutput{Body: *resp}, nil
}

func (h *Handler) pull(ctx context.Context, input *pullInput) (*pullOutput, error) {
	userID, types, err := h.scope(ctx, input.EntityTypes)
	if err != nil {
		return nil, err
	}
	since, err := parseSince(input.Since)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.Pull(ctx, userID, sync.PullRequest{Since: since, Types: types, DeviceID: input.DeviceID})
	if err != nil {
		return nil, h.mapError(err)
	}
	return &pullOutput{Body: *resp}, nil
}

func (h *Handler) changes(ctx context.Context, input *changesInput) (*changesOutput, error) {
	userID, types, err := h.scope(ctx, input.EntityTypes)
	if err != nil {
		return nil, err
	}
	since, err := parseSince(input.Since)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.Changes(ctx, userID, since, types, input.Full)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &changesOutput{Body: *resp}, nil
}

func (h *Handler) outgoing(ctx context.Context, input *outgoingInput) (*pushOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.Outgoing(ctx, userID, input.Body.Changes)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &pushOutput{Body: *resp}, nil
}

func (h *Handler) push(ctx context.Context, input *pushInput) (*pushOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.Push(ctx, userID, input.Body)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &pushOutput{Body: *resp}, nil
}

func (h *Handler) resolve(ctx context.Context, input *resolveInput) (*resolveOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.ResolveConflict(ctx, userID, input.Body)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &resolveOutput{Body: *resp}, nil
}

func (h *Handler) registerDevice(ctx context.Context, input *registerDeviceInput) (*deviceOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}

	d, err := h.service.RegisterDevice(ctx, userID, input.Body)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &deviceOutput{Body: *d}, nil
}

func (h *Handler) devices(ctx context.Context, _ *struct{}) (*devicesOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}

	list, err := h.service.ListDevices(ctx, userID)
	if err != nil {
		return nil, h.mapError(err)
	}
	out := &devicesOutput{}
	out.Body.Devices = list
	return out, nil
}

func (h *Handler) status(ctx context.Context, _ *struct{}) (*statusOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := h.service.Status(ctx, userID)
	if err != nil {
		return nil, h.mapError(err)
	}
	return &statusOutput{Body: *resp}, nil
}

func (h *Handler) listOutbox(ctx context.Context, input *outboxInput) (*outboxOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	status, err := outbox.ParseStatus(input.Status)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	items, err := h.service.ListOutbox(ctx, userID, status)
	if err != nil {
		return nil, h.mapError(err)
	}
	out := &outboxOutput{}
	out.Body.Items = items
	return out, nil
}

func (h *Handler) validateToken(ctx context.Context, input *validateTokenInput) (*validateTokenOutput, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}

	ok, err := h.service.ValidateSyncToken(ctx, userID, input.Body.SyncToken)
	if err != nil {
		return nil, h.mapError(err)
	}
	out := &validateTokenOutput{}
	out.Body.Valid = ok
	return out, nil
}

func (h *Handler) scope(ctx context.Context, rawTypes []string) (int, []entity.Type, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return 0, nil, err
	}
	types, err := entity.ParseTypes(rawTypes)
	if err != nil {
		return 0, nil, huma.Error422UnprocessableEntity(err.Error())
	}
	return userID, types, nil
}

func userFrom(ctx context.Context) (int, error) {
	userID, ok := auth.GetUserID(ctx)
	if !ok {
		return 0, huma.Error401Unauthorized("Unauthorized")
	}
	return userID, nil
}

var sinceLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// parseSince accepts ISO-8601 timestamps; an empty value means "use the cursor".
func parseSince(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, huma.Error422UnprocessableEntity("since must be an ISO-8601 timestamp")
}

func (h *Handler) mapError(err error) error {
	var conflictErr *sync.ConflictError
	switch {
	case errors.Is(err, sync.ErrBatchTooLarge):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, sync.ErrPayloadTooLarge):
		return huma.NewError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, sync.ErrEntityNotFound), errors.Is(err, outbox.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.As(err, &conflictErr):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, sync.ErrInvalidStrategy),
		errors.Is(err, sync.ErrInvalidChange),
		errors.Is(err, sync.ErrDeviceRequired):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, entity.ErrValidation),
		errors.Is(err, entity.ErrUnknownType),
		errors.Is(err, entity.ErrEmptyData),
		errors.Is(err, sync.ErrTypeMismatch):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, context.Canceled):
		return huma.NewError(499, "request canceled")
	default:
		h.log.Error("sync request failed", slog.String("error", err.Error()))
		return huma.Error500InternalServerError("internal error")
	}
}
