package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crmsync/internal/domain/sync"
)

var bearer = []map[string][]string{{"bearer": {}}}

func (h *Handler) op(id, method, path, summary string) huma.Operation {
	return huma.Operation{
		OperationID: id,
		Method:      method,
		Path:        path,
		Summary:     summary,
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) initialOp() huma.Operation {
	op := h.op("sync-initial", http.MethodGet, "/sync/initial", "Full snapshot")
	op.Description = "Returns every live record and resets the sync cursor."
	return op
}

func (h *Handler) incrementalOp() huma.Operation {
	return h.op("sync-incremental", http.MethodGet, "/sync/incremental", "Changes since the cursor")
}

func (h *Handler) pullOp() huma.Operation {
	op := h.op("sync-pull", http.MethodGet, "/sync/pull", "Pull changes and a sync token")
	op.Description = "Consumes pending ledger entries. Each record is returned once with its current state."
	op.Middlewares = h.pullMiddleware
	return op
}

func (h *Handler) changesOp() huma.Operation {
	op := h.op("sync-changes", http.MethodGet, "/sync/changes", "Inspect pending changes")
	op.Description = "Lists ledger entries, or resolved records with full=true, without consuming them."
	return op
}

func (h *Handler) outgoingOp() huma.Operation {
	op := h.op("sync-outgoing", http.MethodPost, "/sync/outgoing", "Queue changes")
	op.Description = "Enqueues changes for the background processor."
	op.DefaultStatus = http.StatusAccepted
	op.MaxBodyBytes = 2 * sync.MaxPayloadBytes
	return op
}

func (h *Handler) pushOp() huma.Operation {
	op := h.op("sync-push", http.MethodPost, "/sync/push", "Push a batch of changes")
	op.Description = "Applies up to 50 changes; each item reports its own result."
	op.MaxBodyBytes = 2 * sync.MaxPayloadBytes
	return op
}

func (h *Handler) resolveOp() huma.Operation {
	return h.op("sync-resolve-conflict", http.MethodPost, "/sync/resolve-conflict", "Resolve a conflict")
}

func (h *Handler) registerDeviceOp() huma.Operation {
	return h.op("sync-register-device", http.MethodPost, "/sync/register-device", "Register a device")
}

func (h *Handler) devicesOp() huma.Operation {
	return h.op("sync-devices", http.MethodGet, "/sync/devices", "List devices")
}

func (h *Handler) statusOp() huma.Operation {
	return h.op("sync-status", http.MethodGet, "/sync/status", "Sync status")
}

func (h *Handler) outboxOp() huma.Operation {
	return h.op("sync-outbox", http.MethodGet, "/sync/outbox", "List outbox items by status")
}

func (h *Handler) validateTokenOp() huma.Operation {
	return h.op("sync-validate-token", http.MethodPost, "/sync/validate-token", "Check a sync token")
}
