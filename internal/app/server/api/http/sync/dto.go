package sync

import (
	"crmsync/internal/domain/outbox"
	"crmsync/internal/domain/sync"
)

type typesQuery struct {
	EntityTypes []string `query:"entityTypes" doc:"Comma separated subset of contact, deal, task"`
}

type initialInput struct {
	typesQuery
}

type incrementalInput struct {
	typesQuery
	Since string `query:"since" doc:"ISO-8601 timestamp; defaults to the last sync"`
}

type pullInput struct {
	typesQuery
	Since    string `query:"since" doc:"ISO-8601 timestamp; defaults to the last sync"`
	DeviceID string `query:"deviceId"`
}

type pullOutput struct {
	Body sync.PullResponse
}

type changesInput struct {
	typesQuery
	Since string `query:"since"`
	Full  bool   `query:"full" doc:"Return resolved records instead of ledger entries"`
}

type changesOutput struct {
	Body sync.ChangesResponse
}

type outgoingInput struct {
	Body struct {
		Changes []sync.PushChange `json:"changes"`
	}
}

type pushInput struct {
	Body sync.PushRequest
}

type pushOutput struct {
	Body sync.PushResponse
}

type resolveInput struct {
	Body sync.ResolveRequest
}

type resolveOutput struct {
	Body sync.ResolveResponse
}

type registerDeviceInput struct {
	Body sync.RegisterDeviceRequest
}

type deviceOutput struct {
	Body sync.Device
}

type devicesOutput struct {
	Body struct {
		Devices []sync.Device `json:"devices"`
	}
}

type statusOutput struct {
	Body sync.StatusResponse
}

type outboxInput struct {
	Status string `query:"status" enum:"PENDING,PROCESSING,SENT,ERROR" default:"ERROR"`
}

type outboxOutput struct {
	Body struct {
		Items []outbox.Item `json:"items"`
	}
}

type validateTokenInput struct {
	Body struct {
		SyncToken string `json:"syncToken" minLength:"1"`
	}
}

type validateTokenOutput struct {
	Body struct {
		Valid bool `json:"valid"`
	}
}
