package health

import "time"

type Input struct{}

type Output struct {
	Body Response
}

// Response reports liveness and, when a database is configured, readiness.
type Response struct {
	Status     string    `json:"status" example:"OK" doc:"Health status of the service"`
	Database   string    `json:"database,omitempty" example:"OK" doc:"Database reachability"`
	ServerTime time.Time `json:"serverTime" doc:"Server clock, useful for spotting client skew"`
}
