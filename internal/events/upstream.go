package events

import "time"

// UpstreamStart is emitted before the host forwards a request to the upstream
// GraphQL endpoint.
type UpstreamStart struct {
	Endpoint string
}

// UpstreamFinish is emitted after the upstream request completed.
type UpstreamFinish struct {
	Endpoint string
	Status   int
	Err      error
	Duration time.Duration
}
