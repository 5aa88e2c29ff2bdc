package events

import "time"

// HTTPStart is emitted when the gateway accepted an HTTP request.
type HTTPStart struct {
	Method string
	Path   string
}

// HTTPFinish is emitted after the gateway wrote its response.
type HTTPFinish struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
}
