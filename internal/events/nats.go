package events

import "time"

// NATSRequestStart is emitted before a host call is sent as a NATS request.
type NATSRequestStart struct {
	Subject string
	Command string
}

// NATSRequestFinish is emitted after the reply arrived or the request failed.
// Code is "OK", a host error code, or a transport outcome such as
// "no_responders".
type NATSRequestFinish struct {
	Subject  string
	Command  string
	Code     string
	Err      error
	Duration time.Duration
}
