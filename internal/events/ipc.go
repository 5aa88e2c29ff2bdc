package events

import "time"

// InvokeStart is emitted when the exchange issues a host command.
type InvokeStart struct {
	Key     uint64
	Command string
}

// InvokeFinish is emitted once the host command resolved. OK is false for
// both transport and GraphQL failures; Err tells them apart.
type InvokeFinish struct {
	Key      uint64
	Command  string
	OK       bool
	Err      error
	Duration time.Duration
}

// OperationTeardown is emitted when a teardown cancels an in-flight
// invocation before it produced a result.
type OperationTeardown struct {
	Key uint64
}

// SubscriptionStart is emitted when a subscription channel registered its
// listener.
type SubscriptionStart struct {
	Key   uint64
	ID    uint32
	Event string
}

// SubscriptionFinish is emitted when a subscription channel reached its
// terminal state.
type SubscriptionFinish struct {
	Key      uint64
	ID       uint32
	Event    string
	Updates  int
	Err      error
	Duration time.Duration
}
