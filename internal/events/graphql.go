package events

import "time"

// GraphQLStart is emitted by the host plugin before it hands a request to
// its executor. OperationType is empty when the document did not parse.
type GraphQLStart struct {
	Query         string
	OperationName string
	OperationType string
}

// GraphQLFinish is emitted once the executor answered. Updates counts the
// results sent back: 1 for queries and mutations, one per update for
// subscriptions.
type GraphQLFinish struct {
	Query         string
	OperationName string
	OperationType string
	Updates       int
	Errors        []error
	Duration      time.Duration
}
