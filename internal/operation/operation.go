// Package operation defines the request and result shapes that flow through
// an exchange pipeline.
package operation

import (
	language "github.com/hanpama/graphqlipc/internal/language"
)

// Kind classifies an Operation.
type Kind string

const (
	Query        Kind = "query"
	Mutation     Kind = "mutation"
	Subscription Kind = "subscription"
	// Teardown marks the end of interest in the operation with the same key.
	Teardown Kind = "teardown"
)

// KindOf maps a parsed operation type to its Kind.
func KindOf(op language.Operation) Kind {
	switch op {
	case language.Mutation:
		return Mutation
	case language.Subscription:
		return Subscription
	default:
		return Query
	}
}

// Context carries per-operation routing data.
type Context struct {
	// URL selects the host command, e.g. "graphql".
	URL string `json:"url"`
	// Meta holds caller supplied values passed along untouched.
	Meta map[string]any `json:"meta,omitempty"`
}

// Operation is an immutable request descriptor. Key is unique per client and
// correlates results and teardowns.
type Operation struct {
	Kind          Kind
	Key           uint64
	Query         *language.QueryDocument
	OperationName string
	Variables     map[string]any
	Context       Context
}

// Teardown returns the cancellation marker for op.
func (op Operation) Teardown() Operation {
	return Operation{
		Kind:          Teardown,
		Key:           op.Key,
		Query:         op.Query,
		OperationName: op.OperationName,
		Context:       op.Context,
	}
}

// IsTeardownOf reports whether op cancels the operation with the given key.
func (op Operation) IsTeardownOf(key uint64) bool {
	return op.Kind == Teardown && op.Key == key
}
