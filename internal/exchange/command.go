package exchange

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/hanpama/graphqlipc/internal/ipc"
	language "github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// PluginName is the host plugin serving GraphQL commands.
	PluginName = "graphql-ipc"
	// DefaultURL is the command operations target when their context has no URL.
	DefaultURL = "graphql"
	// EventScheme prefixes subscription event channel names.
	EventScheme = "graphql://"
)

// SubscriptionCommand starts a subscription stream on the host.
var SubscriptionCommand = ipc.Command(PluginName, "subscription")

// InvokeArgs is the payload of a query or mutation command.
type InvokeArgs struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// SubscriptionArgs is the payload of the subscription command: the
// operation's fields plus the correlation ID the host publishes on.
type SubscriptionArgs struct {
	Kind          operation.Kind    `json:"kind"`
	Key           uint64            `json:"key"`
	Query         string            `json:"query"`
	OperationName string            `json:"operationName,omitempty"`
	Variables     map[string]any    `json:"variables,omitempty"`
	Context       operation.Context `json:"context"`
	ID            uint32            `json:"id"`
}

// CommandFor returns the host command for a query or mutation.
func CommandFor(op operation.Operation) string {
	return ipc.Command(PluginName, op.Context.URL)
}

// ArgumentsFor returns the command payload for a query or mutation. The
// document is sent as text.
func ArgumentsFor(op operation.Operation) InvokeArgs {
	return InvokeArgs{
		Query:         language.Print(op.Query),
		OperationName: op.OperationName,
		Variables:     op.Variables,
	}
}

// SubscriptionArgumentsFor returns the subscription command payload for op.
func SubscriptionArgumentsFor(op operation.Operation, id uint32) SubscriptionArgs {
	return SubscriptionArgs{
		Kind:          op.Kind,
		Key:           op.Key,
		Query:         language.Print(op.Query),
		OperationName: op.OperationName,
		Variables:     op.Variables,
		Context:       op.Context,
		ID:            id,
	}
}

// SubscriptionEventName names the event channel for a correlation ID.
func SubscriptionEventName(id uint32) string {
	return EventScheme + strconv.FormatUint(uint64(id), 10)
}
