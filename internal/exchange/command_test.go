package exchange

import (
	"encoding/json"
	"testing"

	language "github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
	"github.com/stretchr/testify/require"
)

func mustOp(t *testing.T, kind operation.Kind, key uint64, query string, vars map[string]any) operation.Operation {
	t.Helper()
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	return operation.Operation{
		Kind:      kind,
		Key:       key,
		Query:     doc,
		Variables: vars,
		Context:   operation.Context{URL: "users"},
	}
}

func TestCommandFor(t *testing.T) {
	op := mustOp(t, operation.Query, 1, `{ user { id } }`, nil)
	require.Equal(t, "plugin:graphql-ipc|users", CommandFor(op))
	require.Equal(t, "plugin:graphql-ipc|subscription", SubscriptionCommand)
}

func TestArgumentsFor(t *testing.T) {
	op := mustOp(t, operation.Query, 1, `query($id: ID!) { user(id: $id) { id } }`, map[string]any{"id": 5})
	args := ArgumentsFor(op)
	require.Equal(t, language.Print(op.Query), args.Query)
	require.Equal(t, map[string]any{"id": 5}, args.Variables)

	b, err := json.Marshal(args)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	require.IsType(t, "", wire["query"])
	require.Equal(t, map[string]any{"id": float64(5)}, wire["variables"])
}

func TestSubscriptionArgumentsFor(t *testing.T) {
	op := mustOp(t, operation.Subscription, 9, `subscription { tick }`, map[string]any{"n": 1})
	args := SubscriptionArgumentsFor(op, 42)

	b, err := json.Marshal(args)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	require.Equal(t, float64(42), wire["id"])
	require.Equal(t, "subscription", wire["kind"])
	require.Equal(t, float64(9), wire["key"])
	require.Equal(t, language.Print(op.Query), wire["query"])
	require.Equal(t, map[string]any{"url": "users"}, wire["context"])
}

func TestSubscriptionEventName(t *testing.T) {
	require.Equal(t, "graphql://42", SubscriptionEventName(42))
	require.Equal(t, "graphql://0", SubscriptionEventName(0))
}
