package operation

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"

	language "github.com/hanpama/graphqlipc/internal/language"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// ExecutionResult is the GraphQL response produced by the remote execution
// layer.
type ExecutionResult struct {
	Data       json.RawMessage    `json:"data,omitempty"`
	Errors     language.ErrorList `json:"errors,omitempty"`
	Extensions map[string]any     `json:"extensions,omitempty"`
}

// Result is what the pipeline hands back to the client for an Operation.
type Result struct {
	Operation  Operation
	Data       json.RawMessage
	Errors     language.ErrorList
	Extensions map[string]any
	// Error is set when the operation failed. For results built from an
	// ExecutionResult with errors it holds the same error list.
	Error error
	// HasNext is true while more results for the same key will follow.
	HasNext bool
}

// MakeResult converts an execution result into the Result for op.
func MakeResult(op Operation, er ExecutionResult) Result {
	res := Result{
		Operation:  op,
		Data:       er.Data,
		Errors:     er.Errors,
		Extensions: er.Extensions,
	}
	if len(er.Errors) > 0 {
		res.Error = er.Errors
	}
	return res
}

// MakeErrorResult builds the Result for op failing with err. data is usually
// nil.
func MakeErrorResult(op Operation, err error, data json.RawMessage) Result {
	return Result{Operation: op, Data: data, Error: err}
}

// Decode unmarshals the result data into v. A result without data leaves v
// untouched.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return codec.Unmarshal(r.Data, v)
}
