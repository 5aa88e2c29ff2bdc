package exchange

import (
	"errors"
	"fmt"

	"github.com/hanpama/graphqlipc/internal/ipc"
	language "github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
)

const (
	ipcErrorMessage          = "host command invocation failed due to IPC error"
	asyncGraphQLErrorMessage = `host command invocation failed due to "async-graphql" error`
)

// IPCError reports that a host primitive could not complete.
type IPCError struct {
	Cause error
}

func (e *IPCError) Error() string {
	if e.Cause == nil {
		return ipcErrorMessage
	}
	return ipcErrorMessage + ": " + e.Cause.Error()
}

func (e *IPCError) Unwrap() error { return e.Cause }

// AsyncGraphQLError reports that the host executed the operation and the
// GraphQL layer returned errors. Errors may be empty.
type AsyncGraphQLError struct {
	Errors language.ErrorList
}

func (e *AsyncGraphQLError) Error() string {
	if len(e.Errors) == 0 {
		return asyncGraphQLErrorMessage
	}
	return asyncGraphQLErrorMessage + ": " + e.Errors.Error()
}

// Unwrap exposes each GraphQL error to errors.Is and errors.As.
func (e *AsyncGraphQLError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err
	}
	return out
}

// HandleInvokeError wraps a failure of a host primitive. Values that are not
// errors, such as recovered panics, are stringified.
func HandleInvokeError(v any) error {
	var cause error
	switch x := v.(type) {
	case *IPCError:
		return x
	case error:
		cause = x
	case fmt.Stringer:
		cause = errors.New(x.String())
	default:
		cause = fmt.Errorf("%v", x)
	}
	return &IPCError{Cause: cause}
}

// HandleAsyncGraphQLError returns an AsyncGraphQLError when isOk is false.
func HandleAsyncGraphQLError(result operation.ExecutionResult, isOk bool) error {
	if isOk {
		return nil
	}
	errs := result.Errors
	if errs == nil {
		errs = language.ErrorList{}
	}
	return &AsyncGraphQLError{Errors: errs}
}

// IntoExecutionResult decodes a host response. A body that is not a JSON
// execution result breaks the host contract and is reported as IPCError.
func IntoExecutionResult(resp ipc.Response) (operation.ExecutionResult, error) {
	var result operation.ExecutionResult
	if err := codec.UnmarshalFromString(resp.Body, &result); err != nil {
		return operation.ExecutionResult{}, &IPCError{Cause: fmt.Errorf("decode response body: %w", err)}
	}
	if err := HandleAsyncGraphQLError(result, resp.IsOk); err != nil {
		return operation.ExecutionResult{}, err
	}
	return result, nil
}
