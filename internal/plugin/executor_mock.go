package plugin

import (
	"context"
	"fmt"
	"sync"

	language "github.com/hanpama/graphqlipc/internal/language"
	"github.com/hanpama/graphqlipc/internal/operation"
)

// MockExecutor answers requests by the name of the first root field of the
// selected operation.
type MockExecutor struct {
	mu       sync.Mutex
	results  map[string]operation.ExecutionResult
	failures map[string]error
	streams  map[string]mockStream
	requests []Request
}

type mockStream struct {
	results []operation.ExecutionResult
	// hold keeps the stream open after results until ctx is done.
	hold bool
}

var _ Executor = (*MockExecutor)(nil)

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		results:  make(map[string]operation.ExecutionResult),
		failures: make(map[string]error),
		streams:  make(map[string]mockStream),
	}
}

// SetResult scripts the result for requests selecting field.
func (m *MockExecutor) SetResult(field string, res operation.ExecutionResult) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[field] = res
	return m
}

// SetData scripts a successful result with the given JSON data.
func (m *MockExecutor) SetData(field, data string) *MockExecutor {
	return m.SetResult(field, operation.ExecutionResult{Data: []byte(data)})
}

// SetError makes requests selecting field fail outside GraphQL.
func (m *MockExecutor) SetError(field string, err error) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[field] = err
	return m
}

// SetStream scripts the updates of a subscription selecting field. The stream
// ends after the last update.
func (m *MockExecutor) SetStream(field string, results ...operation.ExecutionResult) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[field] = mockStream{results: results}
	return m
}

// HoldStream is SetStream for a stream that stays open until cancelled.
func (m *MockExecutor) HoldStream(field string, results ...operation.ExecutionResult) *MockExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[field] = mockStream{results: results, hold: true}
	return m
}

// Requests returns a snapshot of the received requests.
func (m *MockExecutor) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockExecutor) Execute(ctx context.Context, req Request) (operation.ExecutionResult, error) {
	field, err := m.record(req)
	if err != nil {
		return operation.ExecutionResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[field]; err != nil {
		return operation.ExecutionResult{}, err
	}
	res, ok := m.results[field]
	if !ok {
		return operation.ExecutionResult{Errors: language.ErrorList{{Message: fmt.Sprintf("no result for %q", field)}}}, nil
	}
	return res, nil
}

func (m *MockExecutor) Subscribe(ctx context.Context, req Request) (<-chan operation.ExecutionResult, error) {
	field, err := m.record(req)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	s, ok := m.streams[field]
	ferr := m.failures[field]
	m.mu.Unlock()
	if ferr != nil {
		return nil, ferr
	}
	if !ok {
		return nil, fmt.Errorf("mock executor: no stream for %q", field)
	}
	out := make(chan operation.ExecutionResult)
	go func() {
		defer close(out)
		for _, res := range s.results {
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
		if s.hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (m *MockExecutor) record(req Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		return "", err
	}
	def, err := language.SelectOperation(doc, req.OperationName)
	if err != nil {
		return "", err
	}
	for _, sel := range def.SelectionSet {
		if f, ok := sel.(*language.Field); ok {
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("mock executor: operation selects no field")
}
