package plugin

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is one GraphQL request as received from the client side.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// BatchRequest is either a single request object or an array of them.
type BatchRequest struct {
	Requests []Request
	// Batch is true when the arguments were a JSON array.
	Batch bool
}

var (
	errEmptyBatch   = errors.New("plugin: empty batch")
	errMissingQuery = errors.New("plugin: missing 'query'")
)

func (b *BatchRequest) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var arr []Request
		if err := codec.Unmarshal(data, &arr); err != nil {
			return fmt.Errorf("plugin: invalid batch: %w", err)
		}
		if len(arr) == 0 {
			return errEmptyBatch
		}
		*b = BatchRequest{Requests: arr, Batch: true}
		return nil
	}
	var req Request
	if err := codec.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("plugin: invalid request: %w", err)
	}
	*b = BatchRequest{Requests: []Request{req}}
	return nil
}

// subscriptionRequest is a Request tagged with the correlation id the client
// listens on.
type subscriptionRequest struct {
	Request
	ID uint32 `json:"id"`
}

func decodeSubscription(data []byte) (subscriptionRequest, error) {
	var req subscriptionRequest
	if err := codec.Unmarshal(data, &req); err != nil {
		return subscriptionRequest{}, fmt.Errorf("plugin: invalid subscription request: %w", err)
	}
	return req, nil
}
