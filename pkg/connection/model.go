package connection

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code        int    `json:"code"`
	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
}

func (r *RPCError) Error() string {
	if r.Description != "" {
		return r.Description
	}
	return r.Message
}

// RPCRequest represents an outgoing JSON-RPC request
type RPCRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// RPCResponse represents an incoming JSON-RPC response
type RPCResponse[T any] struct {
	ID     any       `json:"id"`
	Error  *RPCError `json:"error,omitempty"`
	Result *T        `json:"result,omitempty"`
}

// QueryResult is the outcome of one statement of a query.
type QueryResult struct {
	Status string          `json:"status"`
	Time   string          `json:"time"`
	Result cbor.RawMessage `json:"result"`
}

// QueryError is a statement that finished with status ERR.
type QueryError struct {
	Statement int
	Message   string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("statement %d: %s", e.Statement, e.Message)
}

func (e *QueryError) Unwrap() error {
	return ErrQuery
}
