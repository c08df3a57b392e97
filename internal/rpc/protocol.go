package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	jsonRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision sent in the initialize handshake.
	ProtocolVersion = "2024-11-05"

	// initializeID is reserved for the handshake; regular calls start at 1.
	initializeID int64 = 0
)

var (
	ErrUnavailable = errors.New("worker session is unavailable")
	ErrClosed      = errors.New("worker session closed")
	ErrTimeout     = errors.New("worker call timed out")
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// envelope is any line read from the worker. ID is a pointer so that
// notifications (no id) can be told apart from id 0.
type envelope struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (e *envelope) isResponse() bool {
	return e.ID != nil && e.Method == "" && (len(e.Result) > 0 || hasValue(e.Error))
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// RPCError is an error envelope returned by the worker. Workers are not
// consistent about the shape: some send a JSON-RPC error object, some a bare
// string. Raw keeps whatever was sent.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func (e *RPCError) Error() string {
	switch {
	case e.Message != "" && e.Code != 0:
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	case e.Message != "":
		return e.Message
	case len(e.Raw) > 0:
		return string(e.Raw)
	default:
		return "unknown worker error"
	}
}

func parseRPCError(raw json.RawMessage) *RPCError {
	rpcErr := &RPCError{Raw: append(json.RawMessage(nil), raw...)}
	var message string
	if err := json.Unmarshal(raw, &message); err == nil {
		rpcErr.Message = message
		return rpcErr
	}
	_ = json.Unmarshal(raw, rpcErr)
	return rpcErr
}
