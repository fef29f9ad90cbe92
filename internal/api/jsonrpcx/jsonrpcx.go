package jsonrpcx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JsonRpcNotification is a JSON-RPC 2.0 message without an id, pushed to pages over SSE
type JsonRpcNotification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewNotification builds a 2.0 notification
func NewNotification(method string, params interface{}) JsonRpcNotification {
	return JsonRpcNotification{Jsonrpc: "2.0", Method: method, Params: params}
}

// JSON-RPC 2.0 error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ErrInvalidVersion is returned for requests that are not JSON-RPC 2.0
var ErrInvalidVersion = errors.New("jsonrpc version must be 2.0")

// ParseRequest parses JSON-RPC 2.0 request from HTTP request body
func ParseRequest(r *http.Request) (*JSONRPCRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	if req.JSONRPC != "2.0" {
		return nil, ErrInvalidVersion
	}

	return &req, nil
}

// BindParams decodes the request params into v
func (r *JSONRPCRequest) BindParams(v any) error {
	if len(r.Params) == 0 {
		return errors.New("missing params")
	}
	return json.Unmarshal(r.Params, v)
}

// Success sends a successful JSON-RPC 2.0 response
func Success(w http.ResponseWriter, id any, result any) {
	Response(w, JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	})
}

// Error sends an error JSON-RPC 2.0 response
func Error(w http.ResponseWriter, id any, code int, message string) {
	Response(w, JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	})
}

// Response sends a JSON-RPC 2.0 response (always HTTP 200)
func Response(w http.ResponseWriter, response JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC always returns HTTP 200

	json.NewEncoder(w).Encode(response)
}
