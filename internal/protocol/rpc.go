package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// JSON-RPC methods of the notify protocol.
const (
	MethodSubscribe = "wc_notifySubscribe"
	MethodUpdate    = "wc_notifyUpdate"
	MethodDelete    = "wc_notifyDelete"
	MethodMessage   = "wc_notifyMessage"
)

// JSON-RPC error codes used in rejections.
const (
	CodeInvalidParams = -32602
	CodeUnauthorized  = 3001
	CodeInvalidScope  = 3002
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is a JSON-RPC 2.0 request or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether m carries a method call.
func (m *Message) IsRequest() bool { return m.Method != "" }

// Request parameter and result shapes. Each carries one signed JWT.
type (
	SubscribeParams struct {
		SubscriptionAuth string `json:"subscriptionAuth"`
	}
	UpdateParams struct {
		UpdateAuth string `json:"updateAuth"`
	}
	DeleteParams struct {
		DeleteAuth string `json:"deleteAuth"`
	}
	MessageParams struct {
		MessageAuth string `json:"messageAuth"`
	}
	ResponseResult struct {
		ResponseAuth string `json:"responseAuth"`
	}
	ReceiptResult struct {
		ReceiptAuth string `json:"receiptAuth"`
	}
)

// NewID returns a fresh request id.
func NewID() string { return uuid.Must(uuid.NewV4()).String() }

// NewRequest encodes a request with a new id.
func NewRequest(method string, params any) (Message, []byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Message{}, nil, err
	}
	m := Message{JSONRPC: "2.0", ID: NewID(), Method: method, Params: raw}
	b, err := json.Marshal(m)
	return m, b, err
}

// NewResult encodes a success response to request id.
func NewResult(id string, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{JSONRPC: "2.0", ID: id, Result: raw})
}

// NewError encodes an error response to request id.
func NewError(id string, code int, msg string) ([]byte, error) {
	return json.Marshal(Message{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}})
}

// Decode parses a decrypted payload.
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m.JSONRPC != "2.0" || m.ID == "" {
		return nil, fmt.Errorf("not a json-rpc 2.0 message")
	}
	return &m, nil
}
