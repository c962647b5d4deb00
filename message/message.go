// Package message defines the JSON-RPC 2.0 envelopes exchanged between client and server.
//
// Every frame on the wire is one of:
//
//	request:      {"jsonrpc":"2.0","id":1,"method":"wallet_status","params":{...}}
//	notification: {"jsonrpc":"2.0","method":"ping"}
//	response:     {"jsonrpc":"2.0","id":1,"result":{...}}  or  {"jsonrpc":"2.0","id":1,"error":{...}}
package message

import (
	"encoding/json"
	"errors"
)

// Version is the only protocol version this package speaks.
const Version = "2.0"

var (
	ErrInvalidMessage = errors.New("message: not a JSON-RPC 2.0 message")
	ErrNilResponse    = errors.New("message: nil response")
)

// Request is an outgoing (or server-received) call. A nil ID makes it a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a call with already-encoded params.
func NewRequest(id ID, method string, params json.RawMessage) *Request {
	return &Request{JSONRPC: Version, ID: &id, Method: method, Params: params}
}

// NewNotification builds a request that expects no response.
func NewNotification(method string, params json.RawMessage) *Request {
	return &Request{JSONRPC: Version, Method: method, Params: params}
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response carries either Result or Error, never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResult builds a successful response. A nil result is sent as JSON null.
func NewResult(id ID, result json.RawMessage) *Response {
	if result == nil {
		result = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Err returns the application error carried by the response, if any.
func (r *Response) Err() error {
	if r == nil {
		return ErrNilResponse
	}
	if r.Error != nil {
		return r.Error
	}
	return nil
}

// Message is the inbound envelope: whatever a frame decodes to before we know
// whether it is a call from the peer or an answer to one of ours.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Parse decodes one frame payload into a Message and checks the envelope.
// A response with a null id is accepted only when it carries an error, which
// is how a peer reports a request it could not read.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.JSONRPC != Version {
		return nil, ErrInvalidMessage
	}
	if m.Method == "" && m.ID == nil && m.Error == nil {
		return nil, ErrInvalidMessage
	}
	return &m, nil
}

// IsRequest reports whether the peer is calling us (with or without an id).
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// IsResponse reports whether the message answers a call.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.ID != nil || m.Error != nil)
}

// Request converts a request-shaped message.
func (m *Message) Request() *Request {
	return &Request{JSONRPC: m.JSONRPC, ID: m.ID, Method: m.Method, Params: m.Params}
}

// Response converts a response-shaped message.
func (m *Message) Response() *Response {
	resp := &Response{JSONRPC: m.JSONRPC, Result: m.Result, Error: m.Error}
	if m.ID != nil {
		resp.ID = *m.ID
	}
	return resp
}
