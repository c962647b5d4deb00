package message

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application codes used by the wallet API.
const (
	CodeInvalidTxStatus = -32001
	CodeUnknownAPIKey   = -32002
	CodeInvalidAddress  = -32003
	CodeInvalidTxID     = -32004
	CodeNotSupported    = -32005
)

var codeText = map[int]string{
	CodeParseError:      "Parse error.",
	CodeInvalidRequest:  "Invalid JSON-RPC.",
	CodeMethodNotFound:  "Procedure not found.",
	CodeInvalidParams:   "Invalid parameters.",
	CodeInternalError:   "Internal JSON-RPC error.",
	CodeInvalidTxStatus: "Invalid TX status.",
	CodeUnknownAPIKey:   "Unknown API key.",
	CodeInvalidAddress:  "Invalid address.",
	CodeInvalidTxID:     "Invalid transaction ID.",
	CodeNotSupported:    "Feature is not supported",
}

// Error is the JSON-RPC error object. It is an application-level failure
// reported by the peer, not a framing problem.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError builds an error object, falling back to the code's standard text.
func NewError(code int, msg string) *Error {
	if msg == "" {
		msg = CodeText(code)
	}
	return &Error{Code: code, Message: msg}
}

// CodeText returns the default message for a known code.
func CodeText(code int) string {
	if s, ok := codeText[code]; ok {
		return s
	}
	return fmt.Sprintf("error %d", code)
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, message.NewError(message.CodeMethodNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
