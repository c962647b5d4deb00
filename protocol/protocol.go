// Package protocol implements newline-delimited JSON framing for JSON-RPC.
//
// A byte stream (TCP) or a sequence of messages (WebSocket) carries frames
// separated by a single 0x0A byte. There is no length prefix:
//
//	{"jsonrpc":"2.0","id":1,"result":true}\n{"jsonrpc":"2.0","id":"ev_system_state","result":{...}}\n{"jsonr
//	└──────────────── frame ──────────────┘  └───────────────────── frame ─────────────────────┘  └ residual
//
// Reads may split a frame anywhere or carry several frames at once. The Decoder
// keeps the undelimited tail between reads; the Encoder emits compact JSON that
// never contains a raw newline, so scanning for the delimiter byte is enough.
// Pretty-printed payloads with literal newlines are not supported.
package protocol

// Delimiter terminates every frame.
const Delimiter byte = '\n'
