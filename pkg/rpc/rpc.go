// Package rpc provides the lightweight JSON-over-TCP RPC framing used to
// talk to the remote search backend.
//
// Protocol: newline-delimited JSON over a persistent TCP connection. Each
// request carries a method name and an id; responses echo the id and carry
// either data or an error string. Calls are context-cancellable: abandoning
// a call (a superseded search) tears the connection down rather than leaving
// a read blocked.
package rpc

import "encoding/json"

// Request is the wire format for an RPC request.
type Request struct {
	Method string          `json:"method"`
	ID     string          `json:"id"`
	Params json.RawMessage `json:"params"`
}

// Response is the wire format for an RPC response.
type Response struct {
	ID    string `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}
