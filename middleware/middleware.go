// Package middleware wraps JSON-RPC calls in an onion of cross-cutting
// behaviour. The same chain type serves both sides: the client wraps the
// outgoing call, the server wraps method dispatch.
package middleware

import (
	"context"

	"mini-jsonrpc/message"
)

// HandlerFunc handles one request. A JSON-RPC error object is a successful
// return (resp.Error set); err is reserved for failures that produced no
// response at all. Notifications return a nil response.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(h) == A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
