package middleware

import (
	"context"
	"time"

	"mini-jsonrpc/message"
)

// TimeOutMiddleware bounds a call by timeout. The handler sees the deadline in
// its context; if it ignores it, the caller still gets
// context.DeadlineExceeded on time and the late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *message.Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}
