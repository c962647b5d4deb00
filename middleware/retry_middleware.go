package middleware

import (
	"context"
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mini-jsonrpc/message"
	"mini-jsonrpc/pending"
	"mini-jsonrpc/transport"
)

// RetryMiddleware re-sends a call that failed at the transport level, waiting
// baseDelay, 2*baseDelay, 4*baseDelay... between attempts. Application errors
// and context errors are returned immediately.
//
// A retried call may have reached the server before the connection broke;
// only wrap methods that are safe to repeat.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && Retryable(err); i++ {
				log.Info("retrying call",
					zap.String("method", req.Method),
					zap.Int("attempt", i+1),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i)) // Exponential backoff
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}

// Retryable reports whether err means the call never got an answer because
// the connection failed.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var terr *transport.Error
	return errors.Is(err, pending.ErrConnectionClosed) ||
		errors.As(err, &terr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
