package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-jsonrpc/message"
)

// LoggingMiddleware logs every call with its duration and outcome.
func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if req.ID != nil && !req.ID.IsZero() {
				fields = append(fields, zap.Stringer("id", req.ID))
			}
			switch {
			case err != nil:
				log.Warn("call failed", append(fields, zap.Error(err))...)
			case resp != nil && resp.Error != nil:
				log.Info("call returned error", append(fields, zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))...)
			default:
				log.Debug("call", fields...)
			}
			return resp, err
		}
	}
}
