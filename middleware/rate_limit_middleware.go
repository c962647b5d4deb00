package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"mini-jsonrpc/message"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// r 是每秒补充的令牌数，burst 是桶容量。超限的请求直接失败，不排队。
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
