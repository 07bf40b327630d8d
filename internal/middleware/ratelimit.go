package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/ratelimit"

	"github.com/scroll-tech/aa-orchestrator/internal/config"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// RateLimiter the rate limiter for all endpoints
func RateLimiter(conf *config.Config) gin.HandlerFunc {
	bucket := ratelimit.NewBucket(time.Second/time.Duration(conf.RateLimiterQPS), conf.RateLimiterQPS)

	return func(c *gin.Context) {
		if bucket.TakeAvailable(1) < 1 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, types.JSONRPCResponse{
				JSONRPC: types.JSONRPCVersion,
				Error:   &types.RPCError{Code: types.RateLimitedCode, Message: "rate limit exceeded"},
			})
			return
		}

		c.Next()
	}
}
