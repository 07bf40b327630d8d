// Package observability serves health probes, Prometheus metrics and pprof for the orchestrator.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ProbesController probe check controller
type ProbesController struct {
	deps map[string]Pinger
}

// NewProbesController returns an ProbesController instance. Ready fails while any of deps is unreachable.
func NewProbesController(deps map[string]Pinger) *ProbesController {
	return &ProbesController{deps: deps}
}

// HealthCheck the api controller for health check
func (a *ProbesController) HealthCheck(c *gin.Context) {
	types.RenderSuccess(c, nil)
}

// Ready the api controller for ready check
func (a *ProbesController) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	var errs []error
	for name, dep := range a.deps {
		if err := dep.Ping(ctx); err != nil {
			log.Warn("Readiness check failed", "dependency", name, "error", err)
			errs = append(errs, errors.New(name+": "+err.Error()))
		}
	}
	if len(errs) > 0 {
		types.RenderJSON(c, types.InternalServerError, errors.Join(errs...), nil)
		return
	}
	types.RenderSuccess(c, nil)
}
