package observability

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scroll-tech/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/scroll-tech/aa-orchestrator/internal/utils"
)

// Use instruments router with request counters and latency histograms labelled by route.
func Use(router *gin.Engine, name string, reg prometheus.Registerer) {
	factory := promauto.With(reg)
	requests := factory.NewCounterVec(prometheus.CounterOpts{
		Name:        "http_requests_total",
		Help:        "HTTP requests served, by route and status.",
		ConstLabels: prometheus.Labels{"service": name},
	}, []string{"method", "path", "status"})
	latency := factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_request_duration_seconds",
		Help:        "HTTP request latency, by route.",
		ConstLabels: prometheus.Labels{"service": name},
		Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"method", "path"})

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		latency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the metrics router: pprof, /metrics from gatherer, and the probes.
func Handler(gatherer prometheus.Gatherer, deps map[string]Pinger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	pprof.Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	probes := NewProbesController(deps)
	r.GET("/health", probes.HealthCheck)
	r.GET("/ready", probes.Ready)
	return r
}

// Server starts the metrics server when --metrics is set. The returned server is nil otherwise.
func Server(c *cli.Context, gatherer prometheus.Gatherer, deps map[string]Pinger) *http.Server {
	if !c.Bool(utils.MetricsEnabled.Name) {
		return nil
	}

	address := fmt.Sprintf("%s:%d", c.String(utils.MetricsAddr.Name), c.Int(utils.MetricsPort.Name))
	server := &http.Server{
		Addr:              address,
		Handler:           Handler(gatherer, deps),
		ReadHeaderTimeout: time.Minute,
	}
	log.Info("Starting metrics server", "address", address)

	go func() {
		if runServerErr := server.ListenAndServe(); runServerErr != nil && !errors.Is(runServerErr, http.ErrServerClosed) {
			log.Crit("run metrics http server failure", "error", runServerErr)
		}
	}()
	return server
}
