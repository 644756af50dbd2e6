package middleware

import (
	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveWebSockets tracks currently open realtime connections.
	ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatterbox_active_websockets",
		Help: "Number of open WebSocket connections",
	})

	// RedisErrors counts failed Redis commands by command name.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatterbox_redis_errors_total",
		Help: "Total number of Redis command errors",
	}, []string{"command"})
)

// InitMetrics builds the HTTP request instrumentation for the given service.
func InitMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	return fiberprometheus.New(serviceName)
}

// MetricsMiddleware returns the request-recording handler, or a pass-through
// when metrics are disabled.
func MetricsMiddleware(prom *fiberprometheus.FiberPrometheus) fiber.Handler {
	if prom == nil {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return prom.Middleware
}
