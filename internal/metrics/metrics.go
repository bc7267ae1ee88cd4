package metrics

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Execution metrics
var (
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icee_executions_total",
			Help: "Finished executions by outcome",
		},
		[]string{"assignment", "outcome"},
	)

	ExecutionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icee_executions_active",
			Help: "Executions holding a throttle slot",
		},
	)

	ExecutionsWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icee_executions_waiting",
			Help: "Executions queued on the global throttle",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icee_stage_duration_seconds",
			Help:    "Wall time of foreground stages",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)
)

// Container metrics
var (
	ContainerAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "icee_container_acquire_duration_seconds",
			Help:    "Time to create, start and prime a container",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"result"},
	)

	ContainersManaged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icee_containers_managed",
			Help: "Containers currently owned by an execution",
		},
	)

	ImagePullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icee_image_pulls_total",
			Help: "Image pulls by result",
		},
		[]string{"result"},
	)

	VNCPortsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "icee_vnc_ports_available",
			Help: "Free host ports for remote screen servers",
		},
	)

	OrphansRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icee_orphan_containers_removed_total",
			Help: "Managed containers removed by the sweeper",
		},
	)
)

// API metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icee_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icee_submissions_total",
			Help: "Hand-in attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionsActive,
		ExecutionsWaiting,
		StageDuration,
		ContainerAcquireDuration,
		ContainersManaged,
		ImagePullsTotal,
		VNCPortsAvailable,
		OrphansRemovedTotal,
		HTTPRequestsTotal,
		SubmissionsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// FiberMiddleware counts requests by route pattern.
func FiberMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Method(),
			c.Route().Path,
			strconv.Itoa(status),
		).Inc()
		return err
	}
}
