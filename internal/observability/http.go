package observability

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsPath is where both binaries expose the scrape endpoint.
const MetricsPath = "/metrics"

// MetricsHandler serves the default registry in the Prometheus text or OpenMetrics format.
// Collection errors are reported per collector instead of failing the whole scrape.
func MetricsHandler() fiber.Handler {
	RegisterMetrics()
	handler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
	return adaptor.HTTPHandler(handler)
}

// Mount registers the scrape endpoint on r.
func Mount(r fiber.Router) {
	r.Get(MetricsPath, MetricsHandler())
}
