package handler

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"api-proxy-go/internal/config"
	"api-proxy-go/internal/metrics"
	"api-proxy-go/internal/middleware"
	"api-proxy-go/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy
// routes carry the CORS middleware so pre-flight and policy headers apply to
// them alone. m may be nil, in which case no metrics endpoint is served.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) error {
	pattern, err := middleware.CompileOriginPattern(cfg.CORS.OriginPattern)
	if err != nil {
		return fmt.Errorf("compile cors.origin_pattern: %w", err)
	}
	cors := middleware.CORS(pattern, m)

	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any(service.RoutePrefix, proxy.Handle, cors)
	e.Any(service.RoutePrefix+"/*", proxy.Handle, cors)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
	return nil
}
