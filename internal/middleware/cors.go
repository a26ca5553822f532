package middleware

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"api-proxy-go/internal/metrics"
)

const (
	corsAllowMethods = "GET,POST,OPTIONS"
	corsAllowHeaders = "Content-Type,Authorization"
)

// CORS returns an Echo middleware that applies the proxy's CORS policy and
// answers every OPTIONS request itself with 204.
//
// Origins matching pattern are reflected with credentials allowed. Every
// response, matching or not, advertises the allowed methods and headers;
// browsers enforce the rest. The match is case-insensitive.
func CORS(pattern *regexp.Regexp, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			if origin := c.Request().Header.Get(echo.HeaderOrigin); origin != "" && pattern.MatchString(origin) {
				h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				h.Set(echo.HeaderAccessControlAllowCredentials, "true")
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
			}
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)

			if c.Request().Method == http.MethodOptions {
				m.RecordOutcome(metrics.OutcomePreflight)
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// CompileOriginPattern compiles an origin pattern as a case-insensitive regexp.
func CompileOriginPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}
