package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on each request context. Handlers and the
// stores they call observe the deadline; if the handler gives up with a
// deadline error before writing, the client gets a 504.
//
// The handler runs on the calling goroutine so nothing writes the response
// after the middleware returns.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				return errorJSON(c, http.StatusGatewayTimeout, "Timeout",
					"Request processing exceeded the allowed time limit")
			}
			return err
		}
	}
}
