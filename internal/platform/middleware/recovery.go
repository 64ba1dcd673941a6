package middleware

import (
	"fmt"
	"runtime"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caregate/caregate/internal/platform/apperr"
)

// Recovery turns handler panics into INTERNAL errors. The panic is logged with
// its stack and forwarded to Sentry, which is a no-op without a DSN.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				buf := make([]byte, 4096)
				buf = buf[:runtime.Stack(buf, false)]

				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("path", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", buf).
					Msg("handler panicked")

				sentry.CurrentHub().Clone().RecoverWithContext(c.Request().Context(), r)
				err = apperr.HTTP(apperr.New(apperr.CodeInternal, "internal server error"))
			}()
			return next(c)
		}
	}
}
