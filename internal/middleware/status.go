package middleware

import (
	"errors"

	"github.com/labstack/echo/v4"
)

// responseStatus resolves the status a request ends with. When a handler
// returns an *echo.HTTPError the response is not written yet; Echo's central
// error handler does that after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && !c.Response().Committed && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}
