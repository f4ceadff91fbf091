package middleware

import "github.com/labstack/echo/v4"

// errorJSON writes the gateway's failure shape unless a response is
// already on the wire.
func errorJSON(c echo.Context, status int, kind, message string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   kind,
		"message": message,
	})
}
