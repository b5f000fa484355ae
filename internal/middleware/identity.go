package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// UserContextKey is the echo context key holding the caller's user id.
const UserContextKey = "user_id"

// Identity resolves the caller from an "Authorization: Bearer <user id>" header. The
// relay trusts the token as the user id; there is no session or password check.
func Identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(auth, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		c.Set(UserContextKey, token)
		return next(c)
	}
}

// UserID returns the id stored by Identity, or "" when the route is unauthenticated.
func UserID(c echo.Context) string {
	id, _ := c.Get(UserContextKey).(string)
	return id
}
