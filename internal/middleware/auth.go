package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/AlohaMarket/marketchat/pkg/utils"
)

// TokenFromRequest extracts the bearer token from the Authorization header
// or, for transports that cannot set headers (browser WebSocket dials), from
// the token query parameter. Query wins when both are present.
func TokenFromRequest(c *fiber.Ctx) string {
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	parts := strings.Split(strings.TrimSpace(c.Get("Authorization")), " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

// AuthRequired validates the request's JWT and exposes its identity as
// user_id and role locals.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := TokenFromRequest(c)
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing credentials",
			})
		}

		claims, err := utils.ValidateToken(tokenString, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("role", claims.Role)

		return c.Next()
	}
}
