package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"crmpulse/utils"
)

// LocalUserID is the fiber.Ctx local holding the authenticated user id.
const LocalUserID = "user_id"

// Protected accepts a bearer JWT issued by the hosted auth provider, falling
// back to the access_token cookie.
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		authHeader := c.Get(fiber.HeaderAuthorization)
		if authHeader != "" {
			tokenParts := strings.SplitN(authHeader, " ", 2)
			if len(tokenParts) != 2 || !strings.EqualFold(tokenParts[0], "Bearer") {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = strings.TrimSpace(tokenParts[1])
		} else {
			token = c.Cookies("access_token")
		}
		if token == "" {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
		}

		claims, err := utils.ParseJWTToken(secret, token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}
		userID, err := claims.UserID()
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid token subject", nil)
		}

		c.Locals(LocalUserID, userID)
		return c.Next()
	}
}

// UserID returns the id stored by Protected, or 0.
func UserID(c *fiber.Ctx) uint {
	id, _ := c.Locals(LocalUserID).(uint)
	return id
}
