package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"crmpulse/utils"
)

// respondError renders a *fiber.Error with its own status and message, and
// anything else as a 500.
func respondError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return utils.ErrorResponse(c, fe.Code, fe.Message, nil)
	}
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error", err)
}
