package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"athletereach/outreach"
	"athletereach/utils"
)

// outreachError maps core errors onto HTTP responses.
func outreachError(c *fiber.Ctx, err error) error {
	var derr *outreach.DeliveryError
	switch {
	case errors.As(err, &derr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": derr.Reason})
	case errors.Is(err, outreach.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, outreach.ErrInvalidArgument):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, outreach.ErrInvalidTransition),
		errors.Is(err, outreach.ErrImmutableRecord),
		errors.Is(err, outreach.ErrAlreadyScheduled):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	default:
		utils.LogError("request_failed", err, map[string]interface{}{
			"method": c.Method(),
			"path":   c.Path(),
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// routeID reads the :id param; zero means malformed.
func routeID(c *fiber.Ctx) uint {
	return utils.ParseUint(c.Params("id"))
}
