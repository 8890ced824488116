package api

import (
	"errors"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/gofiber/fiber/v2"
)

func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindAuthentication:
		return fiber.StatusUnauthorized
	case apperror.KindRateLimit:
		return fiber.StatusTooManyRequests
	case apperror.KindValidation:
		return fiber.StatusBadRequest
	case apperror.KindNotFound:
		return fiber.StatusNotFound
	case apperror.KindPermission:
		return fiber.StatusForbidden
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	kind := apperror.KindOf(err)
	return c.Status(statusFor(kind)).JSON(fiber.Map{
		"error": apperror.Message(err),
		"kind":  kind,
	})
}

// errorHandler is the fiber fallback for errors returned by handlers.
func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return respondError(c, err)
}
