package utils

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// GenerateRateLimitKey scopes limiter counters to one user and action.
func GenerateRateLimitKey(userID uint, scope string) string {
	return fmt.Sprintf("rl:%d:%s", userID, scope)
}

// SuccessResponse wraps a payload in the API envelope.
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ParseUint parses a route id; zero means invalid.
func ParseUint(s string) uint {
	i, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return uint(i)
}

// PaginatedResponse is the envelope for list endpoints.
type PaginatedResponse struct {
	Data  interface{} `json:"data"`
	Total int64       `json:"total"`
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
}
