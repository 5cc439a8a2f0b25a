package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// CORSConfig controls which browser origins may call the API.
type CORSConfig struct {
	// AllowedOrigins lists exact origins; "*" allows any origin without credentials.
	AllowedOrigins   []string
	AllowCredentials bool
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORSConfig allows the local frontend. X-Signature is listed for
// webhook replays from the dashboard.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"http://localhost:3000"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Signature"},
		ExposedHeaders:   []string{"Content-Length", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:           3600,
	}
}

// CORSForOrigins is DefaultCORSConfig with the configured origin list.
func CORSForOrigins(origins []string) fiber.Handler {
	cfg := DefaultCORSConfig()
	if len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}
	return CORS(cfg)
}

func CORS(cfg CORSConfig) fiber.Handler {
	allowAny := false
	exact := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAny = true
			continue
		}
		exact[strings.TrimRight(o, "/")] = true
	}

	preflight := map[string]string{
		fiber.HeaderAccessControlAllowMethods:  strings.Join(cfg.AllowedMethods, ","),
		fiber.HeaderAccessControlAllowHeaders:  strings.Join(cfg.AllowedHeaders, ","),
		fiber.HeaderAccessControlExposeHeaders: strings.Join(cfg.ExposedHeaders, ","),
		fiber.HeaderAccessControlMaxAge:        strconv.Itoa(cfg.MaxAge),
	}

	return func(c *fiber.Ctx) error {
		origin := c.Get(fiber.HeaderOrigin)
		c.Vary(fiber.HeaderOrigin)

		allowed := false
		switch {
		case origin == "":
		case exact[origin]:
			allowed = true
			c.Set(fiber.HeaderAccessControlAllowOrigin, origin)
			if cfg.AllowCredentials {
				c.Set(fiber.HeaderAccessControlAllowCredentials, "true")
			}
		case allowAny:
			// Credentials are never combined with a wildcard origin.
			allowed = true
			c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
		}

		if c.Method() != fiber.MethodOptions || origin == "" {
			return c.Next()
		}
		if !allowed {
			return c.SendStatus(fiber.StatusForbidden)
		}
		for k, v := range preflight {
			c.Set(k, v)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
