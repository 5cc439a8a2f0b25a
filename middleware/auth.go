package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"athletereach/config"
	"athletereach/models"
	"athletereach/utils"
)

var (
	errBadScheme  = errors.New("Invalid authorization format")
	errNoToken    = errors.New("Authorization required")
	errBadToken   = errors.New("Invalid or expired token")
	errNoUser     = errors.New("User not found")
	errRevoked    = errors.New("Invalid token version")
	errInactive   = errors.New("Account is not active")
	errUserLookup = errors.New("Failed to load user")
)

// Protected authenticates the caller and stores the user in c.Locals("user").
// Tokens come from the Authorization header, the access_token cookie, or,
// for websocket upgrades only, the access_token query parameter.
func Protected() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := tokenFromRequest(c)
		if err != nil {
			return deny(c, fiber.StatusUnauthorized, err)
		}

		claims, err := utils.ParseJWTToken(token)
		if err != nil {
			return deny(c, fiber.StatusUnauthorized, errBadToken)
		}

		user, status, err := loadUser(c, claims)
		if err != nil {
			return deny(c, status, err)
		}

		c.Locals("user", user)
		c.Locals("userID", user.ID)
		return c.Next()
	}
}

func tokenFromRequest(c *fiber.Ctx) (string, error) {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" || token == "" || strings.Contains(token, " ") {
			return "", errBadScheme
		}
		return token, nil
	}
	if token := c.Cookies("access_token"); token != "" {
		return token, nil
	}
	if strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket") {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
	}
	return "", errNoToken
}

// loadUser checks the account behind the claims. Bumping TokenVersion revokes
// every token issued before it.
func loadUser(c *fiber.Ctx, claims *utils.Claims) (*models.User, int, error) {
	var user models.User
	err := config.DB.WithContext(c.UserContext()).First(&user, claims.UserID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fiber.StatusUnauthorized, errNoUser
	case err != nil:
		utils.LogError("auth_user_lookup", err, map[string]interface{}{"user_id": claims.UserID})
		return nil, fiber.StatusInternalServerError, errUserLookup
	case !user.IsActive:
		return nil, fiber.StatusForbidden, errInactive
	case claims.TokenVersion != user.TokenVersion:
		return nil, fiber.StatusUnauthorized, errRevoked
	}
	return &user, fiber.StatusOK, nil
}

func deny(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// CurrentUser returns the user stored by Protected.
func CurrentUser(c *fiber.Ctx) *models.User {
	user, _ := c.Locals("user").(*models.User)
	return user
}
