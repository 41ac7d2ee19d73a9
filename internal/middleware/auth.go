package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"SecureEscrow/internal/models"
)

// Locals keys set by Protected.
const (
	LocalUserID = "user_id"
	LocalRole   = "role"
	LocalEmail  = "email"
)

func bearerToken(c *fiber.Ctx) string {
	authHeader := c.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// Protected validates the HS256 bearer token and exposes its claims as locals.
func Protected(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		tokenString := bearerToken(c)
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authorization header",
			})
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		userID, _ := claims["user_id"].(string)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}
		role, _ := claims["role"].(string)
		if role == "" {
			role = models.RoleUser
		}
		email, _ := claims["email"].(string)

		c.Locals(LocalUserID, userID)
		c.Locals(LocalRole, role)
		c.Locals(LocalEmail, email)
		return c.Next()
	}
}

// AdminOnly must run after Protected.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if role, _ := c.Locals(LocalRole).(string); role != models.RoleAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Admin access required",
			})
		}
		return c.Next()
	}
}

// CronAuth guards scheduler endpoints with a shared secret. An empty secret
// disables the endpoints.
func CronAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)
		if secret == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Unauthorized",
			})
		}
		return c.Next()
	}
}

// SignToken issues a token Protected accepts.
func SignToken(secret, userID, role, email string, claims jwt.MapClaims) (string, error) {
	all := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"email":   email,
	}
	for k, v := range claims {
		all[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, all).SignedString([]byte(secret))
}
