package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns the bcrypt hash stored in OPS_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// OpsAuth protects operator endpoints with basic auth against a bcrypt hash.
// With an empty hash every request is rejected.
func OpsAuth(user, passwordHash string) fiber.Handler {
	if passwordHash == "" {
		log.Warn("[OpsAuth] No OPS_PASSWORD_HASH configured, operator endpoints are locked")
	}
	return basicauth.New(basicauth.Config{
		Realm: "webhook-ops",
		Authorizer: func(u, p string) bool {
			if passwordHash == "" || u != user {
				return false
			}
			return CheckPasswordHash(p, passwordHash)
		},
		Unauthorized: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		},
	})
}
