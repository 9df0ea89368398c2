package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(union\s+select|insert\s+into|drop\s+table|delete\s+from|exec\s*\()`)
	xssPattern          = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

type Config struct {
	MaxMessageLength    int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed chat and feedback payloads before they
// reach the pipeline. Semantic input validation (prompt injection, PII)
// happens inside the pipeline; this layer only guards the HTTP shape.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxMessageLength == 0 {
		cfg.MaxMessageLength = 5000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			contentType := c.Get("Content-Type")
			if contentType != "" && !typeAllowed(contentType, cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()

		if strings.Contains(path, "/api/v1/chat") && c.Method() == fiber.MethodPost {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			message, ok := req["message"].(string)
			if !ok || strings.TrimSpace(message) == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Message is required and must be a string",
				})
			}

			if len(message) > cfg.MaxMessageLength {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Message exceeds maximum length",
				})
			}

			if sqlInjectionPattern.MatchString(message) || xssPattern.MatchString(message) {
				cfg.Logger.Warn("Suspicious payload rejected",
					zap.String("ip", c.IP()),
					zap.String("path", path),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid message content",
				})
			}
		}

		if strings.Contains(path, "/api/v1/feedback") && c.Method() == fiber.MethodPost {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			responseID, ok := req["response_id"].(string)
			if !ok || responseID == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "response_id is required and must be a string",
				})
			}

			feedbackType, ok := req["type"].(string)
			if !ok || !validFeedbackType(feedbackType) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "type must be one of: positive, negative, correction, flag",
				})
			}

			if rating, ok := req["rating"].(float64); ok {
				if rating < 1 || rating > 5 {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "rating must be between 1 and 5",
					})
				}
			}
		}

		return c.Next()
	}
}

func typeAllowed(contentType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.Contains(contentType, a) {
			return true
		}
	}
	return false
}

func validFeedbackType(t string) bool {
	switch t {
	case "positive", "negative", "correction", "flag":
		return true
	}
	return false
}
