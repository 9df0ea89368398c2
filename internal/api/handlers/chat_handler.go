package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/pipeline"
	"github.com/chat-sentinel/backend/pkg/logger"
)

type ChatHandler struct {
	pipeline *pipeline.Pipeline
}

func NewChatHandler(p *pipeline.Pipeline) *ChatHandler {
	return &ChatHandler{pipeline: p}
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req struct {
		Message     string `json:"message"`
		UserID      string `json:"user_id"`
		SessionID   string `json:"session_id"`
		Preferences struct {
			EnableValidation *bool   `json:"enable_validation"`
			ValidationLevel  string  `json:"validation_level"`
			QualityThreshold float64 `json:"quality_threshold"`
			CollectFeedback  *bool   `json:"collect_feedback"`
		} `json:"preferences"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message is required",
		})
	}

	// Validation is on unless the caller turns it off.
	prefs := pipeline.Preferences{
		EnableValidation: true,
		ValidationLevel:  pipeline.ValidationLevel(req.Preferences.ValidationLevel),
		QualityThreshold: req.Preferences.QualityThreshold,
		CollectFeedback:  true,
	}
	if req.Preferences.EnableValidation != nil {
		prefs.EnableValidation = *req.Preferences.EnableValidation
	}
	if req.Preferences.CollectFeedback != nil {
		prefs.CollectFeedback = *req.Preferences.CollectFeedback
	}

	resp, err := h.pipeline.ProcessMessage(c.Context(), pipeline.Request{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Message:     req.Message,
		Preferences: prefs,
	})
	if err != nil {
		logger.Error("Failed to process message", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.JSON(resp)
}
