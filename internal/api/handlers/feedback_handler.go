package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/pipeline"
	"github.com/chat-sentinel/backend/pkg/logger"
)

type FeedbackHandler struct {
	collector *pipeline.Collector
}

func NewFeedbackHandler(collector *pipeline.Collector) *FeedbackHandler {
	return &FeedbackHandler{collector: collector}
}

func (h *FeedbackHandler) HandleFeedback(c *fiber.Ctx) error {
	var req struct {
		ResponseID  string   `json:"response_id"`
		Type        string   `json:"type"`
		Rating      int      `json:"rating"`
		Corrections string   `json:"corrections"`
		FlagReasons []string `json:"flag_reasons"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse feedback body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.ResponseID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "response_id is required",
		})
	}

	feedbackID, accepted := h.collector.Submit(pipeline.Feedback{
		ResponseID:  req.ResponseID,
		Type:        pipeline.FeedbackType(req.Type),
		Rating:      req.Rating,
		Corrections: req.Corrections,
		FlagReasons: req.FlagReasons,
	})

	// A full buffer is still a 202: feedback is advisory and the caller
	// has nothing useful to do about the drop.
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"feedback_id": feedbackID,
		"accepted":    accepted,
	})
}

func (h *FeedbackHandler) GetPatterns(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"patterns": h.collector.Patterns(),
	})
}
