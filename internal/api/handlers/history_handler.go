package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/storage/sqlite"
	"github.com/chat-sentinel/backend/pkg/logger"
)

type HistoryHandler struct {
	store *sqlite.Client
}

func NewHistoryHandler(store *sqlite.Client) *HistoryHandler {
	return &HistoryHandler{store: store}
}

func (h *HistoryHandler) HandleHistory(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit > 100 {
		limit = 100
	}

	history, err := h.store.SessionHistory(c.Context(), sessionID, limit)
	if err != nil {
		logger.Error("Failed to load session history",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"count":      len(history),
		"history":    history,
	})
}
