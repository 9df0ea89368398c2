package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/chat-sentinel/backend/internal/health"
	"github.com/chat-sentinel/backend/pkg/logger"
)

type HealthHandler struct {
	aggregator *health.Aggregator
}

func NewHealthHandler(aggregator *health.Aggregator) *HealthHandler {
	return &HealthHandler{aggregator: aggregator}
}

// HandleHealth returns the latest aggregated snapshot. It reads the
// cached snapshot rather than recomputing, so it stays cheap under load.
func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	snapshot := h.aggregator.Snapshot()

	status := fiber.StatusOK
	if snapshot.Status == "unhealthy" {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(snapshot)
}

func (h *HealthHandler) HandleReady(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ready",
	})
}

// HandleHealthStream pushes a snapshot over the websocket every few
// seconds until the client disconnects.
func (h *HealthHandler) HandleHealthStream(c *websocket.Conn) {
	logger.Info("Health stream connection established")

	defer func() {
		c.Close()
		logger.Info("Health stream connection closed")
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	if err := c.WriteJSON(h.aggregator.Snapshot()); err != nil {
		logger.Error("Failed to write health snapshot", zap.Error(err))
		return
	}

	for range ticker.C {
		if err := c.WriteJSON(h.aggregator.Snapshot()); err != nil {
			logger.Debug("Health stream write failed, closing", zap.Error(err))
			return
		}
	}
}
