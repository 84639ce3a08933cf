package routes

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swcache/internal/host"
	"github.com/any-hub/swcache/internal/worker"
)

// MessagePoster 把命令异步投递给活动 worker。
type MessagePoster interface {
	PostMessage(ctx context.Context, msg worker.Message) error
}

// RegisterMessageRoutes 暴露 POST /-/worker/message，接受 {"action","url"} 命令后立即返回 202。
func RegisterMessageRoutes(app *fiber.App, poster MessagePoster, logger *logrus.Logger) {
	if app == nil || poster == nil {
		return
	}

	app.Post("/-/worker/message", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if err := poster.PostMessage(c.Context(), msg); err != nil {
			if logger != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"action":  "message",
					"message": msg.Action,
				}).Warn("message_dropped")
			}
			if errors.Is(err, host.ErrNoActiveWorker) {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	})
}
