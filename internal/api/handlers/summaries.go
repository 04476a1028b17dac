package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/api/middleware"
	"github.com/whadgest/whadgest-backend/internal/events"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/repository"
	"github.com/whadgest/whadgest-backend/internal/services"
)

// SummaryQuerier answers device reads
type SummaryQuerier interface {
	ListChats(ctx context.Context, deviceID string) ([]models.ConversationActivity, error)
	ListSummaries(ctx context.Context, deviceID, conversationID string, filter repository.SummaryFilter) (*services.SummaryPage, error)
	Digest(ctx context.Context, deviceID, conversationID string, from, to *time.Time) (*services.Digest, error)
	Stats(ctx context.Context, deviceID string, from, to time.Time) (*services.DeviceStats, error)
}

// Triggerer schedules the pending windows of a device
type Triggerer interface {
	Trigger(ctx context.Context, deviceID, conversationID string) (*services.RescanReport, error)
}

// SummaryHandlers handles the device-facing summary endpoints
type SummaryHandlers struct {
	query   SummaryQuerier
	trigger Triggerer
	hub     *events.Hub
	logger  *logrus.Logger
}

// NewSummaryHandlers creates summary handlers. hub may be nil to disable the live feed.
func NewSummaryHandlers(query SummaryQuerier, trigger Triggerer, hub *events.Hub, logger *logrus.Logger) *SummaryHandlers {
	return &SummaryHandlers{
		query:   query,
		trigger: trigger,
		hub:     hub,
		logger:  logger,
	}
}

// ListChats handles GET /api/v1/summaries/chats
func (h *SummaryHandlers) ListChats(c *fiber.Ctx) error {
	device := middleware.GetDevice(c)
	chats, err := h.query.ListChats(c.Context(), device.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"chats":     chats,
		"total":     len(chats),
		"timestamp": time.Now().UnixMilli(),
	})
}

// Stats handles GET /api/v1/summaries/stats
func (h *SummaryHandlers) Stats(c *fiber.Ctx) error {
	device := middleware.GetDevice(c)
	from, to, err := parseRange(c)
	if err != nil {
		return err
	}

	var fromT, toT time.Time
	if from != nil {
		fromT = *from
	}
	if to != nil {
		toT = *to
	}
	stats, err := h.query.Stats(c.Context(), device.ID, fromT, toT)
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

// ListSummaries handles GET /api/v1/summaries/:chatId. format=markdown
// answers with the digest instead of the page.
func (h *SummaryHandlers) ListSummaries(c *fiber.Ctx) error {
	switch c.Query("format") {
	case "", "json":
	case "markdown":
		return h.Digest(c)
	default:
		return fiber.NewError(fiber.StatusBadRequest, "format must be json or markdown")
	}

	device := middleware.GetDevice(c)
	from, to, err := parseRange(c)
	if err != nil {
		return err
	}

	page, err := h.query.ListSummaries(c.Context(), device.ID, c.Params("chatId"), repository.SummaryFilter{
		From:   from,
		To:     to,
		Limit:  c.QueryInt("limit", services.DefaultPageSize),
		Offset: c.QueryInt("offset", 0),
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

// Digest handles GET /api/v1/summaries/:chatId/markdown
func (h *SummaryHandlers) Digest(c *fiber.Ctx) error {
	device := middleware.GetDevice(c)
	from, to, err := parseRange(c)
	if err != nil {
		return err
	}

	digest, err := h.query.Digest(c.Context(), device.ID, c.Params("chatId"), from, to)
	if err != nil {
		return err
	}
	if c.Accepts(fiber.MIMEApplicationJSON, "text/markdown") == "text/markdown" {
		c.Set(fiber.HeaderContentType, "text/markdown; charset=utf-8")
		return c.SendString(digest.Markdown)
	}
	return c.JSON(digest)
}

// Trigger handles POST /api/v1/summaries/trigger
func (h *SummaryHandlers) Trigger(c *fiber.Ctx) error {
	device := middleware.GetDevice(c)

	var body struct {
		ChatID string `json:"chatId"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}

	report, err := h.trigger.Trigger(c.Context(), device.ID, body.ChatID)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "summarization triggered",
		"chatId": body.ChatID,
		"report": report,
	})
}

// FeedUpgrade rejects non-websocket requests to the feed. Must run after DeviceAuth.
func (h *SummaryHandlers) FeedUpgrade(c *fiber.Ctx) error {
	if h.hub == nil {
		return fiber.NewError(fiber.StatusNotFound, "Live feed disabled")
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("device_id", middleware.GetDevice(c).ID)
	return c.Next()
}

// Feed streams summary.created events for the connected device
func (h *SummaryHandlers) Feed(conn *websocket.Conn) {
	defer conn.Close()

	deviceID, _ := conn.Locals("device_id").(string)
	sub := h.hub.Subscribe(deviceID)
	defer h.hub.Unsubscribe(sub)

	log := h.logger.WithField("device_id", deviceID)
	log.Debug("Summary feed connected")

	// Reader detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("Summary feed disconnected")
			return
		case evt := <-sub.C:
			if err := conn.WriteJSON(fiber.Map{"type": "summary.created", "data": evt}); err != nil {
				log.WithError(err).Debug("Summary feed write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseRange reads optional from/to query parameters as RFC 3339 timestamps
func parseRange(c *fiber.Ctx) (*time.Time, *time.Time, error) {
	parse := func(name string) (*time.Time, error) {
		raw := c.Query(name)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid "+name+" timestamp, expected RFC 3339")
		}
		t = t.UTC()
		return &t, nil
	}

	from, err := parse("from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parse("to")
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, "to must not be before from")
	}
	return from, to, nil
}
