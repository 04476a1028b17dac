package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/whadgest/whadgest-backend/internal/api/middleware"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/services"
)

// Ingester stores device batches
type Ingester interface {
	Ingest(ctx context.Context, device *models.Device, req *services.IngestRequest) (*services.IngestResult, error)
}

// IngestHandler handles message uploads from devices
type IngestHandler struct {
	ingester Ingester
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(ingester Ingester) *IngestHandler {
	return &IngestHandler{ingester: ingester}
}

// Ingest handles POST /api/v1/messages/ingest
func (h *IngestHandler) Ingest(c *fiber.Ctx) error {
	device := middleware.GetDevice(c)
	if device == nil {
		return fiber.NewError(fiber.StatusUnauthorized, "Device not authenticated")
	}

	var req services.IngestRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	result, err := h.ingester.Ingest(c.Context(), device, &req)
	if err != nil {
		return err
	}
	return c.JSON(result)
}
