package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/whadgest/whadgest-backend/internal/auth"
	"github.com/whadgest/whadgest-backend/internal/models"
	"github.com/whadgest/whadgest-backend/internal/queue"
	"github.com/whadgest/whadgest-backend/internal/services"
)

// DeviceRegistrar creates devices and rotates their tokens
type DeviceRegistrar interface {
	Register(ctx context.Context, deviceID, platform string) (string, error)
	Rotate(ctx context.Context, deviceID string) (string, error)
}

// DeviceLister lists registered devices
type DeviceLister interface {
	List(ctx context.Context) ([]models.Device, error)
}

// Rescanner runs the orphan re-scan on demand
type Rescanner interface {
	Rescan(ctx context.Context) (*services.RescanReport, error)
}

// TokenIssuer issues operator access tokens
type TokenIssuer interface {
	GenerateOperatorToken(username string) (string, time.Time, error)
}

// AdminHandlers handles the operator endpoints
type AdminHandlers struct {
	login     auth.OperatorLogin
	tokens    TokenIssuer
	registrar DeviceRegistrar
	devices   DeviceLister
	queue     queue.Queue
	rescanner Rescanner
	metrics   *services.Metrics
	logger    *logrus.Logger
}

// AdminDeps groups the collaborators of AdminHandlers
type AdminDeps struct {
	Login     auth.OperatorLogin
	Tokens    TokenIssuer
	Registrar DeviceRegistrar
	Devices   DeviceLister
	Queue     queue.Queue
	Rescanner Rescanner
	Metrics   *services.Metrics
}

// NewAdminHandlers creates operator handlers
func NewAdminHandlers(deps AdminDeps, logger *logrus.Logger) *AdminHandlers {
	return &AdminHandlers{
		login:     deps.Login,
		tokens:    deps.Tokens,
		registrar: deps.Registrar,
		devices:   deps.Devices,
		queue:     deps.Queue,
		rescanner: deps.Rescanner,
		metrics:   deps.Metrics,
		logger:    logger,
	}
}

// LoginRequest represents an operator login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login handles POST /api/v1/admin/login
func (h *AdminHandlers) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Username and password are required")
	}

	if !h.login.Verify(req.Username, req.Password) {
		h.logger.WithField("ip", c.IP()).Warn("Operator login failed")
		return fiber.NewError(fiber.StatusUnauthorized, "Invalid username or password")
	}

	token, expiresAt, err := h.tokens.GenerateOperatorToken(req.Username)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(expiresAt).Seconds()),
	})
}

// ListDevices handles GET /api/v1/admin/devices
func (h *AdminHandlers) ListDevices(c *fiber.Ctx) error {
	devices, err := h.devices.List(c.Context())
	if err != nil {
		return err
	}
	if devices == nil {
		devices = []models.Device{}
	}
	return c.JSON(fiber.Map{"devices": devices})
}

// RegisterDeviceRequest represents a device registration
type RegisterDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// RegisterDevice handles POST /api/v1/admin/devices. The token is only
// returned here.
func (h *AdminHandlers) RegisterDevice(c *fiber.Ctx) error {
	var req RegisterDeviceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if req.DeviceID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "device_id is required")
	}

	token, err := h.registrar.Register(c.Context(), req.DeviceID, req.Platform)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"device_id": req.DeviceID,
		"token":     token,
	})
}

// RotateDeviceToken handles POST /api/v1/admin/devices/:id/token
func (h *AdminHandlers) RotateDeviceToken(c *fiber.Ctx) error {
	token, err := h.registrar.Rotate(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"device_id": c.Params("id"),
		"token":     token,
	})
}

// ListJobs handles GET /api/v1/admin/jobs?state=dead&limit=50
func (h *AdminHandlers) ListJobs(c *fiber.Ctx) error {
	state := queue.StateDead
	if raw := c.Query("state"); raw != "" {
		parsed, err := queue.ParseState(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		state = parsed
	}

	jobs, err := h.queue.List(c.Context(), state, c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	views := make([]jobView, len(jobs))
	for i, job := range jobs {
		views[i] = jobView{Job: job, LastError: job.LastError.String}
	}
	return c.JSON(fiber.Map{
		"state": state,
		"jobs":  views,
	})
}

type jobView struct {
	queue.Job
	LastError string `json:"last_error,omitempty"`
}

// RequeueJob handles POST /api/v1/admin/jobs/:id/requeue
func (h *AdminHandlers) RequeueJob(c *fiber.Ctx) error {
	if err := h.queue.Requeue(c.Context(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"id":    c.Params("id"),
		"state": queue.StatePending,
	})
}

// QueueStats handles GET /api/v1/admin/jobs/stats
func (h *AdminHandlers) QueueStats(c *fiber.Ctx) error {
	stats, err := h.queue.Stats(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"jobs": stats})
}

// Rescan handles POST /api/v1/admin/rescan
func (h *AdminHandlers) Rescan(c *fiber.Ctx) error {
	report, err := h.rescanner.Rescan(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(report)
}

// Metrics handles GET /api/v1/admin/metrics
func (h *AdminHandlers) Metrics(c *fiber.Ctx) error {
	return c.JSON(h.metrics.Snapshot())
}
