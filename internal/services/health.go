package services

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pinger is anything whose reachability can be checked
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger
type PingerFunc func(ctx context.Context) error

// PingContext implements Pinger
func (f PingerFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

// ComponentHealth is the status of one dependency
type ComponentHealth struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	// Required components make the service unhealthy when down.
	Required bool `json:"-"`
}

// HealthReport is the result of a health check
type HealthReport struct {
	Status     string                     `json:"status"`
	Service    string                     `json:"service"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  int64                      `json:"timestamp"`
}

// Healthy reports whether every required component is up
func (r *HealthReport) Healthy() bool {
	return r.Status == "healthy"
}

type healthCheck struct {
	name     string
	pinger   Pinger
	required bool
}

// HealthService checks the database and the summarization backend
type HealthService struct {
	checks  []healthCheck
	timeout time.Duration
}

// NewHealthService creates a health checker with a per-check timeout
func NewHealthService(timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthService{timeout: timeout}
}

// Register adds a component. Optional components only degrade the report.
func (h *HealthService) Register(name string, pinger Pinger, required bool) *HealthService {
	h.checks = append(h.checks, healthCheck{name: name, pinger: pinger, required: required})
	return h
}

// Check pings every component concurrently
func (h *HealthService) Check(ctx context.Context) *HealthReport {
	return h.run(ctx, h.checks)
}

// Ready pings only the required components. Optional components cannot
// make the service unready.
func (h *HealthService) Ready(ctx context.Context) *HealthReport {
	var required []healthCheck
	for _, check := range h.checks {
		if check.required {
			required = append(required, check)
		}
	}
	return h.run(ctx, required)
}

func (h *HealthService) run(ctx context.Context, checks []healthCheck) *HealthReport {
	results := make([]ComponentHealth, len(checks))

	var g errgroup.Group
	for i, check := range checks {
		i, check := i, check
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			started := time.Now()
			err := check.pinger.PingContext(cctx)
			res := ComponentHealth{
				Status:    "up",
				LatencyMs: time.Since(started).Milliseconds(),
				Required:  check.required,
			}
			if err != nil {
				res.Status = "down"
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := &HealthReport{
		Status:     "healthy",
		Service:    "whadgest-backend",
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UnixMilli(),
	}
	for i, check := range checks {
		res := results[i]
		report.Components[check.name] = res
		if res.Status == "up" {
			continue
		}
		if res.Required {
			report.Status = "unhealthy"
		} else if report.Status == "healthy" {
			report.Status = "degraded"
		}
	}
	return report
}
