package health

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"

	healthy   = "healthy"
	unhealthy = "unhealthy"
)

// Checker defines the interface for checking a dependency's health.
type Checker interface {
	Ping(ctx context.Context) error
}

// RedisChecker adapts redis.Client to Checker interface.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// Ping checks Redis connectivity.
func (r *RedisChecker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Report is the outcome of a health check.
type Report struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Names returns the checked component names in order.
func (r *Report) Names() []string {
	names := make([]string, 0, len(r.Components))
	for name := range r.Components {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Handler checks the coordination store and any other registered dependencies.
type Handler struct {
	checks map[string]Checker
}

// NewHandler creates a health handler for the shared store.
func NewHandler(store Checker) *Handler {
	return &Handler{checks: map[string]Checker{"store": store}}
}

// Register adds a named dependency to the report.
func (h *Handler) Register(name string, checker Checker) {
	h.checks[name] = checker
}

// Check pings every dependency. A failing dependency degrades the report
// instead of returning an error.
func (h *Handler) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusOK,
		Components: make(map[string]string, len(h.checks)),
	}

	for name, checker := range h.checks {
		if err := checker.Ping(ctx); err != nil {
			report.Status = StatusDegraded
			report.Components[name] = unhealthy

			if report.Errors == nil {
				report.Errors = map[string]string{}
			}

			report.Errors[name] = err.Error()

			continue
		}

		report.Components[name] = healthy
	}

	return report
}
