package api

import (
	"github.com/mattjoyce/bascule/internal/dispatch"
	"github.com/mattjoyce/bascule/internal/guard"
	"github.com/mattjoyce/bascule/internal/journal"
	"github.com/mattjoyce/bascule/internal/pool"
)

// DispatchRequest is the JSON body for POST /dispatch.
type DispatchRequest struct {
	Category string         `json:"category"`
	Template string         `json:"template"`
	Params   map[string]any `json:"params,omitempty"`
	// TimeoutSeconds overrides the per-attempt timeout when positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// DispatchResponse is returned on a successful manual dispatch.
type DispatchResponse struct {
	RequestID  string `json:"request_id"`
	Output     string `json:"output"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
}

// DispatchErrorResponse is returned when a dispatch fails. Kind is the
// classified taxonomy kind.
type DispatchErrorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
}

// ErrorResponse is returned on transport-level errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	SlotsIdle     int    `json:"slots_idle"`
	SlotsBusy     int    `json:"slots_busy"`
	SlotsBroken   int    `json:"slots_broken"`
	CircuitsOpen  int    `json:"circuits_open"`
}

// StatusResponse is the full snapshot returned by GET /status.
type StatusResponse struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Pool          pool.Stats             `json:"pool"`
	Slots         []pool.SlotInfo        `json:"slots"`
	Circuits      []dispatch.CircuitInfo `json:"circuits"`
	InFlight      []guard.CallerCount    `json:"in_flight,omitempty"`
	Journal       *journal.Stats         `json:"journal,omitempty"`
	Recent        []journal.Entry        `json:"recent,omitempty"`
	Templates     int                    `json:"templates"`
}

// TemplateInfo describes one registry template for discovery.
type TemplateInfo struct {
	ID          string          `json:"id"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	Params      []TemplateParam `json:"params,omitempty"`
}

// TemplateParam describes one template parameter.
type TemplateParam struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Kind     string   `json:"kind,omitempty"`
	Required bool     `json:"required"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Pattern  string   `json:"pattern,omitempty"`
}
