package script

import (
	"time"

	"github.com/google/uuid"
)

// Priority is a scheduling hint recorded with each dispatch. It does not
// reorder slot acquisition; waiters are served in arrival order.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Request is a single invocation request against the automation engine.
// Treat a Request as immutable once constructed; NewRequest copies the
// params map so later caller mutations cannot leak in.
type Request struct {
	ID       string
	Caller   string
	Category Category
	Template string
	Params   map[string]any
	// Timeout overrides the configured per-attempt timeout when positive.
	Timeout  time.Duration
	Priority Priority
}

// NewRequest constructs a Request with a fresh ID. params is copied so the
// request stays immutable across retries.
func NewRequest(caller string, category Category, template string, params map[string]any) Request {
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Request{
		ID:       uuid.NewString(),
		Caller:   caller,
		Category: category,
		Template: template,
		Params:   cp,
		Priority: PriorityNormal,
	}
}
