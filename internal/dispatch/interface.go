package dispatch

import (
	"context"
	"time"

	"github.com/mattjoyce/bascule/internal/executor"
	"github.com/mattjoyce/bascule/internal/pool"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/bascule/internal/dispatch ScriptRunner

// ScriptRunner defines the executor surface the dispatch loop depends on.
type ScriptRunner interface {
	Run(ctx context.Context, slot *pool.Slot, source string, timeout time.Duration) (executor.Result, error)
}
