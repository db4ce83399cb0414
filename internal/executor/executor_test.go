package executor

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/bascule/internal/log"
	"github.com/mattjoyce/bascule/internal/pool"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// testSlot acquires a slot from a single-slot pool whose probe always
// succeeds, so executor tests have a real slot identity to run against.
func testSlot(t *testing.T) *pool.Slot {
	t.Helper()

	p, err := pool.New(pool.Config{
		Capacity:       1,
		AcquireTimeout: time.Second,
		ProbeTimeout:   time.Second,
	}, func(ctx context.Context, slot *pool.Slot) error { return nil })
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(p.Close)

	slot, err := p.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("acquire slot: %v", err)
	}
	return slot
}

func shellExecutor(t *testing.T, maxOutput int) *Executor {
	t.Helper()

	exec, err := New(Config{
		Binary:           "/bin/sh",
		MaxOutputBytes:   maxOutput,
		TerminationGrace: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("create executor: %v", err)
	}
	return exec
}

func TestRunCapturesStdout(t *testing.T) {
	exec := shellExecutor(t, 64*1024)
	slot := testSlot(t)

	res, err := exec.Run(context.Background(), slot, `echo "hello from the engine"`, 5*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Success() {
		t.Errorf("expected success, got exit code %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello from the engine" {
		t.Errorf("stdout = %q, want %q", got, "hello from the engine")
	}
	if res.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestRunScriptOnStdin(t *testing.T) {
	// cat echoes its stdin, which is the script itself.
	exec, err := New(Config{Binary: "/bin/cat"})
	if err != nil {
		t.Fatalf("create executor: %v", err)
	}
	slot := testSlot(t)

	const source = "tell application to do nothing"
	res, err := exec.Run(context.Background(), slot, source, 5*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stdout != source {
		t.Errorf("stdout = %q, want script text %q", res.Stdout, source)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	exec := shellExecutor(t, 64*1024)
	slot := testSlot(t)

	res, err := exec.Run(context.Background(), slot, `echo "boom" >&2; exit 3`, 5*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Success() {
		t.Error("expected failure result")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Errorf("stderr = %q, want it to contain %q", res.Stderr, "boom")
	}
}

func TestRunAttemptTimeout(t *testing.T) {
	exec := shellExecutor(t, 64*1024)
	slot := testSlot(t)

	start := time.Now()
	res, err := exec.Run(context.Background(), slot, `sleep 30`, 300*time.Millisecond)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut result")
	}
	if res.Success() {
		t.Error("timed-out run must not be a success")
	}
	// SIGTERM kills the sleep well inside the grace period.
	if elapsed > 3*time.Second {
		t.Errorf("run took %s, termination did not cut the sleep short", elapsed)
	}
}

func TestRunContextCancellation(t *testing.T) {
	exec := shellExecutor(t, 64*1024)
	slot := testSlot(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := exec.Run(ctx, slot, `sleep 30`, 30*time.Second)
	elapsed := time.Since(start)

	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("run took %s after cancellation", elapsed)
	}
}

func TestRunOutputTruncation(t *testing.T) {
	exec := shellExecutor(t, 256)
	slot := testSlot(t)

	res, err := exec.Run(context.Background(), slot, `head -c 4096 /dev/zero | tr '\0' 'a'`, 5*time.Second)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.HasSuffix(res.Stdout, truncationMarker) {
		t.Errorf("expected truncation marker at end of stdout, got %q", res.Stdout[max(0, len(res.Stdout)-40):])
	}
	if len(res.Stdout) > 256+len(truncationMarker) {
		t.Errorf("stdout length %d exceeds cap plus marker", len(res.Stdout))
	}
}

func TestRunSpawnFailure(t *testing.T) {
	exec, err := New(Config{Binary: "/nonexistent/interpreter"})
	if err != nil {
		t.Fatalf("create executor: %v", err)
	}
	slot := testSlot(t)

	_, err = exec.Run(context.Background(), slot, `return 1`, 5*time.Second)
	if err == nil {
		t.Fatal("expected spawn error for missing binary")
	}
	if !strings.Contains(err.Error(), "start interpreter") {
		t.Errorf("err = %v, want start interpreter failure", err)
	}
}

func TestRunRejectsZeroTimeout(t *testing.T) {
	exec := shellExecutor(t, 64*1024)
	slot := testSlot(t)

	if _, err := exec.Run(context.Background(), slot, `exit 0`, 0); err == nil {
		t.Fatal("expected error for non-positive timeout")
	}
}

func TestNewRequiresBinary(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestNewProbe(t *testing.T) {
	exec := shellExecutor(t, 64*1024)
	slot := testSlot(t)

	tests := []struct {
		name    string
		source  string
		wantErr bool
	}{
		{name: "clean exit passes", source: `exit 0`, wantErr: false},
		{name: "non-zero exit fails", source: `echo "engine gone" >&2; exit 1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := NewProbe(exec, tt.source, 5*time.Second)
			err := probe(context.Background(), slot)
			if tt.wantErr && err == nil {
				t.Error("expected probe error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("probe failed: %v", err)
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	buf := &cappedBuffer{max: 8}

	n, err := buf.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	n, err = buf.Write([]byte("67890"))
	if err != nil || n != 5 {
		t.Fatalf("Write past cap = (%d, %v), want (5, nil)", n, err)
	}

	got := buf.String()
	if !strings.HasPrefix(got, "12345678") {
		t.Errorf("buffer = %q, want first 8 bytes kept", got)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("buffer = %q, want truncation marker", got)
	}
}
