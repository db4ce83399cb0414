package dispatch

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/bascule/internal/executor"
	"github.com/mattjoyce/bascule/internal/script"
)

// Stderr lines below are verbatim interpreter output observed on macOS;
// the classifier must keep recognizing them.
func TestClassifyPatternTable(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   Kind
	}{
		{
			name:   "automation not authorized",
			stderr: `execution error: Not authorized to send Apple events to Keyboard Maestro Engine. (-1743)`,
			want:   KindPermission,
		},
		{
			name:   "assistive access denied",
			stderr: `System Events got an error: osascript is not allowed assistive access. (-25211)`,
			want:   KindPermission,
		},
		{
			name:   "engine not running",
			stderr: `execution error: Keyboard Maestro Engine isn't running. (-600)`,
			want:   KindEngineUnavailable,
		},
		{
			name:   "application not found",
			stderr: `execution error: Application can't be found. (-2700)`,
			want:   KindEngineUnavailable,
		},
		{
			name:   "connection invalid",
			stderr: `execution error: The connection is invalid. (-609)`,
			want:   KindEngineUnavailable,
		},
		{
			name:   "syntax error",
			stderr: `script:32:35: syntax error: Expected """ but found end of script. (-2741)`,
			want:   KindScriptSyntax,
		},
		{
			name:   "unrecognized stderr",
			stderr: "something odd happened",
			want:   KindTransientIO,
		},
		{
			name:   "empty stderr",
			stderr: "",
			want:   KindTransientIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := executor.Result{ExitCode: 1, Stderr: tt.stderr}
			cerr := Classify(res, script.CategoryMacro)
			if assert.NotNil(t, cerr) {
				assert.Equal(t, tt.want, cerr.Kind)
				assert.Equal(t, script.CategoryMacro, cerr.Category)
				assert.False(t, cerr.TimedOut)
			}
		})
	}
}

func TestClassifyCleanExit(t *testing.T) {
	// Exit 0 is success even when the interpreter wrote warnings.
	res := executor.Result{ExitCode: 0, Stdout: "42", Stderr: "warning: deprecated form"}
	assert.Nil(t, Classify(res, script.CategoryVariable))
}

func TestClassifyTimeout(t *testing.T) {
	res := executor.Result{
		ExitCode: -1,
		TimedOut: true,
		Duration: 1200 * time.Millisecond,
	}
	cerr := Classify(res, script.CategoryMacro)
	if assert.NotNil(t, cerr) {
		assert.Equal(t, KindTimeout, cerr.Kind)
		assert.True(t, cerr.TimedOut)
		assert.True(t, cerr.Retryable())
		assert.Contains(t, cerr.Message, "forcibly terminated")
	}
}

func TestClassifyTimeoutBeatsPatterns(t *testing.T) {
	// A kill mid-run can leave partial stderr; the timeout verdict wins.
	res := executor.Result{
		ExitCode: -1,
		TimedOut: true,
		Stderr:   "syntax error: unexpected end",
	}
	cerr := Classify(res, script.CategoryMacro)
	if assert.NotNil(t, cerr) {
		assert.Equal(t, KindTimeout, cerr.Kind)
	}
}

func TestClassifyTransientMessage(t *testing.T) {
	res := executor.Result{ExitCode: 7, Stderr: "disk hiccup\nsecond line ignored"}
	cerr := Classify(res, script.CategoryFile)
	if assert.NotNil(t, cerr) {
		assert.Equal(t, KindTransientIO, cerr.Kind)
		assert.Equal(t, "exit 7: disk hiccup", cerr.Message)
	}
}

func TestClassifySpawn(t *testing.T) {
	cause := errors.New("fork/exec /usr/bin/osascript: resource temporarily unavailable")
	cerr := ClassifySpawn(cause, script.CategoryClipboard)
	assert.Equal(t, KindEngineUnavailable, cerr.Kind)
	assert.True(t, cerr.Retryable())
	assert.ErrorIs(t, cerr, cause)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "first line", excerpt("\n\n  first line  \nsecond"))
	assert.Equal(t, "no stderr output", excerpt("  \n \n"))

	long := strings.Repeat("x", maxMessageBytes+50)
	got := excerpt(long)
	assert.Len(t, got, maxMessageBytes+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestClassifiedErrorMessage(t *testing.T) {
	cerr := newError(KindEngineUnavailable, script.CategoryMacro, "engine gone", nil)
	assert.Equal(t, "engine_unavailable: engine gone", cerr.Error())

	cerr.Attempts = 3
	assert.Equal(t, "engine_unavailable: engine gone (after 3 attempts)", cerr.Error())
}

func TestKindRetryable(t *testing.T) {
	retryable := map[Kind]bool{
		KindValidation:        false,
		KindPermission:        false,
		KindScriptSyntax:      false,
		KindEngineUnavailable: true,
		KindTimeout:           true,
		KindTransientIO:       true,
		KindPoolExhausted:     false,
		KindCircuitOpen:       false,
	}
	for kind, want := range retryable {
		assert.Equal(t, want, kind.Retryable(), "kind %s", kind)
	}
}
