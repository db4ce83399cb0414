package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/bascule/internal/executor"
	"github.com/mattjoyce/bascule/internal/script"
)

// maxMessageBytes caps the stderr excerpt carried in a ClassifiedError.
const maxMessageBytes = 200

// rule maps a stderr substring (matched case-insensitively) to a
// taxonomy kind.
type rule struct {
	substr string
	kind   Kind
}

// classificationRules is scanned in order; the first match wins. The
// engine's error text is not a stable contract, so matching is kept to a
// short list of phrases observed from the interpreter, each covered by a
// test. The parenthesised numbers are the AppleEvent error codes the
// interpreter prints alongside the prose.
var classificationRules = []rule{
	{"not authorized", KindPermission},
	{"not allowed assistive access", KindPermission},
	{"(-1743)", KindPermission},
	{"isn't running", KindEngineUnavailable},
	{"not running", KindEngineUnavailable},
	{"application can't be found", KindEngineUnavailable},
	{"connection is invalid", KindEngineUnavailable},
	{"(-600)", KindEngineUnavailable},
	{"(-609)", KindEngineUnavailable},
	{"syntax error", KindScriptSyntax},
	{"(-2741)", KindScriptSyntax},
}

// Classify maps one execution result to the taxonomy. It returns nil for
// a clean exit. Classification is deterministic: timeout first, then the
// stderr pattern table, then the transient_io catch-all for any other
// non-zero exit.
func Classify(res executor.Result, category script.Category) *ClassifiedError {
	if res.TimedOut {
		cerr := newError(KindTimeout, category,
			fmt.Sprintf("invocation forcibly terminated after %s", res.Duration.Round(time.Millisecond)), nil)
		cerr.TimedOut = true
		return cerr
	}
	if res.ExitCode == 0 {
		return nil
	}

	stderr := strings.ToLower(res.Stderr)
	for _, r := range classificationRules {
		if strings.Contains(stderr, r.substr) {
			return newError(r.kind, category, excerpt(res.Stderr), nil)
		}
	}

	return newError(KindTransientIO, category,
		fmt.Sprintf("exit %d: %s", res.ExitCode, excerpt(res.Stderr)), nil)
}

// ClassifySpawn maps an interpreter spawn or plumbing failure. If the
// interpreter itself cannot start, the engine channel is unavailable.
func ClassifySpawn(err error, category script.Category) *ClassifiedError {
	return newError(KindEngineUnavailable, category,
		fmt.Sprintf("interpreter spawn failed: %v", err), err)
}

// excerpt returns the first non-empty stderr line, trimmed and capped,
// for use in error messages.
func excerpt(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxMessageBytes {
			return line[:maxMessageBytes] + "..."
		}
		return line
	}
	return "no stderr output"
}
