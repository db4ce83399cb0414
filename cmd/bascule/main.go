package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/mattjoyce/bascule/internal/api"
	"github.com/mattjoyce/bascule/internal/auth"
	"github.com/mattjoyce/bascule/internal/config"
	"github.com/mattjoyce/bascule/internal/dispatch"
	"github.com/mattjoyce/bascule/internal/doctor"
	"github.com/mattjoyce/bascule/internal/events"
	"github.com/mattjoyce/bascule/internal/executor"
	"github.com/mattjoyce/bascule/internal/guard"
	"github.com/mattjoyce/bascule/internal/journal"
	"github.com/mattjoyce/bascule/internal/lock"
	"github.com/mattjoyce/bascule/internal/log"
	"github.com/mattjoyce/bascule/internal/maintenance"
	"github.com/mattjoyce/bascule/internal/metrics"
	"github.com/mattjoyce/bascule/internal/pool"
	"github.com/mattjoyce/bascule/internal/script"
	"github.com/mattjoyce/bascule/internal/storage"
	"github.com/mattjoyce/bascule/internal/tui/watch"
	"github.com/mattjoyce/bascule/internal/validate"
	"gopkg.in/yaml.v3"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runDoctor(args)
	case "dispatch":
		return runDispatch(args)
	case "watch":
		return runWatch(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: bascule version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("bascule %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`bascule - One-shot script bridge for automation engines

Usage:
  bascule <noun> <action> [flags]

Core Resources (Nouns):
  system    Bridge lifecycle and health
  config    Configuration inspection and integrity

System Commands:
  system start        Start the bridge in foreground
  system status       Show offline bridge health
  system watch        Real-time monitoring TUI

Config Commands:
  config check        Validate configuration and templates
  config show         Show resolved configuration
  config fingerprint  Hash config and templates for drift detection

One-shot Commands:
  doctor              Validate configuration and probe the engine
  dispatch            Run a single template through the local stack
  watch               Alias for system watch

General:
  --version           Show version information
  version             Show version information
  help                Show this help message

Use 'bascule <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "fingerprint":
		if hasHelpFlag(actionArgs) {
			printConfigFingerprintHelp()
			return 0
		}
		return runConfigFingerprint(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bascule system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: bascule config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, show, fingerprint")
}

func printSystemStartHelp() {
	fmt.Println("Usage: bascule system start [--config PATH]")
	fmt.Println("Start the bridge in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: bascule system status [--config PATH] [--json]")
	fmt.Println("Show offline bridge health (config, journal readiness, and PID lock state).")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  All required checks passed")
	fmt.Println("  1  One or more checks failed")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: bascule system watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI.")
	fmt.Println("Shows bridge health, slot states, circuit breakers, and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Bridge API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or BASCULE_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: bascule config check [--config PATH] [--json]")
	fmt.Println("Validate configuration, guard policy, token scopes, and templates.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: bascule config show [--config PATH] [--json]")
	fmt.Println("Show the fully resolved configuration with defaults applied.")
}

func printConfigFingerprintHelp() {
	fmt.Println("Usage: bascule config fingerprint [--config PATH] [--json]")
	fmt.Println("Hash the config file and template files for drift detection.")
}

func printDoctorHelp() {
	fmt.Println("Usage: bascule doctor [--config PATH] [--probe] [--json]")
	fmt.Println("Validate configuration; with --probe, also spawn the interpreter")
	fmt.Println("with the configured probe script to verify the engine answers.")
}

func printDispatchHelp() {
	fmt.Println("Usage: bascule dispatch <category> <template> [--param k=v ...] [--config PATH] [--timeout DUR] [--json]")
	fmt.Println("Run a single template through the local dispatch stack and print the result.")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  bascule dispatch macro macro.run --param name=\"Morning Routine\"")
}

// --- ACTION IMPLEMENTATIONS ---

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfigPath()
}

func pidLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Journal.Path), "bascule.pid")
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	registry, err := buildRegistry(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load templates: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, registry).Validate()
	return printDoctorResult(result, *jsonOut)
}

func printDoctorResult(result *doctor.Result, jsonOut bool) int {
	if jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, e := range result.Errors {
			fmt.Printf("ERROR [%s] %s", e.Category, e.Message)
			if e.Field != "" {
				fmt.Printf(" (%s)", e.Field)
			}
			fmt.Println()
		}
		for _, w := range result.Warnings {
			fmt.Printf("WARN  [%s] %s", w.Category, w.Message)
			if w.Field != "" {
				fmt.Printf(" (%s)", w.Field)
			}
			fmt.Println()
		}
		if result.Valid {
			fmt.Println("Status: Configuration check PASSED.")
		} else {
			fmt.Println("Status: Configuration check FAILED.")
		}
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(cfg)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigFingerprint(args []string) int {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report, err := config.Fingerprint(path, cfg.TemplatesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fingerprint failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, f := range report.Files {
			fmt.Printf("%s  %s\n", f.Hash, f.Path)
		}
		fmt.Printf("combined: %s\n", report.Combined)
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	probe := fs.Bool("probe", false, "Spawn the interpreter with the probe script")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if hasHelpFlag(args) {
		printDoctorHelp()
		return 0
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	registry, err := buildRegistry(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load templates: %v\n", err)
		return 1
	}

	doc := doctor.New(cfg, registry)
	code := printDoctorResult(doc.Validate(), *jsonOut)
	if code != 0 {
		return code
	}

	if *probe {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Pool.ProbeTimeout)
		defer cancel()
		if err := doc.Probe(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Engine probe FAILED: %v\n", err)
			return 1
		}
		fmt.Println("Engine probe OK.")
	}
	return 0
}

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var checks []statusCheck
	allOK := true

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		checks = append(checks, statusCheck{Name: "config", OK: false, Detail: err.Error()})
		return printStatusChecks(checks, *jsonOut, false)
	}

	cfg, err := config.Load(path)
	if err != nil {
		checks = append(checks, statusCheck{Name: "config", OK: false, Detail: err.Error()})
		return printStatusChecks(checks, *jsonOut, false)
	}
	checks = append(checks, statusCheck{Name: "config", OK: true, Detail: path})

	db, err := storage.OpenSQLite(context.Background(), cfg.Journal.Path)
	if err != nil {
		checks = append(checks, statusCheck{Name: "journal", OK: false, Detail: err.Error()})
		allOK = false
	} else {
		db.Close()
		checks = append(checks, statusCheck{Name: "journal", OK: true, Detail: cfg.Journal.Path})
	}

	lockPath := pidLockPath(cfg)
	if pid, running := lock.CheckPIDLock(lockPath); running {
		checks = append(checks, statusCheck{Name: "process", OK: true, Detail: fmt.Sprintf("running (pid %d)", pid)})
	} else {
		checks = append(checks, statusCheck{Name: "process", OK: true, Detail: "not running"})
	}

	return printStatusChecks(checks, *jsonOut, allOK)
}

func printStatusChecks(checks []statusCheck, jsonOut, allOK bool) int {
	if jsonOut {
		out := struct {
			OK     bool          `json:"ok"`
			Checks []statusCheck `json:"checks"`
		}{OK: allOK, Checks: checks}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
	} else {
		for _, c := range checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Printf("%-8s %-4s %s\n", c.Name, mark, c.Detail)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Bridge API URL")
	apiKey := fs.String("api-key", os.Getenv("BASCULE_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or BASCULE_API_KEY env var.")
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// parseParams splits repeated k=v pairs into a params map.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad --param %q (want key=value)", pair)
		}
		params[k] = v
	}
	return params, nil
}

// paramList collects repeated --param flags.
type paramList []string

func (p *paramList) String() string { return strings.Join(*p, ",") }
func (p *paramList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func runDispatch(args []string) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	timeout := fs.Duration("timeout", 0, "Overall dispatch deadline (default: no limit beyond retry policy)")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	var params paramList
	fs.Var(&params, "param", "Template parameter as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if fs.NArg() != 2 {
		printDispatchHelp()
		return 1
	}

	category, err := script.ParseCategory(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	templateID := fs.Arg(1)

	paramMap, err := parseParams(params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup("ERROR", cfg.Service.LogFormat)

	stack, err := buildStack(cfg, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer stack.pool.Close()

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	req := script.NewRequest("cli", category, templateID, paramMap)
	out, err := stack.dispatcher.Dispatch(ctx, req)
	if err != nil {
		var cerr *dispatch.ClassifiedError
		if errors.As(err, &cerr) {
			fmt.Fprintf(os.Stderr, "Dispatch failed (%s after %d attempts): %s\n", cerr.Kind, cerr.Attempts, cerr.Message)
		} else {
			fmt.Fprintf(os.Stderr, "Dispatch failed: %v\n", err)
		}
		return 1
	}

	if *jsonOut {
		result := struct {
			RequestID string `json:"request_id"`
			Output    string `json:"output"`
			Attempts  int    `json:"attempts"`
			Duration  string `json:"duration"`
		}{out.RequestID, out.Stdout, out.Attempts, out.Duration.String()}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Print(out.Stdout)
		if !strings.HasSuffix(out.Stdout, "\n") {
			fmt.Println()
		}
	}
	return 0
}

// stack bundles the wired dispatch pipeline for one-shot and service use.
type stack struct {
	registry   *script.Registry
	boundary   *guard.Guard
	pool       *pool.Pool
	breaker    *dispatch.Breaker
	dispatcher *dispatch.Dispatcher
}

func buildRegistry(cfg *config.Config, logFn func(level, msg string, args ...any)) (*script.Registry, error) {
	registry := script.NewRegistry()
	if err := registry.RegisterBuiltins(); err != nil {
		return nil, err
	}
	if cfg.TemplatesDir != "" {
		if _, err := registry.LoadDir(cfg.TemplatesDir, logFn); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildStack wires the full dispatch pipeline. jrnl and hub are optional
// observability sinks; either may be nil.
func buildStack(cfg *config.Config, jrnl *journal.Journal, hub *events.Hub) (*stack, error) {
	var logFn func(level, msg string, args ...any)
	if hub != nil {
		logger := log.WithComponent("templates")
		logFn = func(level, msg string, args ...any) {
			switch level {
			case "debug":
				logger.Debug(msg, args...)
			case "warn":
				logger.Warn(msg, args...)
			case "error":
				logger.Error(msg, args...)
			default:
				logger.Info(msg, args...)
			}
		}
	}

	registry, err := buildRegistry(cfg, logFn)
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	categories := make([]script.Category, 0, len(cfg.Guard.AllowedCategories))
	for _, c := range cfg.Guard.AllowedCategories {
		categories = append(categories, script.Category(c))
	}
	boundary, err := guard.New(guard.Config{
		AllowedCategories: categories,
		AllowedPaths:      cfg.Guard.AllowedPaths,
		AllowedAppIDs:     cfg.Guard.AllowedAppIDs,
		CallerQuota:       cfg.Guard.CallerQuota,
	})
	if err != nil {
		return nil, err
	}

	exec, err := executor.New(executor.Config{
		Binary:           cfg.Interpreter.Binary,
		Args:             cfg.Interpreter.Args,
		MaxOutputBytes:   cfg.Interpreter.MaxOutputBytes,
		TerminationGrace: cfg.Interpreter.TerminationGrace,
	})
	if err != nil {
		return nil, err
	}

	poolCfg := pool.Config{
		Capacity:       cfg.Pool.Capacity,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		ProbeTimeout:   cfg.Pool.ProbeTimeout,
	}
	if hub != nil {
		poolCfg.Notify = func(ev pool.Event) {
			hub.Publish("pool."+ev.Type, map[string]any{
				"slot_id":    ev.SlotID,
				"generation": ev.Generation,
			})
		}
	}
	probe := executor.NewProbe(exec, cfg.Interpreter.ProbeScript, cfg.Pool.ProbeTimeout)
	slotPool, err := pool.New(poolCfg, probe)
	if err != nil {
		return nil, err
	}

	breakerCfg := dispatch.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}
	breakerCfg.OnTransition = func(tr dispatch.Transition) {
		metrics.CircuitState.WithLabelValues(string(tr.Category)).Set(circuitStateValue(tr.To))
		if jrnl != nil {
			jrnl.CircuitChanged(tr)
		}
		if hub != nil {
			hub.Publish(events.TypeCircuitChanged, map[string]any{
				"category": tr.Category,
				"from":     tr.From,
				"to":       tr.To,
				"failures": tr.Failures,
			})
		}
	}
	breaker := dispatch.NewBreaker(breakerCfg)

	dispatchCfg := dispatch.Config{
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		EngineName:     cfg.Interpreter.EngineName,
		Policy: dispatch.RetryPolicy{
			MaxAttempts:       cfg.Dispatch.MaxAttempts,
			BackoffBase:       cfg.Dispatch.BackoffBase,
			BackoffMultiplier: cfg.Dispatch.BackoffMultiplier,
			BackoffCap:        cfg.Dispatch.BackoffCap,
		},
		Hub: hub,
	}
	if jrnl != nil {
		dispatchCfg.Recorder = jrnl
	}
	dispatcher := dispatch.New(registry, validate.New(), boundary, slotPool, exec, breaker, dispatchCfg)

	return &stack{
		registry:   registry,
		boundary:   boundary,
		pool:       slotPool,
		breaker:    breaker,
		dispatcher: dispatcher,
	}, nil
}

func circuitStateValue(s dispatch.CircuitState) float64 {
	switch s {
	case dispatch.CircuitHalfOpen:
		return 1
	case dispatch.CircuitOpen:
		return 2
	default:
		return 0
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	// Optional .env for local development; config interpolation picks
	// up anything it exports.
	_ = godotenv.Load()

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("bascule starting", "version", version, "config", path)

	lockPath := pidLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal database", "path", cfg.Journal.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("journal opened", "path", cfg.Journal.Path)

	jrnl := journal.New(db)
	hub := events.NewHub(256)

	stack, err := buildStack(cfg, jrnl, hub)
	if err != nil {
		logger.Error("failed to build dispatch stack", "error", err)
		return 1
	}
	defer stack.pool.Close()
	logger.Info("dispatch stack ready",
		"templates", stack.registry.Len(),
		"slots", stack.pool.Capacity(),
		"engine", cfg.Interpreter.EngineName,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	maint := maintenance.New(maintenance.Config{
		TickInterval:     cfg.Service.TickInterval,
		JournalRetention: cfg.Service.JournalRetention,
	}, jrnl, stack.pool, hub)
	maint.Start(ctx)
	defer maint.Stop()

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{
				Token:  t.Token,
				Label:  t.Label,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}
		apiServer := api.New(apiConfig, stack.dispatcher, stack.registry, stack.pool, stack.breaker, stack.boundary, jrnl, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("bascule running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("bascule stopped")
	return 0
}
