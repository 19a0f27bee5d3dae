// Package cli implements the run_cli tool: one binary invocation per call,
// no shell, arguments confined to the locked working directory. Output
// sizing is owned by the Tool Worker's truncation policy, not here.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/manifold/turnengine/internal/config"
	"github.com/manifold/turnengine/internal/sandbox"
)

// Tool runs a single command under the exec policy: bare binary names
// only, a hard timeout ceiling, and path-shaped arguments resolved through
// the sandbox.
type Tool struct {
	workdir    string
	maxTimeout time.Duration
	blocked    map[string]struct{}
}

func New(cfg config.ExecConfig, workdir string) *Tool {
	blocked := make(map[string]struct{}, len(cfg.BlockBinaries))
	for _, b := range cfg.BlockBinaries {
		blocked[b] = struct{}{}
	}
	maxSecs := cfg.MaxCommandSeconds
	if maxSecs <= 0 {
		maxSecs = 30
	}
	return &Tool{
		workdir:    workdir,
		maxTimeout: time.Duration(maxSecs) * time.Second,
		blocked:    blocked,
	}
}

func (t *Tool) Name() string { return "run_cli" }

func (t *Tool) JSONSchema() map[string]any { return buildSchema(t) }

func (t *Tool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Command        string   `json:"command"`
		Args           []string `json:"args"`
		TimeoutSeconds int      `json:"timeout_seconds"`
		Stdin          string   `json:"stdin"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.Command == "" {
		return map[string]any{"ok": false, "error": "command is required"}, nil
	}
	if sandbox.IsBinaryBlocked(args.Command, t.blocked) {
		return map[string]any{"ok": false, "error": fmt.Sprintf("binary is blocked or invalid: %q", args.Command)}, nil
	}
	safeArgs := make([]string, 0, len(args.Args))
	for _, a := range args.Args {
		s, err := sandbox.SanitizeArg(t.workdir, a)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		safeArgs = append(safeArgs, s)
	}

	timeout := time.Duration(args.TimeoutSeconds) * time.Second
	if timeout <= 0 || timeout > t.maxTimeout {
		timeout = t.maxTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, span := otel.Tracer("tools/cli").Start(runCtx, "run_cli")
	defer span.End()

	cmd := exec.CommandContext(runCtx, args.Command, safeArgs...)
	cmd.Dir = t.workdir
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if args.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(args.Stdin)
	}

	start := time.Now()
	runErr := cmd.Run()
	dur := time.Since(start)

	exit := 0
	if runErr != nil {
		var ee *exec.ExitError
		switch {
		case errors.As(runErr, &ee):
			exit = ee.ExitCode()
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			exit = 124
		default:
			exit = 1
		}
	}

	meter := otel.Meter("tools/cli")
	if counter, err := meter.Int64Counter("cli.commands.total"); err == nil {
		counter.Add(runCtx, 1, otelmetric.WithAttributes(attribute.String("command", args.Command)))
	}
	if hist, err := meter.Int64Histogram("cli.command.duration.ms"); err == nil {
		hist.Record(runCtx, dur.Milliseconds(), otelmetric.WithAttributes(attribute.String("command", args.Command)))
	}
	span.SetAttributes(
		attribute.String("cli.command", args.Command),
		attribute.Int("cli.exit_code", exit),
		attribute.Int64("cli.duration_ms", dur.Milliseconds()),
	)

	return map[string]any{
		"ok":          runErr == nil,
		"exit_code":   exit,
		"stdout":      stdout.String(),
		"stderr":      stderr.String(),
		"duration_ms": dur.Milliseconds(),
	}, nil
}
