package functiontool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/inkeep/agents-runtime/pkg/store"
)

const defaultTimeoutMs = 30_000

// NativeExecutor runs function code as a local subprocess. The function
// reads its arguments from args.json in its working directory and must print
// a JSON result to stdout. The same contract holds for the docker executor.
type NativeExecutor struct{}

func NewNativeExecutor() *NativeExecutor { return &NativeExecutor{} }

func (*NativeExecutor) Name() string { return "native" }

func (*NativeExecutor) Execute(ctx context.Context, fn *store.Function, args map[string]any) (any, error) {
	interpreter, ext, err := runtimeCommand(fn.Runtime)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "fn-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "handler"+ext)
	if err := os.WriteFile(script, []byte(fn.Code), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write function code: %w", err)
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode function args: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "args.json"), input, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write function args: %w", err)
	}

	timeout := time.Duration(fn.TimeoutMs) * time.Millisecond
	if fn.TimeoutMs <= 0 {
		timeout = defaultTimeoutMs * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, script)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("function timed out after %s", timeout)
		}
		return nil, fmt.Errorf("function exited with error: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseOutput(stdout.Bytes())
}

// runtimeCommand maps a runtime name to an interpreter. Versioned names like
// node22 or python313 resolve by prefix.
func runtimeCommand(runtime string) (interpreter, ext string, err error) {
	switch {
	case runtime == "" || strings.HasPrefix(runtime, "node"):
		return "node", ".js", nil
	case strings.HasPrefix(runtime, "python"):
		return "python3", ".py", nil
	default:
		return "", "", fmt.Errorf("unsupported function runtime %q", runtime)
	}
}

func parseOutput(raw []byte) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		// Non-JSON output surfaces as plain text.
		return map[string]any{"output": string(raw)}, nil
	}
	return out, nil
}
