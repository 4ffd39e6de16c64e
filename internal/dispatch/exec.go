package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/task"
)

// ResolveFunc maps a manifest to the command line that executes it.
type ResolveFunc func(m *Manifest) []string

// DefaultResolve runs "conductor-target-<name>" with dots replaced by
// dashes, so the security.scanner target execs conductor-target-security-scanner.
func DefaultResolve(m *Manifest) []string {
	return []string{"conductor-target-" + strings.ReplaceAll(m.Name, ".", "-")}
}

// ExecInvoker runs native-runtime targets as subprocesses. The task
// spec is written to stdin as JSON and a Result is read from stdout.
type ExecInvoker struct {
	Dir     string
	Resolve ResolveFunc
}

// execRequest is the JSON handed to the target process.
type execRequest struct {
	Task     *task.Spec `json:"task"`
	Manifest *Manifest  `json:"manifest"`
}

// Invoke executes the target command and decodes its Result.
func (e *ExecInvoker) Invoke(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error) {
	resolve := e.Resolve
	if resolve == nil {
		resolve = DefaultResolve
	}
	argv := resolve(m)
	if len(argv) == 0 {
		return nil, cerr.ErrToolFailure(m.Name, fmt.Errorf("no command resolved"))
	}

	payload, err := json.Marshal(execRequest{Task: t, Manifest: m})
	if err != nil {
		return nil, cerr.ErrToolFailure(m.Name, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, cerr.ErrTaskTimeout(t.ID, m.Timeout().String())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, cerr.ErrToolFailure(m.Name, fmt.Errorf("%s", msg))
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, cerr.ErrSchemaInvalid(m.Name, "stdout is not a valid result: "+err.Error())
	}
	if res.Metrics.DurationMs == 0 {
		res.Metrics.DurationMs = time.Since(start).Milliseconds()
	}
	return &res, nil
}
