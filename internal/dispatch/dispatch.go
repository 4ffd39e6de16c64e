package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/ideamine/conductor/internal/artifact"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/metrics"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

// DefaultFailureThreshold is how many consecutive schema or tool
// failures on one task trigger a self-execution takeover.
const DefaultFailureThreshold = 3

// Result is what an invocation returns to the coordinator.
type Result struct {
	OK          bool                 `json:"ok"`
	Output      json.RawMessage      `json:"output,omitempty"`
	Artifacts   []*artifact.Artifact `json:"artifacts,omitempty"`
	Metrics     task.Metrics         `json:"metrics"`
	Error       string               `json:"error,omitempty"`
	ExecutionID string               `json:"executionId"`
	Cached      bool                 `json:"cached,omitempty"`
}

// Invoker executes one target. Implementations wrap a remote agent,
// a container runtime, or an in-process tool.
type Invoker interface {
	Invoke(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error) {
	return f(ctx, t, m)
}

// InterventionFunc is notified when a task crosses the consecutive
// failure threshold and should be taken over.
type InterventionFunc func(ctx context.Context, t *task.Spec, trigger, details string)

// Dispatcher validates, caches, and times invocations.
type Dispatcher struct {
	db       *storage.DB
	registry *Registry
	logger   *slog.Logger
	recorder *metrics.Recorder

	threshold    int
	onThreshold  InterventionFunc

	mu       sync.Mutex
	invokers map[string]Invoker
	failures map[string]int

	sf singleflight.Group
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithRecorder wires per-step metrics rows.
func WithRecorder(r *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithFailureThreshold overrides the consecutive-failure threshold.
func WithFailureThreshold(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.threshold = n
		}
	}
}

// WithInterventionFunc sets the callback fired at the threshold.
func WithInterventionFunc(fn InterventionFunc) Option {
	return func(d *Dispatcher) { d.onThreshold = fn }
}

// New creates a Dispatcher over the given registry.
func New(db *storage.DB, registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:        db,
		registry:  registry,
		logger:    slog.Default(),
		threshold: DefaultFailureThreshold,
		invokers:  make(map[string]Invoker),
		failures:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterInvoker binds an invoker to a target name.
func (d *Dispatcher) RegisterInvoker(target string, inv Invoker) {
	d.mu.Lock()
	d.invokers[target] = inv
	d.mu.Unlock()
}

// ConsecutiveFailures returns the current failure streak for a task.
func (d *Dispatcher) ConsecutiveFailures(t *task.Spec) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[failureKey(t)]
}

func failureKey(t *task.Spec) string {
	return t.RunID + "/" + t.ID
}

// Dispatch invokes a task's target. Inputs are validated against the
// manifest before invocation and outputs after; a mismatch either way
// is a schema failure. When the task carries an idempotence key, at
// most one computation per key runs at a time and completed results
// are served from the artifact cache.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Spec) (*Result, error) {
	m, err := d.registry.Lookup(t.Target)
	if err != nil {
		return nil, err
	}

	inputJSON, err := json.Marshal(t.Input)
	if err != nil {
		return nil, cerr.ErrSchemaInvalid(t.Target, fmt.Sprintf("input not serializable: %v", err))
	}
	if detail := validatePayload(inputJSON, m.InputSchema); detail != "" {
		d.recordFailure(ctx, t, "schema", detail)
		return nil, cerr.ErrSchemaInvalid(t.Target, "input: "+detail)
	}

	if t.IdempotenceKey == "" {
		return d.invoke(ctx, t, m)
	}

	key := artifact.CacheKey(t.Target, m.Version, t.Input, t.IdempotenceKey)
	v, err, _ := d.sf.Do(key, func() (any, error) {
		if cached, err := d.db.GetArtifactByCacheKey(ctx, t.RunID, key); err == nil && cached != nil {
			d.logger.Debug("idempotence cache hit",
				"run_id", t.RunID, "task", t.ID, "target", t.Target)
			return &Result{
				OK:          true,
				Output:      json.RawMessage(cached.Content),
				Artifacts:   []*artifact.Artifact{cached},
				ExecutionID: cached.ID,
				Cached:      true,
			}, nil
		}
		res, err := d.invoke(ctx, t, m)
		if err != nil {
			return nil, err
		}
		for _, a := range res.Artifacts {
			if err := d.db.SaveArtifact(ctx, a, key); err != nil {
				d.logger.Warn("failed to cache artifact",
					"artifact", a.ID, "error", err)
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// invoke runs the target under the effective timeout and validates
// its output.
func (d *Dispatcher) invoke(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error) {
	d.mu.Lock()
	inv, ok := d.invokers[t.Target]
	d.mu.Unlock()
	if !ok {
		return nil, cerr.ErrTargetUnknown(t.Target)
	}

	timeout := effectiveTimeout(t, m)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := inv.Invoke(ctx, t, m)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = cerr.ErrTaskTimeout(t.ID, timeout.String())
		} else {
			err = cerr.ErrToolFailure(t.Target, err)
		}
		d.recordFailure(ctx, t, "tool", err.Error())
		d.recordStep(t, nil, elapsed, "failed")
		return nil, err
	}
	if res == nil {
		err := cerr.ErrToolFailure(t.Target, fmt.Errorf("invoker returned no result"))
		d.recordFailure(ctx, t, "tool", err.Error())
		return nil, err
	}
	res.Metrics.DurationMs = elapsed.Milliseconds()

	if res.OK {
		if detail := validatePayload(res.Output, m.OutputSchema); detail != "" {
			d.recordFailure(ctx, t, "schema", detail)
			d.recordStep(t, res, elapsed, "schema_failure")
			return nil, cerr.ErrSchemaInvalid(t.Target, "output: "+detail)
		}
		d.mu.Lock()
		delete(d.failures, failureKey(t))
		d.mu.Unlock()
		d.recordStep(t, res, elapsed, "succeeded")
		metrics.RecordTask(t.Target, "succeeded")
		return res, nil
	}

	d.recordFailure(ctx, t, "tool", res.Error)
	d.recordStep(t, res, elapsed, "failed")
	metrics.RecordTask(t.Target, "failed")
	return res, nil
}

// effectiveTimeout is the tighter of the manifest timeout and the
// task's wallclock budget.
func effectiveTimeout(t *task.Spec, m *Manifest) time.Duration {
	timeout := m.Timeout()
	if wc := t.Budget.Wallclock(); wc > 0 && (timeout == 0 || wc < timeout) {
		timeout = wc
	}
	return timeout
}

func (d *Dispatcher) recordFailure(ctx context.Context, t *task.Spec, kind, detail string) {
	d.mu.Lock()
	d.failures[failureKey(t)]++
	streak := d.failures[failureKey(t)]
	d.mu.Unlock()

	d.logger.Warn("invocation failure",
		"run_id", t.RunID, "task", t.ID, "target", t.Target,
		"kind", kind, "streak", streak, "detail", detail)

	if streak >= d.threshold && d.onThreshold != nil {
		trigger := "consecutive_tool_failures"
		if kind == "schema" {
			trigger = "consecutive_schema_failures"
		}
		// The triggering invocation may have timed out; the takeover
		// must still be able to persist its claim.
		d.onThreshold(context.WithoutCancel(ctx), t, trigger,
			fmt.Sprintf("%d consecutive %s failures: %s", streak, kind, detail))
	}
}

func (d *Dispatcher) recordStep(t *task.Spec, res *Result, elapsed time.Duration, status string) {
	if d.recorder == nil {
		return
	}
	step := &storage.StepRecord{
		RunID:     t.RunID,
		Phase:     t.Phase,
		Step:      t.ID,
		Actor:     t.Target,
		LatencyMs: elapsed.Milliseconds(),
		Status:    status,
	}
	if in, err := json.Marshal(t.Input); err == nil {
		step.Inputs = string(in)
	}
	if res != nil {
		step.Outputs = string(res.Output)
		step.CostUSD = res.Metrics.CostUSD
		step.Metadata = map[string]any{
			"tokens":      res.Metrics.Tokens,
			"toolMinutes": res.Metrics.ToolMinutes,
			"executionId": res.ExecutionID,
		}
	}
	d.recorder.RecordStep(step)
}

// validatePayload checks required fields against a payload; it returns
// an empty string when valid, a description otherwise.
func validatePayload(payload []byte, s Schema) string {
	if len(s.Required) == 0 {
		return ""
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !gjson.ValidBytes(payload) {
		return "payload is not valid JSON"
	}
	var missing []string
	for _, f := range s.Required {
		v := gjson.GetBytes(payload, f.Path)
		if !v.Exists() {
			missing = append(missing, fmt.Sprintf("missing field %q", f.Path))
			continue
		}
		if !typeMatches(v, f.Type) {
			missing = append(missing, fmt.Sprintf("field %q: want %s, got %s",
				f.Path, f.Type, typeName(v)))
		}
	}
	return strings.Join(missing, "; ")
}

func typeMatches(v gjson.Result, want string) bool {
	switch want {
	case "", "any":
		return true
	case "string":
		return v.Type == gjson.String
	case "number":
		return v.Type == gjson.Number
	case "bool":
		return v.Type == gjson.True || v.Type == gjson.False
	case "object":
		return v.IsObject()
	case "array":
		return v.IsArray()
	}
	return false
}

func typeName(v gjson.Result) string {
	switch {
	case v.IsObject():
		return "object"
	case v.IsArray():
		return "array"
	case v.Type == gjson.String:
		return "string"
	case v.Type == gjson.Number:
		return "number"
	case v.Type == gjson.True || v.Type == gjson.False:
		return "bool"
	case v.Type == gjson.Null:
		return "null"
	}
	return "unknown"
}
