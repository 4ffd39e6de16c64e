package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamine/conductor/internal/artifact"
	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/storage"
	"github.com/ideamine/conductor/internal/task"
)

func testManifest() *Manifest {
	return &Manifest{
		Name:    "coder",
		Version: "1.2.0",
		Runtime: RuntimeNative,
		InputSchema: Schema{Required: []Field{
			{Path: "story", Type: "string"},
		}},
		OutputSchema: Schema{Required: []Field{
			{Path: "files", Type: "array"},
			{Path: "summary", Type: "string"},
		}},
		Produces: []string{"code"},
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(testManifest()))
	return r
}

func testTask(id string) *task.Spec {
	return &task.Spec{
		ID: id, RunID: "run-1", Phase: "build", Type: task.TypeAgent,
		Target: "coder", Priority: task.PriorityP2,
		Input: map[string]any{"story": "implement login"},
	}
}

func okInvoker(calls *atomic.Int64) InvokerFunc {
	return func(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error) {
		calls.Add(1)
		out := []byte(`{"files":["auth.go"],"summary":"done"}`)
		return &Result{
			OK:     true,
			Output: json.RawMessage(out),
			Artifacts: []*artifact.Artifact{
				artifact.New(t.RunID, t.ID, t.Phase, "code", out, artifact.Provenance{Producer: m.Name}),
			},
			Metrics:     task.Metrics{Tokens: 10, CostUSD: 0.01},
			ExecutionID: "exec-1",
		}, nil
	}
}

func newDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *storage.DB) {
	t.Helper()
	db := storage.NewTestDB(t)
	require.NoError(t, db.SaveRun(context.Background(),
		&storage.Run{ID: "run-1", TenantID: "t1", State: "running"}))
	return New(db, testRegistry(t), opts...), db
}

func TestRegistryLookupUnknownTarget(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Lookup("nope")
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryValidation, cerr.CategoryOf(err))
}

func TestRegistryByProduces(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(&Manifest{
		Name: "writer", Version: "0.1.0", Runtime: RuntimeNative,
		Produces: []string{"code", "doc"},
	}))

	got := r.ByProduces("code")
	require.Len(t, got, 2)
	assert.Equal(t, "coder", got[0].Name)
	assert.Equal(t, "writer", got[1].Name)
	assert.Empty(t, r.ByProduces("sbom"))
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	single := `
name: linter
version: "2.0.0"
runtime: docker
timeout_ms: 30000
output_schema:
  required:
    - path: issues
      type: array
produces: [lint_report]
`
	multi := `
manifests:
  - name: scanner
    version: "1.0.0"
    runtime: native
    produces: [cve_report]
  - name: profiler
    version: "1.0.0"
    runtime: wasm
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "linter.yaml"), []byte(single), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.yml"), []byte(multi), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadDir(dir))
	assert.Equal(t, []string{"linter", "profiler", "scanner"}, r.Names())

	m, err := r.Lookup("linter")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, m.Timeout())
}

func TestManifestValidate(t *testing.T) {
	bad := &Manifest{Name: "x", Version: "1", Runtime: "metal"}
	require.Error(t, bad.Validate())

	badField := testManifest()
	badField.InputSchema.Required[0].Type = "tuple"
	require.Error(t, badField.Validate())
}

func TestDispatchSuccess(t *testing.T) {
	var calls atomic.Int64
	d, _ := newDispatcher(t)
	d.RegisterInvoker("coder", okInvoker(&calls))

	res, err := d.Dispatch(context.Background(), testTask("TASK-001"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Cached)
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, "code", res.Artifacts[0].Type)
	assert.GreaterOrEqual(t, res.Metrics.DurationMs, int64(0))
}

func TestDispatchInputSchemaFailure(t *testing.T) {
	var calls atomic.Int64
	d, _ := newDispatcher(t)
	d.RegisterInvoker("coder", okInvoker(&calls))

	bad := testTask("TASK-001")
	bad.Input = map[string]any{"story": 42}
	_, err := d.Dispatch(context.Background(), bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "story")
	assert.Zero(t, calls.Load(), "invoker must not run on invalid input")
}

func TestDispatchOutputSchemaFailure(t *testing.T) {
	d, _ := newDispatcher(t)
	d.RegisterInvoker("coder", InvokerFunc(func(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error) {
		return &Result{OK: true, Output: json.RawMessage(`{"files":"not-an-array"}`)}, nil
	}))

	tk := testTask("TASK-001")
	_, err := d.Dispatch(context.Background(), tk)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "files")
	assert.Equal(t, 1, d.ConsecutiveFailures(tk))
}

func TestDispatchTimeout(t *testing.T) {
	d, _ := newDispatcher(t)
	d.RegisterInvoker("coder", InvokerFunc(func(ctx context.Context, t *task.Spec, m *Manifest) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	tk := testTask("TASK-001")
	tk.Budget.MaxWallclockMinutes = 0.0005 // 30ms

	_, err := d.Dispatch(context.Background(), tk)
	require.Error(t, err)
	assert.True(t, cerr.IsRetryable(err))
}

func TestIdempotenceCacheHit(t *testing.T) {
	var calls atomic.Int64
	d, _ := newDispatcher(t)
	d.RegisterInvoker("coder", okInvoker(&calls))

	first := testTask("TASK-001")
	first.IdempotenceKey = "login-v1"
	res1, err := d.Dispatch(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, res1.Cached)

	second := testTask("TASK-002")
	second.IdempotenceKey = "login-v1"
	res2, err := d.Dispatch(context.Background(), second)
	require.NoError(t, err)
	assert.True(t, res2.Cached)
	assert.Equal(t, int64(1), calls.Load())
	require.Len(t, res2.Artifacts, 1)
	assert.Equal(t, res1.Artifacts[0].ContentHash, res2.Artifacts[0].ContentHash)
}

func TestIdempotenceSingleFlight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	d, _ := newDispatcher(t)
	d.RegisterInvoker("coder", InvokerFunc(func(ctx context.Context, tk *task.Spec, m *Manifest) (*Result, error) {
		calls.Add(1)
		<-release
		out := []byte(`{"files":[],"summary":"ok"}`)
		return &Result{OK: true, Output: json.RawMessage(out)}, nil
	}))

	const n = 5
	var wg sync.WaitGroup
	results := make([]*Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := testTask("TASK-001")
			tk.IdempotenceKey = "shared"
			res, err := d.Dispatch(context.Background(), tk)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent callers share one computation")
	for _, res := range results {
		assert.True(t, res.OK)
	}
}

func TestDifferentKeysDoNotShare(t *testing.T) {
	var calls atomic.Int64
	d, _ := newDispatcher(t)
	d.RegisterInvoker("coder", okInvoker(&calls))

	a := testTask("TASK-001")
	a.IdempotenceKey = "key-a"
	b := testTask("TASK-002")
	b.IdempotenceKey = "key-b"

	_, err := d.Dispatch(context.Background(), a)
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestFailureThresholdTriggersIntervention(t *testing.T) {
	var triggered atomic.Int64
	var gotTrigger string
	d, _ := newDispatcher(t,
		WithInterventionFunc(func(ctx context.Context, tk *task.Spec, trigger, details string) {
			triggered.Add(1)
			gotTrigger = trigger
		}))
	d.RegisterInvoker("coder", InvokerFunc(func(ctx context.Context, tk *task.Spec, m *Manifest) (*Result, error) {
		return nil, errors.New("agent crashed")
	}))

	tk := testTask("TASK-001")
	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(context.Background(), tk)
		require.Error(t, err)
	}
	assert.Equal(t, int64(1), triggered.Load())
	assert.Equal(t, "consecutive_tool_failures", gotTrigger)
	assert.Equal(t, 3, d.ConsecutiveFailures(tk))
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int64
	d, _ := newDispatcher(t)
	ok := okInvoker(&calls)
	d.RegisterInvoker("coder", InvokerFunc(func(ctx context.Context, tk *task.Spec, m *Manifest) (*Result, error) {
		if fail.Load() {
			return nil, errors.New("flaky")
		}
		return ok(ctx, tk, m)
	}))

	tk := testTask("TASK-001")
	_, err := d.Dispatch(context.Background(), tk)
	require.Error(t, err)
	_, err = d.Dispatch(context.Background(), tk)
	require.Error(t, err)
	assert.Equal(t, 2, d.ConsecutiveFailures(tk))

	fail.Store(false)
	_, err = d.Dispatch(context.Background(), tk)
	require.NoError(t, err)
	assert.Zero(t, d.ConsecutiveFailures(tk))
}
