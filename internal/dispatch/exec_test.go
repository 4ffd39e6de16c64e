package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/task"
)

func execSpec() *task.Spec {
	return &task.Spec{
		ID:     "task-1",
		RunID:  "run-1",
		Phase:  "build",
		Type:   task.TypeTool,
		Target: "echoer",
		Input:  map[string]any{"story": "s"},
	}
}

func TestExecInvokerParsesResult(t *testing.T) {
	inv := &ExecInvoker{
		Resolve: func(m *Manifest) []string {
			return []string{"sh", "-c", `cat >/dev/null; echo '{"ok":true,"output":{"files":[]},"metrics":{"tokens":7}}'`}
		},
	}

	res, err := inv.Invoke(context.Background(), execSpec(), testManifest())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 7, res.Metrics.Tokens)
	assert.Positive(t, res.Metrics.DurationMs)
}

func TestExecInvokerToolFailure(t *testing.T) {
	inv := &ExecInvoker{
		Resolve: func(m *Manifest) []string {
			return []string{"sh", "-c", `echo "boom" >&2; exit 3`}
		},
	}

	_, err := inv.Invoke(context.Background(), execSpec(), testManifest())
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryTransient, cerr.CategoryOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestExecInvokerBadOutput(t *testing.T) {
	inv := &ExecInvoker{
		Resolve: func(m *Manifest) []string {
			return []string{"sh", "-c", `cat >/dev/null; echo "not json"`}
		},
	}

	_, err := inv.Invoke(context.Background(), execSpec(), testManifest())
	require.Error(t, err)
	assert.Equal(t, cerr.CategorySchema, cerr.CategoryOf(err))
}

func TestExecInvokerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	inv := &ExecInvoker{
		Resolve: func(m *Manifest) []string {
			return []string{"sleep", "5"}
		},
	}

	_, err := inv.Invoke(ctx, execSpec(), testManifest())
	require.Error(t, err)
	assert.Equal(t, cerr.CategoryTransient, cerr.CategoryOf(err))
}
