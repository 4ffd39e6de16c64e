package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ideamine/conductor/internal/coordinator"
	"github.com/ideamine/conductor/internal/dispatch"
)

func TestDefaultPipelineIsValid(t *testing.T) {
	p, err := coordinator.ParsePipeline(Pipeline)
	require.NoError(t, err)
	assert.Len(t, p.Phases, 13)
}

func TestDefaultManifestsLoad(t *testing.T) {
	reg := dispatch.NewRegistry()
	require.NoError(t, reg.LoadFS(Manifests, "manifests"))
	assert.NotEmpty(t, reg.Names())
}

// Every target the default pipeline dispatches must have a manifest,
// and each declared produces type must be producible by its target.
func TestPipelineTargetsResolve(t *testing.T) {
	p, err := coordinator.ParsePipeline(Pipeline)
	require.NoError(t, err)

	reg := dispatch.NewRegistry()
	require.NoError(t, reg.LoadFS(Manifests, "manifests"))

	for _, phase := range p.Phases {
		for _, decl := range phase.Tasks {
			m, err := reg.Lookup(decl.Target)
			require.NoError(t, err, "phase %s task %s", phase.Phase, decl.ID)

			producible := make(map[string]bool, len(m.Produces))
			for _, typ := range m.Produces {
				producible[typ] = true
			}
			for _, typ := range decl.Produces {
				assert.True(t, producible[typ],
					"phase %s task %s: target %s cannot produce %s",
					phase.Phase, decl.ID, decl.Target, typ)
			}
		}
	}
}
