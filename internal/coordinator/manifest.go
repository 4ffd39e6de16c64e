// Package coordinator executes one workflow phase: it builds the task
// graph from the phase manifest, dispatches per parallelism mode
// through the scheduler, assembles an evidence pack, and loops on the
// gate's auto-fix strategy until the phase passes or is blocked.
package coordinator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	cerr "github.com/ideamine/conductor/internal/errors"
	"github.com/ideamine/conductor/internal/gate"
	"github.com/ideamine/conductor/internal/task"
)

// Parallelism modes a phase may declare.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModePartial    = "partial"
	ModeIterative  = "iterative"
)

// TaskDecl declares one task in a phase manifest.
type TaskDecl struct {
	ID             string         `yaml:"id" json:"id"`
	Type           task.Type      `yaml:"type" json:"type"`
	Target         string         `yaml:"target" json:"target"`
	Input          map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	DependsOn      []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Priority       string         `yaml:"priority,omitempty" json:"priority,omitempty"`
	Produces       []string       `yaml:"produces,omitempty" json:"produces,omitempty"`
	MustSucceed    bool           `yaml:"must_succeed" json:"must_succeed"`
	ReplaceDoer    bool           `yaml:"replace_doer,omitempty" json:"replace_doer,omitempty"`
	IdempotenceKey string         `yaml:"idempotence_key,omitempty" json:"idempotence_key,omitempty"`
	// RequiresArtifacts names artifact types earlier phases must have
	// produced; a missing one fails the phase fast.
	RequiresArtifacts []string          `yaml:"requires_artifacts,omitempty" json:"requires_artifacts,omitempty"`
	Budget            task.Budget       `yaml:"budget,omitempty" json:"budget,omitempty"`
	Retry             *task.RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// PhaseManifest declares the tasks and gating of one phase.
type PhaseManifest struct {
	Phase            string      `yaml:"phase" json:"phase"`
	Mode             string      `yaml:"mode" json:"mode"`
	PartialThreshold float64     `yaml:"partial_threshold,omitempty" json:"partial_threshold,omitempty"`
	MaxGateRetries   int         `yaml:"max_gate_retries,omitempty" json:"max_gate_retries,omitempty"`
	RequiredTypes    []string    `yaml:"required_types,omitempty" json:"required_types,omitempty"`
	Rubric           gate.Rubric `yaml:"rubric,omitempty" json:"rubric,omitempty"`
	Tasks            []TaskDecl  `yaml:"tasks" json:"tasks"`
}

// Pipeline is the ordered list of phase manifests for a run.
type Pipeline struct {
	Phases []PhaseManifest `yaml:"phases" json:"phases"`
}

// Validate checks manifest structure: mode, declared dependencies, and
// task identity.
func (m *PhaseManifest) Validate() error {
	if m.Phase == "" {
		return fmt.Errorf("phase manifest needs a phase name")
	}
	switch m.Mode {
	case ModeSequential, ModeParallel, ModePartial, ModeIterative, "":
	default:
		return fmt.Errorf("phase %s: unknown mode %q", m.Phase, m.Mode)
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("phase %s declares no tasks", m.Phase)
	}
	ids := make(map[string]bool, len(m.Tasks))
	for _, d := range m.Tasks {
		if d.ID == "" {
			return fmt.Errorf("phase %s: task without id", m.Phase)
		}
		if ids[d.ID] {
			return fmt.Errorf("phase %s: duplicate task id %s", m.Phase, d.ID)
		}
		ids[d.ID] = true
	}
	for _, d := range m.Tasks {
		for _, dep := range d.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("phase %s: task %s depends on undeclared %s", m.Phase, d.ID, dep)
			}
		}
	}
	return nil
}

// Find returns the manifest for a phase, nil when absent.
func (p *Pipeline) Find(phase string) *PhaseManifest {
	for i := range p.Phases {
		if p.Phases[i].Phase == phase {
			return &p.Phases[i]
		}
	}
	return nil
}

// Validate checks every phase manifest in the pipeline.
func (p *Pipeline) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("pipeline declares no phases")
	}
	seen := make(map[string]bool, len(p.Phases))
	for i := range p.Phases {
		if err := p.Phases[i].Validate(); err != nil {
			return err
		}
		if seen[p.Phases[i].Phase] {
			return fmt.Errorf("pipeline declares phase %s twice", p.Phases[i].Phase)
		}
		seen[p.Phases[i].Phase] = true
	}
	return nil
}

// LoadPipeline reads a pipeline manifest from a YAML file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	return ParsePipeline(data)
}

// ParsePipeline parses pipeline YAML.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// TopoSort orders the declared tasks so every task follows its
// dependencies, rejecting cycles. Ties keep declaration order.
func TopoSort(decls []TaskDecl) ([]TaskDecl, error) {
	indegree := make(map[string]int, len(decls))
	dependents := make(map[string][]string, len(decls))
	byID := make(map[string]TaskDecl, len(decls))
	for _, d := range decls {
		byID[d.ID] = d
		indegree[d.ID] += 0
		for _, dep := range d.DependsOn {
			indegree[d.ID]++
			dependents[dep] = append(dependents[dep], d.ID)
		}
	}

	var queue []string
	for _, d := range decls {
		if indegree[d.ID] == 0 {
			queue = append(queue, d.ID)
		}
	}

	var order []TaskDecl
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, byID[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(decls) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, cerr.ErrDependencyCycle(stuck)
	}
	return order, nil
}
