// Package dispatch invokes agents and tools against their declared
// manifests. It validates inputs and outputs, enforces per-task
// timeouts, and deduplicates idempotent invocations through a
// content-addressed artifact cache.
package dispatch

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	cerr "github.com/ideamine/conductor/internal/errors"
)

// Runtime names how a target executes.
const (
	RuntimeDocker = "docker"
	RuntimeNative = "native"
	RuntimeWasm   = "wasm"
)

// Field names one required value in an invocation payload. Path is a
// gjson path; Type is one of string, number, bool, object, array, any.
type Field struct {
	Path string `yaml:"path" json:"path"`
	Type string `yaml:"type" json:"type"`
}

// Schema lists the required fields of an input or output payload.
type Schema struct {
	Required []Field `yaml:"required" json:"required"`
}

// ResourceLimits bounds what a target may consume per invocation.
type ResourceLimits struct {
	CPUCores float64 `yaml:"cpu_cores" json:"cpuCores"`
	MemoryGB float64 `yaml:"memory_gb" json:"memoryGb"`
}

// Manifest declares an invokable agent or tool.
type Manifest struct {
	Name           string         `yaml:"name" json:"name"`
	Version        string         `yaml:"version" json:"version"`
	Runtime        string         `yaml:"runtime" json:"runtime"`
	TimeoutMs      int64          `yaml:"timeout_ms" json:"timeoutMs"`
	InputSchema    Schema         `yaml:"input_schema" json:"inputSchema"`
	OutputSchema   Schema         `yaml:"output_schema" json:"outputSchema"`
	ResourceLimits ResourceLimits `yaml:"resource_limits" json:"resourceLimits"`
	EgressPolicy   string         `yaml:"egress_policy" json:"egressPolicy"`
	Tags           []string       `yaml:"tags" json:"tags,omitempty"`
	// Produces names the artifact types this target can emit; the
	// self-execution planner selects tools by these.
	Produces []string `yaml:"produces" json:"produces,omitempty"`
}

// Timeout returns the manifest timeout as a duration, zero if unset.
func (m *Manifest) Timeout() time.Duration {
	if m.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// Validate checks the manifest is well formed.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s: version is required", m.Name)
	}
	switch m.Runtime {
	case RuntimeDocker, RuntimeNative, RuntimeWasm:
	default:
		return fmt.Errorf("manifest %s: unknown runtime %q", m.Name, m.Runtime)
	}
	for _, f := range append(append([]Field{}, m.InputSchema.Required...), m.OutputSchema.Required...) {
		switch f.Type {
		case "string", "number", "bool", "object", "array", "any", "":
		default:
			return fmt.Errorf("manifest %s: field %s has unknown type %q", m.Name, f.Path, f.Type)
		}
	}
	return nil
}

// Registry holds the known target manifests.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{manifests: make(map[string]*Manifest)}
}

// Register adds or replaces a manifest.
func (r *Registry) Register(m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.manifests[m.Name] = m
	r.mu.Unlock()
	return nil
}

// Lookup returns the manifest for a target name.
func (r *Registry) Lookup(name string) (*Manifest, error) {
	r.mu.RLock()
	m, ok := r.manifests[name]
	r.mu.RUnlock()
	if !ok {
		return nil, cerr.ErrTargetUnknown(name)
	}
	return m, nil
}

// ByProduces returns targets able to emit the given artifact type,
// sorted by name for deterministic planning.
func (r *Registry) ByProduces(artifactType string) []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Manifest
	for _, m := range r.manifests {
		for _, p := range m.Produces {
			if p == artifactType {
				out = append(out, m)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered target names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.manifests))
	for n := range r.manifests {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadDir loads every *.yaml and *.yml manifest under dir. A file may
// hold one manifest or a list under a top-level "manifests" key.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read manifest dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadFS loads every *.yaml and *.yml manifest under dir in fsys.
// Used for the embedded defaults.
func (r *Registry) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read manifest dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read manifest %s: %w", e.Name(), err)
		}
		if err := r.load(e.Name(), data); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads manifests from one YAML file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", path, err)
	}
	return r.load(path, data)
}

func (r *Registry) load(path string, data []byte) error {
	var multi struct {
		Manifests []*Manifest `yaml:"manifests"`
	}
	if err := yaml.Unmarshal(data, &multi); err == nil && len(multi.Manifests) > 0 {
		for _, m := range multi.Manifests {
			if err := r.Register(m); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		return nil
	}

	var single Manifest
	if err := yaml.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := r.Register(&single); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
