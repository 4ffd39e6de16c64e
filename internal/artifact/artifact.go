// Package artifact provides the immutable artifact model and content
// addressing used by the dispatcher cache and the run ledger.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Provenance records who produced an artifact and from what.
type Provenance struct {
	Producer         string    `json:"producer"`
	When             time.Time `json:"when"`
	InputArtifactIDs []string  `json:"input_artifact_ids,omitempty"`
	ToolVersion      string    `json:"tool_version,omitempty"`
}

// Artifact is a typed, immutable output of a task: spec, report, code,
// SBOM, signature. Once recorded in the ledger it never changes.
type Artifact struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	TaskID      string     `json:"task_id"`
	Phase       string     `json:"phase"`
	Type        string     `json:"type"`
	ContentHash string     `json:"content_hash"`
	SizeBytes   int64      `json:"size_bytes"`
	StorageURI  string     `json:"storage_uri,omitempty"`
	Content     []byte     `json:"content,omitempty"`
	Provenance  Provenance `json:"provenance"`
}

// New creates an artifact from raw content, hashing it for identity.
func New(runID, taskID, phase, artifactType string, content []byte, prov Provenance) *Artifact {
	if prov.When.IsZero() {
		prov.When = time.Now().UTC()
	}
	return &Artifact{
		ID:          uuid.NewString(),
		RunID:       runID,
		TaskID:      taskID,
		Phase:       phase,
		Type:        artifactType,
		ContentHash: HashContent(content),
		SizeBytes:   int64(len(content)),
		Content:     content,
		Provenance:  prov,
	}
}

// HashContent returns the hex sha256 of the content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CacheKey derives the content-addressed cache key for an idempotent
// invocation: hash(target, version, input, idempotenceKey). Input maps are
// serialized with sorted keys so equal inputs hash equally.
func CacheKey(target, version string, input map[string]any, idempotenceKey string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", target, version, idempotenceKey)
	h.Write(canonicalJSON(input))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON serializes a map with deterministic key order.
func canonicalJSON(m map[string]any) []byte {
	if len(m) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte("{")
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, _ := json.Marshal(k)
		out = append(out, kb...)
		out = append(out, ':')
		switch v := m[k].(type) {
		case map[string]any:
			out = append(out, canonicalJSON(v)...)
		default:
			vb, err := json.Marshal(v)
			if err != nil {
				vb = []byte(`null`)
			}
			out = append(out, vb...)
		}
	}
	return append(out, '}')
}
