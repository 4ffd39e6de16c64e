package events

import (
	"encoding/json"
	"testing"
	"time"
)

// Dashboards consume these payloads; field names are part of the contract.
func TestGateFailedWireShape(t *testing.T) {
	payload := GateFailed{
		RunID:     "run-1",
		Phase:     "security",
		GateScore: 0.42,
		GuardReports: []GuardReport{
			{Type: "security", Pass: false, Score: 0.1, Severity: "critical", Timestamp: time.Now()},
		},
		FailureReasons: []FailureReason{
			{Category: "security", Description: "1 critical CVE", Severity: "critical", Suggestion: "upgrade dependency"},
		},
		Attempt:         2,
		MaxAttempts:     3,
		AutoFixStrategy: "rerun-security",
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"runId", "phase", "gateScore", "guardReports", "failureReasons", "attempt", "maxAttempts", "autoFixStrategy"} {
		if _, ok := m[key]; !ok {
			t.Errorf("payload missing field %q", key)
		}
	}

	reasons := m["failureReasons"].([]any)
	reason := reasons[0].(map[string]any)
	for _, key := range []string{"category", "description", "severity", "suggestion"} {
		if _, ok := reason[key]; !ok {
			t.Errorf("failureReasons[0] missing field %q", key)
		}
	}
}

func TestPhaseStartedWireShape(t *testing.T) {
	data, err := json.Marshal(PhaseStarted{
		RunID:       "run-1",
		Phase:       "build",
		Budgets:     PhaseBudgets{Tokens: 100000, ToolsMinutes: 30, WallclockMinutes: 60},
		Agents:      []string{"agent.coder", "agent.reviewer"},
		Parallelism: "iterative",
	})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	budgets, ok := m["budgets"].(map[string]any)
	if !ok {
		t.Fatal("budgets should be a nested object")
	}
	for _, key := range []string{"tokens", "toolsMinutes", "wallclockMinutes"} {
		if _, ok := budgets[key]; !ok {
			t.Errorf("budgets missing field %q", key)
		}
	}
	if m["parallelism"] != "iterative" {
		t.Errorf("parallelism = %v, want iterative", m["parallelism"])
	}
}
