package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := ErrRunNotFound("run-20260101120000-abc12345")
	msg := err.Error()
	if !strings.Contains(msg, "run-20260101120000-abc12345") {
		t.Errorf("Error() = %q, want run ID in message", msg)
	}
	if !strings.Contains(msg, "not found") {
		t.Errorf("Error() = %q, want 'not found'", msg)
	}
}

func TestErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := ErrStorageFailed("SaveRun", cause)

	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() should include cause, got %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should unwrap to cause")
	}
}

func TestErrorIs(t *testing.T) {
	err := ErrTaskNotFound("TASK-001")
	target := ErrTaskNotFound("TASK-999")

	// Same code matches regardless of message detail.
	if !errors.Is(err, target) {
		t.Error("errors with the same code should match via errors.Is")
	}
	if errors.Is(err, ErrRunNotFound("x")) {
		t.Error("errors with different codes should not match")
	}
}

func TestCategories(t *testing.T) {
	cases := []struct {
		err  *Error
		want Category
	}{
		{ErrTaskTimeout("TASK-001", "5m"), CategoryTransient},
		{ErrRateLimited("agent.coder"), CategoryTransient},
		{ErrQuotaExceeded("acme", "tokens", 101, 100), CategoryPolicy},
		{ErrBudgetExceeded("run-1", "cost"), CategoryPolicy},
		{ErrToolNotAllowed("tool.shell"), CategoryPolicy},
		{ErrSchemaInvalid("agent.coder", "missing field 'summary'"), CategorySchema},
		{ErrGateBlocked("security", 42.0), CategoryGateBlock},
		{ErrLedgerAppend("run-1", fmt.Errorf("disk full")), CategoryFatal},
		{ErrIllegalTransition("build", "intake"), CategoryFatal},
		{ErrRunNotFound("run-1"), CategoryNotFound},
		{ErrDependencyCycle([]string{"a", "b"}), CategoryValidation},
	}
	for _, tc := range cases {
		if got := tc.err.Category(); got != tc.want {
			t.Errorf("%s: Category() = %v, want %v", tc.err.Code, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrTaskTimeout("TASK-001", "1m")) {
		t.Error("timeouts should be retryable")
	}
	if !IsRetryable(ErrToolFailure("tool.scan", fmt.Errorf("boom"))) {
		t.Error("tool failures should be retryable")
	}
	if IsRetryable(ErrQuotaExceeded("acme", "cpu", 9, 8)) {
		t.Error("policy errors must not be retried by the caller")
	}
	if IsRetryable(ErrSchemaInvalid("agent.coder", "bad output")) {
		t.Error("schema errors take the stricter-validation path, not backoff retry")
	}
	if IsRetryable(fmt.Errorf("plain error")) {
		t.Error("plain errors are not retryable")
	}
}

func TestCategoryOfWrapped(t *testing.T) {
	inner := ErrRateLimited("agent.reviewer")
	wrapped := fmt.Errorf("dispatch: %w", inner)
	if got := CategoryOf(wrapped); got != CategoryTransient {
		t.Errorf("CategoryOf(wrapped) = %v, want CategoryTransient", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{ErrRunNotFound("run-1"), 404},
		{ErrConfigInvalid("storage.dialect", "unknown dialect"), 400},
		{ErrQuotaExceeded("acme", "gpu", 2, 1), 429},
		{ErrToolFailure("tool.scan", fmt.Errorf("boom")), 503},
		{ErrGateBlocked("qa", 55), 409},
		{ErrMaxRetries("phase build", 3), 500},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Errorf("%s: HTTPStatus() = %d, want %d", tc.err.Code, got, tc.want)
		}
	}
}

func TestMarshalJSON(t *testing.T) {
	err := ErrToolFailure("tool.staticPack", fmt.Errorf("exit status 2"))
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	var m map[string]any
	if jerr := json.Unmarshal(data, &m); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if m["code"] != "TOOL_FAILURE" {
		t.Errorf("code = %v, want TOOL_FAILURE", m["code"])
	}
	if m["cause"] != "exit status 2" {
		t.Errorf("cause = %v, want exit status 2", m["cause"])
	}
}

func TestWrap(t *testing.T) {
	plain := fmt.Errorf("low level")
	wrapped := Wrap(plain, CodeStorageFailed, "save failed")
	if wrapped.Code != CodeStorageFailed {
		t.Errorf("Code = %s, want STORAGE_FAILED", wrapped.Code)
	}
	if !errors.Is(wrapped, plain) {
		t.Error("Wrap should keep the cause chain")
	}

	// Wrapping an *Error keeps the original code.
	already := ErrGateBlocked("qa", 10)
	rewrapped := Wrap(already, CodeStorageFailed, "ignored")
	if rewrapped.Code != CodeGateBlocked {
		t.Errorf("Code = %s, want GATE_BLOCKED preserved", rewrapped.Code)
	}

	if Wrap(nil, CodeStorageFailed, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestUserMessage(t *testing.T) {
	err := ErrQuotaExceeded("acme", "cost", 10.2, 10.0)
	msg := err.UserMessage()
	for _, want := range []string{"Error:", "Why:", "Fix:"} {
		if !strings.Contains(msg, want) {
			t.Errorf("UserMessage() missing %q section:\n%s", want, msg)
		}
	}
}
