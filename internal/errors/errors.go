// Package errors provides structured error types for conductor.
package errors

import (
	"encoding/json"
	errs "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for conductor.
const (
	// Run errors
	CodeRunNotFound       Code = "RUN_NOT_FOUND"
	CodeRunInvalidState   Code = "RUN_INVALID_STATE"
	CodeIllegalTransition Code = "ILLEGAL_TRANSITION"

	// Task errors
	CodeTaskNotFound    Code = "TASK_NOT_FOUND"
	CodeTaskTimeout     Code = "TASK_TIMEOUT"
	CodeMissingInput    Code = "MISSING_INPUT"
	CodeDependencyCycle Code = "DEPENDENCY_CYCLE"

	// Dispatch errors
	CodeTargetUnknown Code = "TARGET_UNKNOWN"
	CodeSchemaInvalid Code = "SCHEMA_INVALID"
	CodeToolFailure   Code = "TOOL_FAILURE"
	CodeRateLimited   Code = "RATE_LIMITED"

	// Policy errors
	CodeQuotaExceeded  Code = "QUOTA_EXCEEDED"
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
	CodeToolNotAllowed Code = "TOOL_NOT_ALLOWED"
	CodeMaxRetries     Code = "MAX_RETRIES_EXCEEDED"

	// Gate errors
	CodeGateBlocked Code = "GATE_BLOCKED"

	// Storage errors
	CodeLedgerAppend  Code = "LEDGER_APPEND_FAILED"
	CodeStorageFailed Code = "STORAGE_FAILED"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"
)

// Category classifies error codes for retry and control-flow decisions.
// Transient errors retry with backoff; policy errors surface as pause or
// admission refusal; schema errors get a limited stricter-validation retry;
// gate blocks are control signals; fatal errors end the run.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryTransient
	CategoryPolicy
	CategorySchema
	CategoryGateBlock
	CategoryFatal
	CategoryNotFound
	CategoryValidation
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeRunNotFound:       CategoryNotFound,
	CodeRunInvalidState:   CategoryValidation,
	CodeIllegalTransition: CategoryFatal,
	CodeTaskNotFound:      CategoryNotFound,
	CodeTaskTimeout:       CategoryTransient,
	CodeMissingInput:      CategoryValidation,
	CodeDependencyCycle:   CategoryValidation,
	CodeTargetUnknown:     CategoryValidation,
	CodeSchemaInvalid:     CategorySchema,
	CodeToolFailure:       CategoryTransient,
	CodeRateLimited:       CategoryTransient,
	CodeQuotaExceeded:     CategoryPolicy,
	CodeBudgetExceeded:    CategoryPolicy,
	CodeToolNotAllowed:    CategoryPolicy,
	CodeMaxRetries:        CategoryFatal,
	CodeGateBlocked:       CategoryGateBlock,
	CodeLedgerAppend:      CategoryFatal,
	CodeStorageFailed:     CategoryTransient,
	CodeConfigInvalid:     CategoryValidation,
	CodeConfigMissing:     CategoryValidation,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryValidation:
		return 400
	case CategoryPolicy:
		return 429
	case CategoryTransient:
		return 503
	case CategoryGateBlock:
		return 409
	default:
		return 500
	}
}

// String returns the category name used in ledger decision entries.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPolicy:
		return "policy"
	case CategorySchema:
		return "schema"
	case CategoryGateBlock:
		return "gate_block"
	case CategoryFatal:
		return "fatal"
	case CategoryNotFound:
		return "not_found"
	case CategoryValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the structured error type for conductor.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// CategoryOf returns the category of err, or CategoryUnknown for errors
// that are not *Error.
func CategoryOf(err error) Category {
	var ce *Error
	if errs.As(err, &ce) {
		return ce.Category()
	}
	return CategoryUnknown
}

// IsRetryable reports whether err should be retried with backoff.
// Only transient errors retry; schema errors have their own limited
// retry handled by the dispatcher.
func IsRetryable(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// --- Error constructors ---

// ErrRunNotFound returns an error when a run doesn't exist.
func ErrRunNotFound(id string) *Error {
	return &Error{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", id),
		Why:  "No run with this ID exists in the store",
		Fix:  "Run 'conductor status' to list known runs",
	}
}

// ErrRunInvalidState returns an error when an operation is illegal in the
// run's current state.
func ErrRunInvalidState(id, current, expected string) *Error {
	return &Error{
		Code: CodeRunInvalidState,
		What: fmt.Sprintf("run %s is in state '%s', expected '%s'", id, current, expected),
		Why:  "The requested operation cannot be performed in the current run state",
		Fix:  fmt.Sprintf("Check 'conductor status %s' for the current state", id),
	}
}

// ErrIllegalTransition returns an error for a phase transition outside the
// legal state graph.
func ErrIllegalTransition(from, to string) *Error {
	return &Error{
		Code: CodeIllegalTransition,
		What: fmt.Sprintf("illegal transition %s -> %s", from, to),
		Why:  "Run states only move along the declared phase order, or to Paused/Failed",
	}
}

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(id string) *Error {
	return &Error{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Why:  "No task with this ID exists for the run",
	}
}

// ErrTaskTimeout returns an error when a dispatched task exceeds its
// wallclock budget.
func ErrTaskTimeout(id string, limit string) *Error {
	return &Error{
		Code: CodeTaskTimeout,
		What: fmt.Sprintf("task %s timed out", id),
		Why:  fmt.Sprintf("No completion within the wallclock budget of %s", limit),
		Fix:  "Increase the task wallclock budget or check the target's health",
	}
}

// ErrMissingInput returns an error when a required dependency artifact is
// absent at dispatch time.
func ErrMissingInput(taskID, artifact string) *Error {
	return &Error{
		Code: CodeMissingInput,
		What: fmt.Sprintf("task %s is missing input artifact %q", taskID, artifact),
		Why:  "A dependency task did not produce the artifact this task consumes",
	}
}

// ErrDependencyCycle returns an error naming the tasks involved in a cycle.
func ErrDependencyCycle(tasks []string) *Error {
	return &Error{
		Code: CodeDependencyCycle,
		What: fmt.Sprintf("dependency cycle involving: %s", strings.Join(tasks, ", ")),
		Why:  "Task dependency graphs must be acyclic",
		Fix:  "Remove one of the dependency edges between the listed tasks",
	}
}

// ErrTargetUnknown returns an error when no manifest matches the task target.
func ErrTargetUnknown(target string) *Error {
	return &Error{
		Code: CodeTargetUnknown,
		What: fmt.Sprintf("no registered agent or tool named %q", target),
		Fix:  "Register a manifest for the target or fix the phase manifest",
	}
}

// ErrSchemaInvalid returns an error when an invocation payload fails
// schema validation.
func ErrSchemaInvalid(target, detail string) *Error {
	return &Error{
		Code: CodeSchemaInvalid,
		What: fmt.Sprintf("output of %s failed schema validation", target),
		Why:  detail,
	}
}

// ErrToolFailure wraps a failed tool or agent invocation.
func ErrToolFailure(target string, cause error) *Error {
	return &Error{
		Code:  CodeToolFailure,
		What:  fmt.Sprintf("invocation of %s failed", target),
		Cause: cause,
	}
}

// ErrRateLimited returns an error for a rate-limited invocation.
func ErrRateLimited(target string) *Error {
	return &Error{
		Code: CodeRateLimited,
		What: fmt.Sprintf("%s is rate limited", target),
		Why:  "The target rejected the invocation due to rate limiting",
	}
}

// ErrQuotaExceeded returns an admission refusal for a tenant resource.
func ErrQuotaExceeded(tenantID, resource string, used, quota float64) *Error {
	return &Error{
		Code: CodeQuotaExceeded,
		What: fmt.Sprintf("tenant %s exceeded %s quota", tenantID, resource),
		Why:  fmt.Sprintf("Usage %.2f of quota %.2f", used, quota),
		Fix:  "Wait for the usage window to roll over or raise the tenant quota",
	}
}

// ErrBudgetExceeded returns an error when a run budget dimension is spent.
func ErrBudgetExceeded(runID, dimension string) *Error {
	return &Error{
		Code: CodeBudgetExceeded,
		What: fmt.Sprintf("run %s exceeded its %s budget", runID, dimension),
		Fix:  "Resume the run with a larger budget",
	}
}

// ErrToolNotAllowed returns an error when self-execution is asked to use a
// tool outside its allow-list.
func ErrToolNotAllowed(tool string) *Error {
	return &Error{
		Code: CodeToolNotAllowed,
		What: fmt.Sprintf("tool %s is not on the allow-list", tool),
		Why:  "Self-execution runs only the tools passed in the blocked-step context",
	}
}

// ErrMaxRetries returns an error after retries are exhausted.
func ErrMaxRetries(what string, attempts int) *Error {
	return &Error{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("%s failed after %d attempts", what, attempts),
	}
}

// ErrGateBlocked returns the control signal for a failed gate.
func ErrGateBlocked(phase string, score float64) *Error {
	return &Error{
		Code: CodeGateBlocked,
		What: fmt.Sprintf("gate for phase %s blocked advancement", phase),
		Why:  fmt.Sprintf("Overall score %.1f below the pass threshold", score),
	}
}

// ErrLedgerAppend returns a fatal error for a failed ledger write.
func ErrLedgerAppend(runID string, cause error) *Error {
	return &Error{
		Code:  CodeLedgerAppend,
		What:  fmt.Sprintf("failed to append ledger entry for run %s", runID),
		Why:   "The ledger is the audit record; a run cannot continue without it",
		Cause: cause,
	}
}

// ErrStorageFailed wraps a storage-layer failure.
func ErrStorageFailed(op string, cause error) *Error {
	return &Error{
		Code:  CodeStorageFailed,
		What:  fmt.Sprintf("storage operation %s failed", op),
		Cause: cause,
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Fix the field in .conductor/config.yaml",
	}
}

// ErrConfigMissing returns an error for missing required configuration.
func ErrConfigMissing(field string) *Error {
	return &Error{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Fix:  "Set the field in .conductor/config.yaml or via CONDUCTOR_* env",
	}
}

// Wrap wraps an arbitrary error into an Error with the given code and
// message. If err is already an *Error it is returned unchanged.
func Wrap(err error, code Code, what string) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errs.As(err, &ce) {
		return ce
	}
	return &Error{
		Code:  code,
		What:  what,
		Cause: err,
	}
}
