package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: concurrent modifications, a held state lock.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid graphs, missing handlers, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entry is the entry ID that caused the error, if applicable.
	Entry string `json:"entry,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Entry != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (entry=%s, operation=%s)", e.Entry, e.Operation)
	case e.Entry != "":
		fmt.Fprintf(&sb, " (entry=%s)", e.Entry)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithEntry adds entry context to an error.
func (e *EngineError) WithEntry(entryID string) *EngineError {
	e.Entry = entryID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func hasCode(err error, code string) bool {
	var se *StepError
	if errors.As(err, &se) && se.Code == code {
		return true
	}
	var e *EngineError
	return errors.As(err, &e) && e.Code == code
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsNotFound returns true if the error carries ErrCodeNotFound.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsCancelled returns true if the error carries ErrCodeCancelled.
func IsCancelled(err error) bool {
	return hasCode(err, ErrCodeCancelled)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeEntriesNotFound  = "ENTRIES_NOT_FOUND"
	ErrCodeHandlerNotFound  = "HANDLER_NOT_FOUND"
	ErrCodeCorruptedState   = "CORRUPTED_STATE_REFERENCES"
	ErrCodeCyclicDependency = "CYCLIC_DEPENDENCY"
	ErrCodeHandlerFailed    = "HANDLER_FAILED"
	ErrCodeReplaceResource  = "REPLACE_RESOURCE"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeStateLocked      = "STATE_LOCKED"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
)

// EntriesNotFoundError is returned when neither the desired nor the prior
// graph contains any entry.
type EntriesNotFoundError struct{}

func (e *EntriesNotFoundError) Error() string {
	return "no entries found in desired or prior state"
}

// HandlerNotFoundError is returned when an entry's type has no registered handler.
type HandlerNotFoundError struct {
	Type    string
	EntryID string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for type %q (entry %s)", e.Type, e.EntryID)
}

// CorruptedStateReferencesError is returned when a dependency edge points
// outside of the graph that contains it.
type CorruptedStateReferencesError struct {
	// Graph names the graph holding the broken edge ("desired" or "prior").
	Graph               string
	EntryID             string
	MissingDependencyID string
}

func (e *CorruptedStateReferencesError) Error() string {
	return fmt.Sprintf("corrupted %s state references: entry %s depends on unknown entry %s",
		e.Graph, e.EntryID, e.MissingDependencyID)
}

// CyclicDependencyError is returned when dependencies do not form a DAG.
type CyclicDependencyError struct {
	Graph string
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("circular dependency in %s graph: %s", e.Graph, formatCycle(e.Cycle))
}

// ReplaceResourceError is returned by a handler's Replace when the current
// resource is live and cannot be swapped in place. The executor then creates
// the candidate and deletes the current resource after dependents migrated.
type ReplaceResourceError struct {
	Type        string
	CandidateID string
	CurrentID   string
}

func (e *ReplaceResourceError) Error() string {
	return fmt.Sprintf("%s %s cannot be replaced in place (current %s)", e.Type, e.CandidateID, e.CurrentID)
}

// StepError records a handler failure for a single step during apply.
type StepError struct {
	EntryID string
	Type    string
	Action  Action

	// Code is ErrCodeHandlerFailed, ErrCodeCancelled or, for superseded
	// resources left behind by a replace, ErrCodeReplaceResource.
	Code string

	Err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Action, e.EntryID, e.Type, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// newPlanningError wraps a structural planning failure as a permanent engine error.
func newPlanningError(code, entryID string, err error) *EngineError {
	return NewPermanentError("planning failed", err).
		WithCode(code).
		WithEntry(entryID).
		WithOperation("plan")
}
