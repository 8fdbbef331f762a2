// Package elspethErr defines the error categories that cross the core's
// external boundary (spec §6): GraphValidationError, RouteValidationError,
// ContractMergeError, IntegrityError, MaxRetriesExceeded, BatchPendingError,
// and the work-queue iteration guard.
package elspethErr

import (
	"errors"
	"fmt"
)

// Code identifies which of the core's error categories an error belongs to.
type Code string

const (
	CodeGraphValidation  Code = "GRAPH_VALIDATION"
	CodeRouteValidation  Code = "ROUTE_VALIDATION"
	CodeContractMerge    Code = "CONTRACT_MERGE"
	CodeIntegrity        Code = "INTEGRITY"
	CodeMaxRetries       Code = "MAX_RETRIES_EXCEEDED"
	CodeBatchPending     Code = "BATCH_PENDING"
	CodeWorkQueueExceeded Code = "WORK_QUEUE_EXCEEDED"
	CodeInvalidValue     Code = "INVALID_VALUE"
	CodeOutOfRange       Code = "OUT_OF_RANGE"
)

// CoreError is the common shape for every error category the core raises
// across its external boundary: a Code a caller can match on (see Is), a
// formatted Message, and an optional wrapped cause. Node or token
// identifiers, when an error names them, appear only inside Message.
type CoreError struct {
	Code    Code
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

func new(code Code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrap(code Code, err error, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// GraphValidationError reports a structural or schema-contract defect
// detected while validating an ExecutionGraph.
func GraphValidationError(format string, args ...any) *CoreError {
	return new(CodeGraphValidation, format, args...)
}

// RouteValidationError reports a pre-flight routing misconfiguration (a
// gate route, on_error target, or quarantine sink that does not resolve).
func RouteValidationError(format string, args ...any) *CoreError {
	return new(CodeRouteValidation, format, args...)
}

// ContractMergeError reports two schema contracts whose fields conflict in
// a way merge() cannot reconcile (type mismatch on a shared field name).
func ContractMergeError(format string, args ...any) *CoreError {
	return new(CodeContractMerge, format, args...)
}

// IntegrityError reports Tier-1 corruption: a stored payload whose recomputed
// hash does not match its key, or a checkpoint whose embedded version hash
// does not match its recomputed form.
func IntegrityError(format string, args ...any) *CoreError {
	return new(CodeIntegrity, format, args...)
}

// MaxRetriesExceededError reports a retryable transform failure that
// exhausted its retry budget.
func MaxRetriesExceededError(attempts int, err error) *CoreError {
	return wrap(CodeMaxRetries, err, "exceeded %d attempts", attempts)
}

// BatchPendingError is a control-flow signal, not a failure: an
// aggregation's batch transform reported its flush has not completed yet.
// The orchestrator must propagate it without marking the run FAILED.
type BatchPendingError struct {
	NodeID string
	Reason string
}

func (e *BatchPendingError) Error() string {
	return fmt.Sprintf("batch pending at node %s: %s", e.NodeID, e.Reason)
}

// IsBatchPending reports whether err (or something it wraps) is a
// BatchPendingError.
func IsBatchPending(err error) bool {
	var bp *BatchPendingError
	return errors.As(err, &bp)
}

// WorkQueueExceededError reports that a token's traversal exceeded
// MAX_WORK_QUEUE_ITERATIONS, naming the offending token and step so the
// configuration bug that caused the loop can be located.
type WorkQueueExceededError struct {
	TokenID string
	Step    int
	Limit   int
}

func (e *WorkQueueExceededError) Error() string {
	return fmt.Sprintf("token %s exceeded work queue iteration limit (%d) at step %d", e.TokenID, e.Limit, e.Step)
}

// InvalidValueError reports a canonical-JSON encoding failure: NaN/Inf.
func InvalidValueError(format string, args ...any) *CoreError {
	return new(CodeInvalidValue, format, args...)
}

// OutOfRangeError reports an integer outside ±(2^53-1) in canonical JSON.
func OutOfRangeError(format string, args ...any) *CoreError {
	return new(CodeOutOfRange, format, args...)
}

// Is implements errors.Is support keyed on Code, so callers can write
// errors.Is(err, elspethErr.GraphValidation) against the sentinel values
// below without comparing message strings.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel values for errors.Is comparisons against a CoreError's Code,
// e.g. errors.Is(err, elspethErr.GraphValidation).
var (
	GraphValidation = &CoreError{Code: CodeGraphValidation}
	RouteValidation = &CoreError{Code: CodeRouteValidation}
	ContractMerge   = &CoreError{Code: CodeContractMerge}
	Integrity       = &CoreError{Code: CodeIntegrity}
	MaxRetries      = &CoreError{Code: CodeMaxRetries}
)
