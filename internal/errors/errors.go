// Package errors defines the engine's error taxonomy on top of oops coded errors.
//
// Codes follow "area.operation.reason". The trailing reason segment decides
// the class: invalid* → validation, fenced → fenced, degraded → degraded,
// unavailable → hard dependency, violation → SLA violation.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeItemInvalid        Code = "store.item.validate.invalid"
	CodeEventInvalid       Code = "store.event.append.invalid_input"
	CodeItemConflict       Code = "store.item.write.conflict"
	CodeItemFenced         Code = "store.item.write.fenced"
	CodeEventFenced        Code = "store.event.append.fenced"
	CodeItemNotFound       Code = "store.item.get.not_found"
	CodeSummaryNotFound    Code = "store.summary.get.not_found"
	CodeTombstoneNotFound  Code = "store.tombstone.get.not_found"
	CodeStoreUnavailable   Code = "store.database.unavailable"
	CodeStoreQueryFailure  Code = "store.database.failure"
	CodeReceiptInvalid     Code = "store.receipt.write.invalid_input"
	CodeFeedbackInvalid    Code = "store.feedback.write.invalid_input"
	CodeTransitionInvalid  Code = "deletion.tombstone.transition.invalid"
	CodeOwnershipDenied    Code = "deletion.ownership.denied"
	CodeSurfaceFailure     Code = "deletion.surface.purge.failure"
	CodeSLAViolation       Code = "deletion.sla.violation"
	CodeVectorDegraded     Code = "retrieval.vector.degraded"
	CodeOracleDegraded     Code = "oracle.call.degraded"
	CodeKnowledgeDegraded  Code = "knowledge.fetch.degraded"
	CodeAssembleInvalid    Code = "assembler.request.invalid_input"
	CodeConfigInvalid      Code = "config.validate.invalid_value"
	CodeConfigReadFailure  Code = "config.load.read.failure"
	CodeBudgetInfeasible   Code = "config.budget.invalid_value"
	CodeQueueFull          Code = "evolution.queue.dropped"
	CodeAnalysisFailure    Code = "evolution.analysis.failure"
	CodeEngineClosed       Code = "engine.lifecycle.closed"
	CodeCLIInputInvalid    Code = "cli.input.invalid"
	CodeInternalFailure    Code = "engine.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldUserID(value string) Attr {
	return Field("user_id", value)
}

func FieldItemID(value string) Attr {
	return Field("item_id", value)
}

func FieldTombstoneID(value string) Attr {
	return Field("tombstone_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsValidation reports a malformed write. Never retried.
func IsValidation(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value"
}

// IsFenced reports a write blocked by an in-flight deletion.
func IsFenced(err error) bool {
	return reason(CodeOf(err)) == "fenced"
}

// IsDegraded reports an optional capability failure with a documented fallback.
func IsDegraded(err error) bool {
	return reason(CodeOf(err)) == "degraded"
}

// IsHardDependency reports that the memory store itself is unreachable.
func IsHardDependency(err error) bool {
	return reason(CodeOf(err)) == "unavailable"
}

func IsSLAViolation(err error) bool {
	return reason(CodeOf(err)) == "violation"
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
