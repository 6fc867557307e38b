// Package gateerr defines the structured errors returned when a request is
// rejected. Every rejection carries a Kind, a human-readable message and
// optional context such as the table, command and field involved.
package gateerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a rejection. Callers branch on the kind, never on the message.
type Kind string

const (
	// KindRuleViolation: the request touches something the policy does not allow.
	KindRuleViolation Kind = "rule_violation"
	// KindJoinResolution: a join path could not be resolved against the join graph.
	KindJoinResolution Kind = "join_resolution"
	// KindMalformedFilter: the filter, select or payload has the wrong shape.
	KindMalformedFilter Kind = "malformed_filter"
	// KindSchemaMetadata: a referenced table or column is unknown to the catalog.
	KindSchemaMetadata Kind = "schema_metadata"
)

// Sentinels usable with errors.Is. Matching is by kind only.
var (
	ErrRuleViolation  = &Error{kind: KindRuleViolation, message: "rule violation"}
	ErrJoinResolution = &Error{kind: KindJoinResolution, message: "join resolution failure"}
	ErrMalformed      = &Error{kind: KindMalformedFilter, message: "malformed request shape"}
	ErrSchemaMetadata = &Error{kind: KindSchemaMetadata, message: "schema metadata missing"}
)

// Error is a request rejection.
type Error struct {
	kind    Kind
	message string
	context map[string]any
	cause   error
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{kind: kind, message: msg}
}

// Wrap creates an error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

// RuleViolation is shorthand for New(KindRuleViolation, ...).
func RuleViolation(format string, args ...any) *Error {
	return New(KindRuleViolation, format, args...)
}

// JoinResolution is shorthand for New(KindJoinResolution, ...).
func JoinResolution(format string, args ...any) *Error {
	return New(KindJoinResolution, format, args...)
}

// Malformed is shorthand for New(KindMalformedFilter, ...).
func Malformed(format string, args ...any) *Error {
	return New(KindMalformedFilter, format, args...)
}

// SchemaMetadata is shorthand for New(KindSchemaMetadata, ...).
func SchemaMetadata(format string, args ...any) *Error {
	return New(KindSchemaMetadata, format, args...)
}

// Error renders the message followed by the context in key order:
//
//	[rule_violation] field "secret" is not allowed
//	  command: select
//	  table: users
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.kind, e.message)

	if len(e.context) > 0 {
		keys := make([]string, 0, len(e.context))
		for k := range e.context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n  %s: %v", k, e.context[k])
		}
	}

	if e.cause != nil {
		fmt.Fprintf(&b, "\n  cause: %v", e.cause)
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.kind == t.kind
	}
	return false
}

// Kind returns the error kind.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the message without context.
func (e *Error) Message() string { return e.message }

// Context returns the context map. It may be nil.
func (e *Error) Context() map[string]any { return e.context }

// With adds a context entry and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.context == nil {
		e.context = make(map[string]any)
	}
	e.context[key] = value
	return e
}

// WithTable adds the table name to the context.
func (e *Error) WithTable(table string) *Error { return e.With("table", table) }

// WithCommand adds the command to the context.
func (e *Error) WithCommand(command string) *Error { return e.With("command", command) }

// WithField adds the offending field to the context.
func (e *Error) WithField(field string) *Error { return e.With("field", field) }

// WithAllowed lists the valid alternatives.
func (e *Error) WithAllowed(allowed []string) *Error {
	return e.With("allowed", strings.Join(allowed, ", "))
}

// WithSuggestion attaches a "did you mean" hint when input is close to one of options.
func (e *Error) WithSuggestion(input string, options []string) *Error {
	if s := SuggestSimilar(input, options); s != "" {
		return e.With("hint", s)
	}
	return e
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}

// IsRuleViolation reports whether err is or wraps a rule violation.
func IsRuleViolation(err error) bool { return errors.Is(err, ErrRuleViolation) }

// IsJoinResolution reports whether err is or wraps a join resolution failure.
func IsJoinResolution(err error) bool { return errors.Is(err, ErrJoinResolution) }

// IsMalformed reports whether err is or wraps a malformed shape error.
func IsMalformed(err error) bool { return errors.Is(err, ErrMalformed) }

// IsSchemaMetadata reports whether err is or wraps a schema metadata error.
func IsSchemaMetadata(err error) bool { return errors.Is(err, ErrSchemaMetadata) }
