package tablegate

import (
	"errors"

	"github.com/pthm/tablegate/internal/gateerr"
)

// Error is the structured rejection returned by every compile method. Its
// context names the offending table, command and field, and where possible
// the valid alternatives.
type Error = gateerr.Error

// Kind classifies an Error.
type Kind = gateerr.Kind

const (
	KindRuleViolation  = gateerr.KindRuleViolation
	KindJoinResolution = gateerr.KindJoinResolution
	KindMalformed      = gateerr.KindMalformedFilter
	KindSchemaMetadata = gateerr.KindSchemaMetadata
)

// Sentinel errors, one per Kind, for use with errors.Is. Every rejection is
// permanent: the request itself must change before it can succeed.
var (
	// ErrRuleViolation is returned when a table, command or field is not
	// allowed by the policy, or the policy object itself is invalid.
	ErrRuleViolation = gateerr.ErrRuleViolation

	// ErrJoinResolution is returned when no join path exists between two
	// tables or a requested join condition matches no known constraint.
	ErrJoinResolution = gateerr.ErrJoinResolution

	// ErrMalformed is returned when a filter, select or payload has the
	// wrong shape.
	ErrMalformed = gateerr.ErrMalformed

	// ErrSchemaMetadata is returned when a table or column is not in the
	// catalog.
	ErrSchemaMetadata = gateerr.ErrSchemaMetadata
)

// IsRuleViolationErr returns true if err is or wraps a rule violation.
func IsRuleViolationErr(err error) bool {
	return errors.Is(err, ErrRuleViolation)
}

// IsJoinResolutionErr returns true if err is or wraps a join resolution failure.
func IsJoinResolutionErr(err error) bool {
	return errors.Is(err, ErrJoinResolution)
}

// IsMalformedErr returns true if err is or wraps a malformed request.
func IsMalformedErr(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// IsSchemaMetadataErr returns true if err is or wraps missing schema metadata.
func IsSchemaMetadataErr(err error) bool {
	return errors.Is(err, ErrSchemaMetadata)
}

// PostgreSQL error codes reported by failed probes.
const (
	pgUndefinedTable    = "42P01" // undefined_table
	pgUndefinedColumn   = "42703" // undefined_column
	pgUndefinedFunction = "42883" // undefined_function
)
