// Package validation provides field-level input validation for the decision API.
package validation

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 256

// Constraint messages surfaced to callers in error details.
const (
	ConstraintRequired      = "is required"
	ConstraintPositive      = "must be positive number"
	ConstraintTimestamp     = "must be an RFC 3339 timestamp"
	ConstraintMaxLength     = "exceeds maximum length"
	ConstraintIdentifier    = "must contain only letters, digits, '_' or '-' (max 64)"
	ConstraintDecimalPlaces = "must have at most 4 decimal places"
	ConstraintFormat        = "has an invalid format"
	ConstraintOneOf         = "must be one of the allowed values"
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, removes null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError names a failing field and the constraint it violated.
type FieldError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

// Errors is a collection of field errors. It is the ValidationError of the
// error taxonomy: user-correctable, always carrying field and constraint.
type Errors []FieldError

// Error implements the error interface
func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + " " + fe.Constraint
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields returns the failing field names in order.
func (e Errors) Fields() []string {
	out := make([]string, len(e))
	for i, fe := range e {
		out[i] = fe.Field
	}
	return out
}

// Has reports whether field failed validation.
func (e Errors) Has(field string) bool {
	for _, fe := range e {
		if fe.Field == field {
			return true
		}
	}
	return false
}

// Check inspects one field and returns nil when it is valid.
type Check func() *FieldError

// Validate runs every check and returns Errors, or nil when all pass.
func Validate(checks ...Check) error {
	var errs Errors
	for _, check := range checks {
		if fe := check(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks that a field is non-blank.
func Required(field, value string) Check {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Constraint: ConstraintRequired}
		}
		return nil
	}
}

// MaxLength checks a field does not exceed max bytes.
func MaxLength(field, value string, max int) Check {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Constraint: ConstraintMaxLength}
		}
		return nil
	}
}

// PositiveDecimal checks that value parses as a decimal greater than zero.
// Missing values fail the same way as negative ones.
func PositiveDecimal(field, value string) Check {
	return func() *FieldError {
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !d.IsPositive() {
			return &FieldError{Field: field, Constraint: ConstraintPositive}
		}
		return nil
	}
}

// MaxDecimalPlaces checks that a decimal value has at most places fractional digits.
// Unparseable values are left to PositiveDecimal.
func MaxDecimalPlaces(field, value string, places int32) Check {
	return func() *FieldError {
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil
		}
		if !d.Equal(d.Truncate(places)) {
			return &FieldError{Field: field, Constraint: ConstraintDecimalPlaces}
		}
		return nil
	}
}

// Timestamp checks that value parses as RFC 3339.
func Timestamp(field, value string) Check {
	return func() *FieldError {
		if _, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value)); err != nil {
			return &FieldError{Field: field, Constraint: ConstraintTimestamp}
		}
		return nil
	}
}

// Identifier checks an optional caller-supplied identifier using valid.
func Identifier(field, value string, valid func(string) bool) Check {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !valid(value) {
			return &FieldError{Field: field, Constraint: ConstraintIdentifier}
		}
		return nil
	}
}
