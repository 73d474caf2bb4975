// Package validation provides request validation helpers that report
// failures as validation_error API errors.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcourt/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// Field length limits.
const (
	MaxTitleLength   = 200
	MaxSummaryLength = 2000
	MaxTextLength    = 20000
)

// ErrValidation is the sentinel every validation failure matches.
var ErrValidation = apperr.New(apperr.KindValidation, "validation_error", "validation failed")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// FieldError is a single failed check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Checker accumulates field errors.
type Checker struct {
	errs []FieldError
}

// New returns an empty Checker.
func New() *Checker { return &Checker{} }

func (v *Checker) add(field, msg string) {
	v.errs = append(v.errs, FieldError{Field: field, Message: msg})
}

// Required fails when value is blank.
func (v *Checker) Required(field, value string) *Checker {
	if strings.TrimSpace(value) == "" {
		v.add(field, "is required")
	}
	return v
}

// MaxLength fails when value exceeds max bytes.
func (v *Checker) MaxLength(field, value string, max int) *Checker {
	if len(value) > max {
		v.add(field, "exceeds maximum length")
	}
	return v
}

// Positive fails unless n > 0.
func (v *Checker) Positive(field string, n int64) *Checker {
	if n <= 0 {
		v.add(field, "must be greater than zero")
	}
	return v
}

// NonNegative fails when n is set and below zero.
func (v *Checker) NonNegative(field string, n *int64) *Checker {
	if n != nil && *n < 0 {
		v.add(field, "must not be negative")
	}
	return v
}

// OneOf fails unless value is one of allowed.
func (v *Checker) OneOf(field, value string, allowed ...string) *Checker {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.add(field, "must be one of "+strings.Join(allowed, ", "))
	return v
}

// Errors returns the accumulated field errors.
func (v *Checker) Errors() []FieldError { return v.errs }

// Err returns nil when every check passed, otherwise a validation error
// describing the first failure.
func (v *Checker) Err() error {
	if len(v.errs) == 0 {
		return nil
	}
	first := v.errs[0]
	return ErrValidation.WithMessage(first.Field + " " + first.Message)
}

// Sanitize trims whitespace and strips NUL bytes.
func Sanitize(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}
