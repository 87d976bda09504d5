package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the operation targeted an identity that does not exist.
	ErrNotFound = errors.New("identity not found")
	// ErrStorageUnavailable marks a transient backend failure. It is the only
	// error a caller may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvalidCredentials is returned by authentication for an unknown user or
	// a wrong secret, without telling the two apart.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// ViolationKind classifies a field-scoped validation failure.
type ViolationKind string

const (
	ViolationRequired       ViolationKind = "required"
	ViolationWrongType      ViolationKind = "wrong_type"
	ViolationEmpty          ViolationKind = "empty"
	ViolationTooShort       ViolationKind = "too_short"
	ViolationTooLong        ViolationKind = "too_long"
	ViolationInvalidCharset ViolationKind = "invalid_charset"
	ViolationWhitespace     ViolationKind = "whitespace"
	ViolationInvalidFormat  ViolationKind = "invalid_format"
)

// Violation is one rejected rule on one input field.
type Violation struct {
	Field   Field         `json:"field"`
	Kind    ViolationKind `json:"kind"`
	Message string        `json:"message"`
}

// Violations is an ordered list of violations; empty means the input was accepted.
type Violations []Violation

// Fields returns the distinct fields that failed, in order of first appearance.
func (v Violations) Fields() []Field {
	var out []Field
	seen := make(map[Field]struct{}, len(v))
	for _, violation := range v {
		if _, ok := seen[violation.Field]; ok {
			continue
		}
		seen[violation.Field] = struct{}{}
		out = append(out, violation.Field)
	}
	return out
}

// Has reports whether field failed with kind.
func (v Violations) Has(field Field, kind ViolationKind) bool {
	for _, violation := range v {
		if violation.Field == field && violation.Kind == kind {
			return true
		}
	}
	return false
}

// ValidationError reports every violation found in a request. Nothing was
// hashed or stored.
type ValidationError struct {
	Violations Violations
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// DuplicateIdentityError reports the unique fields that collided with another
// live identity. Nothing was written.
type DuplicateIdentityError struct {
	Fields []Field
}

func (e *DuplicateIdentityError) Error() string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = string(f)
	}
	return "identity already exists: " + strings.Join(names, ", ")
}

// Has reports whether field is among the colliding fields.
func (e *DuplicateIdentityError) Has(field Field) bool {
	for _, f := range e.Fields {
		if f == field {
			return true
		}
	}
	return false
}
