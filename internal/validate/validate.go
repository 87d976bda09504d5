// Package validate checks raw identity input before anything else trusts it.
// Validation never short-circuits: every failing rule on every field is
// reported so callers can render a complete response.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"identity-core/internal/domain"
)

const (
	UsernameMinLen = 3
	UsernameMaxLen = 50
	SecretMinLen   = 8
	SecretMaxLen   = 128
	EmailMaxLen    = 254
)

var (
	usernameCharset = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	emailSyntax     = validator.New()
)

// Raw is a decoded request body. Values are untyped so that non-text input can
// be reported separately from empty text.
type Raw map[string]any

// Creation is the accepted, normalized input of a registration.
type Creation struct {
	Username string
	Email    string
	Secret   string
}

// Update is the accepted, normalized input of a partial update. Nil fields are
// left unchanged.
type Update struct {
	Username *string
	Email    *string
	Secret   *string
}

// Empty reports whether the update carries no fields.
func (u Update) Empty() bool {
	return u.Username == nil && u.Email == nil && u.Secret == nil
}

// CreationInput validates a registration request. All three fields are required.
func CreationInput(raw Raw) (Creation, domain.Violations) {
	var (
		out        Creation
		violations domain.Violations
	)
	for _, field := range []domain.Field{domain.FieldUsername, domain.FieldEmail, domain.FieldSecret} {
		value, present := lookup(raw, field)
		if !present {
			violations = append(violations, violation(field, domain.ViolationRequired, "is required"))
			continue
		}
		normalized, vs := checkField(field, value)
		violations = append(violations, vs...)
		if len(vs) > 0 {
			continue
		}
		switch field {
		case domain.FieldUsername:
			out.Username = normalized
		case domain.FieldEmail:
			out.Email = normalized
		case domain.FieldSecret:
			out.Secret = normalized
		}
	}
	if len(violations) > 0 {
		return Creation{}, violations
	}
	return out, nil
}

// UpdateInput validates a partial update. Absent or null fields are skipped;
// present fields follow the creation rules.
func UpdateInput(raw Raw) (Update, domain.Violations) {
	var (
		out        Update
		violations domain.Violations
	)
	for _, field := range []domain.Field{domain.FieldUsername, domain.FieldEmail, domain.FieldSecret} {
		value, present := lookup(raw, field)
		if !present {
			continue
		}
		normalized, vs := checkField(field, value)
		violations = append(violations, vs...)
		if len(vs) > 0 {
			continue
		}
		switch field {
		case domain.FieldUsername:
			out.Username = &normalized
		case domain.FieldEmail:
			out.Email = &normalized
		case domain.FieldSecret:
			out.Secret = &normalized
		}
	}
	if len(violations) > 0 {
		return Update{}, violations
	}
	return out, nil
}

func lookup(raw Raw, field domain.Field) (any, bool) {
	value, ok := raw[string(field)]
	if !ok || value == nil {
		return nil, false
	}
	return value, true
}

func checkField(field domain.Field, value any) (string, domain.Violations) {
	text, ok := value.(string)
	if !ok {
		return "", domain.Violations{violation(field, domain.ViolationWrongType, fmt.Sprintf("must be text, got %T", value))}
	}
	if text == "" {
		return "", domain.Violations{violation(field, domain.ViolationEmpty, "must not be empty")}
	}
	switch field {
	case domain.FieldUsername:
		return text, Username(text)
	case domain.FieldEmail:
		return domain.NormalizeEmail(text), Email(text)
	default:
		return text, Secret(text)
	}
}

// Username checks a non-empty username.
func Username(username string) domain.Violations {
	var out domain.Violations
	if strings.TrimFunc(username, unicode.IsSpace) != username {
		out = append(out, violation(domain.FieldUsername, domain.ViolationWhitespace, "must not start or end with whitespace"))
	}
	n := utf8.RuneCountInString(username)
	if n < UsernameMinLen {
		out = append(out, violation(domain.FieldUsername, domain.ViolationTooShort, fmt.Sprintf("must be at least %d characters", UsernameMinLen)))
	}
	if n > UsernameMaxLen {
		out = append(out, violation(domain.FieldUsername, domain.ViolationTooLong, fmt.Sprintf("must be at most %d characters", UsernameMaxLen)))
	}
	if !usernameCharset.MatchString(username) {
		out = append(out, violation(domain.FieldUsername, domain.ViolationInvalidCharset, "may contain only letters, digits, '_' and '-'"))
	}
	return out
}

// Email checks a non-empty email address.
func Email(email string) domain.Violations {
	if len(email) > EmailMaxLen {
		return domain.Violations{violation(domain.FieldEmail, domain.ViolationTooLong, fmt.Sprintf("must be at most %d bytes", EmailMaxLen))}
	}
	if err := emailSyntax.Var(email, "email"); err != nil {
		return domain.Violations{violation(domain.FieldEmail, domain.ViolationInvalidFormat, "must be a valid email address")}
	}
	return nil
}

// Secret checks a non-empty plaintext secret.
func Secret(secret string) domain.Violations {
	if !utf8.ValidString(secret) {
		return domain.Violations{violation(domain.FieldSecret, domain.ViolationInvalidFormat, "must be valid UTF-8 text")}
	}
	n := utf8.RuneCountInString(secret)
	if n < SecretMinLen {
		return domain.Violations{violation(domain.FieldSecret, domain.ViolationTooShort, fmt.Sprintf("must be at least %d characters", SecretMinLen))}
	}
	if n > SecretMaxLen {
		return domain.Violations{violation(domain.FieldSecret, domain.ViolationTooLong, fmt.Sprintf("must be at most %d characters", SecretMaxLen))}
	}
	return nil
}

func violation(field domain.Field, kind domain.ViolationKind, message string) domain.Violation {
	return domain.Violation{Field: field, Kind: kind, Message: message}
}
