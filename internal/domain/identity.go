package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Field names a unique or validated attribute of an identity.
type Field string

const (
	FieldUsername Field = "username"
	FieldEmail    Field = "email"
	FieldSecret   Field = "secret"
)

// Identity is the durable account record. CredentialHash never leaves the
// service boundary; callers only ever see a View.
type Identity struct {
	ID             string
	Username       string
	Email          string
	CredentialHash string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Draft carries the validated, hashed fields of a record that has not been
// inserted yet.
type Draft struct {
	Username       string
	Email          string
	CredentialHash string
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Username       *string
	Email          *string
	CredentialHash *string

	// IfCredentialHash, when set, makes the update conditional: it applies
	// only while the stored hash still equals this value.
	IfCredentialHash *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Username == nil && p.Email == nil && p.CredentialHash == nil
}

// View is the normalized output projection of an Identity.
type View struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// View strips the credential hash.
func (i Identity) View() View {
	return View{
		ID:        i.ID,
		Username:  i.Username,
		Email:     i.Email,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

// NewID returns a fresh time-ordered identifier.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate identity id: %w", err)
	}
	return id.String(), nil
}

// Now returns the current UTC time truncated to the microsecond precision
// shared by every storage backend.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NormalizeEmail is the canonical form used for storage and uniqueness
// comparison: lower case, Unicode NFC.
func NormalizeEmail(email string) string {
	return norm.NFC.String(strings.ToLower(email))
}
