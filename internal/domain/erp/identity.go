package erp

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// tokenNamespace scopes identity tokens so they never collide with other
// name-based UUIDs in the system.
var tokenNamespace = uuid.MustParse("6f1c4b2e-8a57-4d0e-9c1b-3f7e2a9d5c40")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Identity is the tenant/login context a pool is built for.
// All fields are fixed at construction; only the authenticated flag changes.
type Identity struct {
	tenantID     string
	businessUnit string
	username     string
	password     string
	token        string

	authenticated atomic.Bool
}

// Credentials is the input for NewIdentity.
type Credentials struct {
	TenantID     string `validate:"required,max=64"`
	BusinessUnit string `validate:"max=64"`
	Username     string `validate:"required,max=128"`
	Password     string `validate:"required,max=256"`
}

// NewIdentity validates the credentials and derives the pool token.
func NewIdentity(c Credentials) (*Identity, error) {
	c.TenantID = strings.TrimSpace(c.TenantID)
	c.BusinessUnit = strings.TrimSpace(c.BusinessUnit)
	c.Username = strings.TrimSpace(c.Username)

	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	id := &Identity{
		tenantID:     c.TenantID,
		businessUnit: c.BusinessUnit,
		username:     c.Username,
		password:     c.Password,
	}
	// The password is part of the key: changed credentials get a fresh pool
	// instead of reusing sessions logged in with the old ones.
	name := strings.Join([]string{c.TenantID, c.BusinessUnit, c.Username, c.Password}, "\x00")
	id.token = uuid.NewSHA1(tokenNamespace, []byte(name)).String()
	return id, nil
}

// Validate reports whether the identity can be used for pool lookups.
func (i *Identity) Validate() error {
	if i == nil || i.token == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// Token returns the stable lookup key for this identity.
func (i *Identity) Token() string { return i.token }

// TenantID returns the tenant the identity belongs to.
func (i *Identity) TenantID() string { return i.tenantID }

// BusinessUnit returns the business unit (may be empty).
func (i *Identity) BusinessUnit() string { return i.businessUnit }

// Username returns the backend login name.
func (i *Identity) Username() string { return i.username }

// Password returns the backend password.
func (i *Identity) Password() string { return i.password }

// IsAuthenticated reports whether a login with this identity has succeeded.
func (i *Identity) IsAuthenticated() bool { return i.authenticated.Load() }

// SetAuthenticated is called by connection factories after a login attempt.
func (i *Identity) SetAuthenticated(v bool) { i.authenticated.Store(v) }

// String never includes the password.
func (i *Identity) String() string {
	if i == nil {
		return "<nil identity>"
	}
	if i.businessUnit == "" {
		return i.tenantID + "/" + i.username
	}
	return i.tenantID + "/" + i.businessUnit + "/" + i.username
}
