package erp

import "errors"

var (
	// ErrInvalidIdentity is returned when an identity is missing or malformed.
	// It is raised before any pool work happens.
	ErrInvalidIdentity = errors.New("erp: invalid identity")

	// ErrBackendLogin is returned when the login step fails.
	ErrBackendLogin = errors.New("erp: backend login failed")

	// ErrBackendValidation is returned when a handle reports an error-level
	// message after a nominally successful login.
	ErrBackendValidation = errors.New("erp: backend validation failed")

	// ErrPoolDisposed is returned by pool operations after teardown.
	ErrPoolDisposed = errors.New("erp: connection pool disposed")

	// ErrScopeDisposed is returned when a scope is used after Close.
	ErrScopeDisposed = errors.New("erp: scope disposed")

	// ErrUnknownComponent is returned when a handle cannot create the requested component type.
	ErrUnknownComponent = errors.New("erp: unknown component type")
)

// ValidationError carries the backend message that failed validation.
type ValidationError struct {
	Message Message
}

func (e *ValidationError) Error() string {
	return "erp: backend validation failed: " + e.Message.String()
}

// Unwrap lets errors.Is match ErrBackendValidation.
func (e *ValidationError) Unwrap() error {
	return ErrBackendValidation
}
