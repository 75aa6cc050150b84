package erp

import "context"

// ConnectionFactory creates and prepares handles for a pool.
//
// Login is not safe for concurrent use in the underlying client library;
// callers serialize it. Create, Validate and EnableCaching may run concurrently.
type ConnectionFactory interface {
	// Create allocates a raw handle without touching the backend session.
	Create(ctx context.Context) (Handle, error)
	// Login authenticates the handle. On success it marks the identity authenticated.
	Login(ctx context.Context, h Handle, id *Identity) error
	// Validate fails with ErrBackendValidation if the handle carries an error-level message.
	Validate(h Handle) error
	// EnableCaching is a best-effort performance hint.
	EnableCaching(h Handle)
}

// ValidateMessage is the shared Validate implementation for factories whose
// handles expose their message state.
func ValidateMessage(h Handle) error {
	if msg := h.Message(); msg.IsError() {
		return &ValidationError{Message: msg}
	}
	return nil
}
