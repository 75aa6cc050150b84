package erp

import (
	"context"
	"reflect"

	"github.com/google/uuid"
)

// Level is the severity of a message embedded in a handle.
type Level int

const (
	// LevelNone means the backend reported nothing.
	LevelNone Level = iota
	// LevelInfo is informational.
	LevelInfo
	// LevelWarning does not fail validation.
	LevelWarning
	// LevelError fails validation.
	LevelError
	// LevelFatal fails validation.
	LevelFatal
)

// String returns the string representation of Level
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Message is the error/message state a backend session carries after each call.
type Message struct {
	Level Level
	Text  string
}

// IsError reports whether the message should fail validation.
func (m Message) IsError() bool {
	return m.Level >= LevelError
}

func (m Message) String() string {
	if m.Text == "" {
		return m.Level.String()
	}
	return m.Level.String() + ": " + m.Text
}

// BackendContext exposes backend-specific sub-resources of a session.
type BackendContext interface {
	// Identity returns the identity the session logged in with, or nil before login.
	Identity() *Identity
	// Resource looks up a named sub-resource.
	Resource(name string) (any, bool)
}

// Handle is one authenticated session to the ERP backend.
//
// A handle is owned by exactly one of the pool's available set or one
// checked-out scope. Implementations do not need to be safe for concurrent
// use by multiple callers; the pool guarantees exclusive ownership.
type Handle interface {
	ID() uuid.UUID
	// IsOpen reports whether the live backend connection is currently open.
	IsOpen() bool
	// Message returns the message state of the last backend call.
	Message() Message
	Context() BackendContext
	// CreateComponent builds the backend object registered for the given type.
	// The live connection is reopened on demand.
	CreateComponent(ctx context.Context, typ reflect.Type) (any, error)
	// Close closes the live connection. The session stays valid and the next
	// backend call reopens it. Close is idempotent.
	Close() error
	// Dispose releases every backend resource. Dispose is idempotent.
	Dispose() error
}

// HealthChecker is a component that verifies the backend session is usable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ComponentType returns the lookup key for component type T.
func ComponentType[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}
