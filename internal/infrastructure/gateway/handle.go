package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"github.com/erp/connector/internal/infrastructure/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	errHandleDisposed = errors.New("gateway: handle disposed")
	errNotLoggedIn    = errors.New("gateway: handle not logged in")

	tenantDBType      = erp.ComponentType[*TenantDB]()
	healthCheckerType = erp.ComponentType[erp.HealthChecker]()
)

// Handle is a backend session pinned to one *sql.Conn while open.
type Handle struct {
	id      uuid.UUID
	factory *Factory

	mu         sync.Mutex
	conn       *sql.Conn
	disposed   bool
	caching    bool
	message    erp.Message
	identity   *erp.Identity
	userID     string
	sessionID  string
	components map[reflect.Type]any
}

var _ erp.Handle = (*Handle)(nil)

func newHandle(f *Factory) *Handle {
	return &Handle{
		id:         uuid.New(),
		factory:    f,
		components: make(map[reflect.Type]any),
	}
}

// ID implements erp.Handle.
func (h *Handle) ID() uuid.UUID { return h.id }

// IsOpen implements erp.Handle.
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// Message implements erp.Handle.
func (h *Handle) Message() erp.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.message
}

func (h *Handle) setMessage(msg erp.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.message = msg
}

// SessionID returns the erp_sessions row of the current login.
func (h *Handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Context implements erp.Handle.
func (h *Handle) Context() erp.BackendContext { return backendContext{h: h} }

// session returns a GORM DB bound to the handle's connection, opening it first if needed.
func (h *Handle) session(ctx context.Context) (*gorm.DB, error) {
	conn, err := h.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithHandleID(ctx, h.id.String())
	db := h.factory.db.Session(&gorm.Session{NewDB: true, Context: ctx})
	db.Statement.ConnPool = conn
	return db, nil
}

func (h *Handle) ensureConn(ctx context.Context) (*sql.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil, errHandleDisposed
	}
	if h.conn != nil {
		return h.conn, nil
	}
	conn, err := h.factory.sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateway: open connection: %w", err)
	}
	h.conn = conn
	return conn, nil
}

// CreateComponent implements erp.Handle.
func (h *Handle) CreateComponent(ctx context.Context, typ reflect.Type) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := h.ensureConn(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil, errHandleDisposed
	}
	if h.identity == nil {
		return nil, errNotLoggedIn
	}
	if c, ok := h.components[typ]; ok {
		return c, nil
	}

	var c any
	switch typ {
	case tenantDBType:
		c = &TenantDB{h: h, tenantID: h.identity.TenantID(), businessUnit: h.identity.BusinessUnit()}
	case healthCheckerType:
		c = healthChecker{h: h}
	default:
		return nil, fmt.Errorf("%w: %v", erp.ErrUnknownComponent, typ)
	}
	if h.caching {
		h.components[typ] = c
	}
	return c, nil
}

// Close implements erp.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Dispose implements erp.Handle. It ends the session row and returns the
// connection to the database pool.
func (h *Handle) Dispose() error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return nil
	}
	h.disposed = true
	conn := h.conn
	h.conn = nil
	sessionID := h.sessionID
	h.components = nil
	h.mu.Unlock()

	var errs []error
	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := h.factory.db.WithContext(ctx).
			Model(&Session{}).
			Where("id = ?", sessionID).
			Update("ended_at", h.factory.now()).Error
		if err != nil {
			errs = append(errs, fmt.Errorf("end session %s: %w", sessionID, err))
		}
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

type backendContext struct{ h *Handle }

func (c backendContext) Identity() *erp.Identity {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	return c.h.identity
}

func (c backendContext) Resource(name string) (any, bool) {
	c.h.mu.Lock()
	defer c.h.mu.Unlock()
	if c.h.identity == nil {
		return nil, false
	}
	switch name {
	case "tenant_id":
		return c.h.identity.TenantID(), true
	case "business_unit":
		return c.h.identity.BusinessUnit(), true
	case "user_id":
		return c.h.userID, true
	case "session_id":
		return c.h.sessionID, true
	}
	return nil, false
}

type healthChecker struct{ h *Handle }

// Ping verifies the pinned connection answers.
func (c healthChecker) Ping(ctx context.Context) error {
	conn, err := c.h.ensureConn(ctx)
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}
