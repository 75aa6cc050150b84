package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/erp/connector/internal/domain/erp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Factory creates gateway handles. It implements erp.ConnectionFactory.
type Factory struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ erp.ConnectionFactory = (*Factory)(nil)

// NewFactory creates a factory over db.
func NewFactory(db *gorm.DB, logger *zap.Logger) (*Factory, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.Named("gateway"),
		now:    time.Now,
	}, nil
}

// Create allocates a handle. No connection is taken until the handle is used.
func (f *Factory) Create(ctx context.Context) (erp.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newHandle(f), nil
}

// Login checks the identity against erp_users and records a session.
// A disabled account logs in with an error message, which Validate rejects.
func (f *Factory) Login(ctx context.Context, h erp.Handle, id *erp.Identity) error {
	gh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("gateway: foreign handle %T", h)
	}
	db, err := gh.session(ctx)
	if err != nil {
		return err
	}

	var user User
	err = db.Where("tenant_id = ? AND business_unit = ? AND username = ?",
		id.TenantID(), id.BusinessUnit(), id.Username()).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return f.rejectLogin(gh, id, "unknown user")
	}
	if err != nil {
		return fmt.Errorf("load user %s: %w", id, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(id.Password())) != nil {
		return f.rejectLogin(gh, id, "invalid password")
	}

	sess := Session{
		ID:        newID(),
		TenantID:  user.TenantID,
		UserID:    user.ID,
		HandleID:  gh.id.String(),
		StartedAt: f.now(),
	}
	if err := db.Create(&sess).Error; err != nil {
		return fmt.Errorf("record session for %s: %w", id, err)
	}

	msg := erp.Message{}
	switch {
	case user.Disabled:
		msg = erp.Message{Level: erp.LevelError, Text: "account disabled"}
	case user.Notice != "":
		msg = erp.Message{Level: erp.LevelWarning, Text: user.Notice}
	}

	gh.mu.Lock()
	gh.identity = id
	gh.userID = user.ID
	gh.sessionID = sess.ID
	gh.message = msg
	gh.mu.Unlock()

	id.SetAuthenticated(!user.Disabled)
	f.logger.Debug("Backend session started",
		zap.String("tenant_id", id.TenantID()),
		zap.String("handle_id", gh.id.String()),
		zap.String("session_id", sess.ID),
	)
	return nil
}

func (f *Factory) rejectLogin(h *Handle, id *erp.Identity, reason string) error {
	h.setMessage(erp.Message{Level: erp.LevelError, Text: reason})
	id.SetAuthenticated(false)
	return fmt.Errorf("%w: %s: %s", erp.ErrBackendLogin, id, reason)
}

// Validate implements erp.ConnectionFactory.
func (f *Factory) Validate(h erp.Handle) error {
	return erp.ValidateMessage(h)
}

// EnableCaching memoizes components per handle.
func (f *Factory) EnableCaching(h erp.Handle) {
	if gh, ok := h.(*Handle); ok {
		gh.mu.Lock()
		gh.caching = true
		gh.mu.Unlock()
	}
}
