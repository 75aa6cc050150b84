package logger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// StatementLogger is the GORM logger of the backend gateway. Each statement
// is logged with the tenant, request and handle found in its context, so the
// SQL of one pooled session can be followed across units of work.
type StatementLogger struct {
	logger        *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
	logNotFound   bool
}

// StatementLoggerOption configures a StatementLogger.
type StatementLoggerOption func(*StatementLogger)

// WithSlowThreshold sets the duration above which statements are logged as slow.
// Zero disables slow statement warnings.
func WithSlowThreshold(threshold time.Duration) StatementLoggerOption {
	return func(l *StatementLogger) {
		l.slowThreshold = threshold
	}
}

// WithNotFoundLogged logs gorm.ErrRecordNotFound as an error. Logins look up
// unknown users all the time, so by default it is not.
func WithNotFoundLogged(logged bool) StatementLoggerOption {
	return func(l *StatementLogger) {
		l.logNotFound = logged
	}
}

// NewStatementLogger creates a StatementLogger writing to zl.
func NewStatementLogger(zl *zap.Logger, level gormlogger.LogLevel, opts ...StatementLoggerOption) *StatementLogger {
	l := &StatementLogger{
		logger:        zl.Named("erp.gateway"),
		level:         level,
		slowThreshold: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogMode implements gormlogger.Interface
func (l *StatementLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *StatementLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.scoped(ctx).Sugar().Infof(msg, data...)
	}
}

func (l *StatementLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.scoped(ctx).Sugar().Warnf(msg, data...)
	}
}

func (l *StatementLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.scoped(ctx).Sugar().Errorf(msg, data...)
	}
}

// Trace implements gormlogger.Interface. Failed statements are errors, except
// cancellations, which happen whenever a pooled handle is torn down mid-query.
func (l *StatementLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("statement", sql),
		zap.Duration("elapsed", elapsed),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}

	switch {
	case err != nil && l.level >= gormlogger.Error:
		if !l.logNotFound && errors.Is(err, gormlogger.ErrRecordNotFound) {
			return
		}
		fields = append(fields, zap.Error(err))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			l.scoped(ctx).Warn("Backend statement cancelled", fields...)
			return
		}
		l.scoped(ctx).Error("Backend statement failed", fields...)

	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		fields = append(fields, zap.Duration("threshold", l.slowThreshold))
		l.scoped(ctx).Warn("Slow backend statement", fields...)

	case l.level >= gormlogger.Info:
		l.scoped(ctx).Debug("Backend statement", fields...)
	}
}

// scoped adds the tenant, request and handle of ctx.
func (l *StatementLogger) scoped(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return l.logger
	}
	var fields []zap.Field
	if tenantID := GetTenantID(ctx); tenantID != "" {
		fields = append(fields, zap.String("tenant_id", tenantID))
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if handleID := GetHandleID(ctx); handleID != "" {
		fields = append(fields, zap.String("handle_id", handleID))
	}
	if len(fields) == 0 {
		return l.logger
	}
	return l.logger.With(fields...)
}

// ParseStatementLevel maps backend.log_level to a GORM log level. Unknown
// values fall back to warn.
func ParseStatementLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info", "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
