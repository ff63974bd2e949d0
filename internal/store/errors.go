package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrInvalidSchema indicates a schema outside the configured pattern.
	ErrInvalidSchema = errors.New("store: schema not allowed")
	// ErrInvalidCriteria indicates criteria that cannot be translated to SQL.
	ErrInvalidCriteria = errors.New("store: invalid criteria")
	// ErrUnknownTable indicates a table that does not exist.
	ErrUnknownTable = errors.New("store: unknown table")
	// ErrObjectNotFound indicates an update of an id that has no row.
	ErrObjectNotFound = errors.New("store: object not found")

	errMissingPool = errors.New("connection pool is required")
	noOpLogger     = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew    = "store.new"
	opDiscover    = "store.discover"
	opRetrieve    = "store.retrieve"
	opFind        = "store.find"
	opSave        = "store.save"
	opEnsureTable = "store.ensure_table"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store error", attrs...)
}
