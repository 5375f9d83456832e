package relationaldb

import (
	"errors"
	"fmt"
)

// Sentinel errors by category.
var (
	// Configuration errors
	ErrMissingDSN             = errors.New("database connection string is required")
	ErrInvalidDriver          = errors.New("invalid database driver")
	ErrInvalidMaxOpenConns    = errors.New("max open connections must be >= 0")
	ErrInvalidMaxIdleConns    = errors.New("max idle connections must be >= 0")
	ErrMaxIdleExceedsMaxOpen  = errors.New("max idle connections cannot exceed max open connections")
	ErrInvalidTimeout         = errors.New("timeout must be positive")
	ErrInvalidConnMaxLifetime = errors.New("connection max lifetime must be >= 0")

	// Connection errors
	ErrDatabaseClosed    = errors.New("database connection is closed")
	ErrConnectionFailed  = errors.New("failed to connect to database")
	ErrTransactionClosed = errors.New("transaction is closed")

	// Data errors
	ErrNotFound        = errors.New("row not found")
	ErrDuplicateEntry  = errors.New("duplicate entry")
	ErrAppendOnly      = errors.New("ledger rows cannot be updated or deleted")
	ErrCheckViolation  = errors.New("check constraint violation")
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// ErrorType categorizes a DatabaseError.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeConstraint
	ErrorTypeQuery
	ErrorTypeSchema
)

// DatabaseError provides detailed information about database errors.
type DatabaseError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

func (e *DatabaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// NewConfigurationError creates a configuration-category error.
func NewConfigurationError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeConfiguration, Operation: operation, Message: message, Cause: cause}
}

// NewConnectionError creates a connection-category error. Connection errors
// are retryable.
func NewConnectionError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeConnection, Operation: operation, Message: message, Cause: cause, Retryable: true}
}

// NewTransactionError creates a transaction-category error.
func NewTransactionError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeTransaction, Operation: operation, Message: message, Cause: cause}
}

// NewQueryError creates a query-category error.
func NewQueryError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeQuery, Operation: operation, Message: message, Cause: cause}
}

// NewConstraintError creates a constraint-category error.
func NewConstraintError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeConstraint, Operation: operation, Message: message, Cause: cause}
}

// NewSchemaError creates a schema-category error.
func NewSchemaError(operation, message string, cause error) *DatabaseError {
	return &DatabaseError{Type: ErrorTypeSchema, Operation: operation, Message: message, Cause: cause}
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueViolation) || errors.Is(err, ErrDuplicateEntry)
}
