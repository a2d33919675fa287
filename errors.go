package zrel

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure cases
var (
	// ErrRecordNotFound is returned when a query returns no results
	ErrRecordNotFound = errors.New("zrel: record not found")

	// ErrNilPointer is returned when a nil pointer is passed
	ErrNilPointer = errors.New("zrel: nil pointer")

	// ErrNilDatabase is returned when neither a model nor GlobalDB has a connection
	ErrNilDatabase = errors.New("zrel: no database connection")

	// ErrMissingKey is returned when a relation key has no usable value
	ErrMissingKey = errors.New("zrel: missing relation key")

	// ErrInvalidRelation is returned when a relation definition does not match its models
	ErrInvalidRelation = errors.New("zrel: invalid relation")

	// ErrUnknownColumn is returned when a payload names a column the model does not have
	ErrUnknownColumn = errors.New("zrel: unknown column")

	// ErrDuplicateKey is returned for unique constraint violations
	ErrDuplicateKey = errors.New("zrel: duplicate key violation")

	// ErrForeignKey is returned for foreign key constraint violations
	ErrForeignKey = errors.New("zrel: foreign key constraint violation")
)

// MissingKeyError reports a key that could not be resolved from a row.
// It is never retried: a null join key can neither match a query nor be
// copied onto a child row.
type MissingKeyError struct {
	Model string    // Go type name of the row
	Key   string    // Field or column that was requested
	Op    Operation // Query or persist
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("zrel: missing value for key '%s' on model %s during %s", e.Key, e.Model, e.Op)
}

func (e *MissingKeyError) Unwrap() error {
	return ErrMissingKey
}

// QueryError wraps database errors with query context for better debugging
type QueryError struct {
	Query     string // The SQL query that failed
	Args      []any  // The query arguments
	Operation string // Operation type: SELECT, INSERT, UPDATE
	Err       error  // The underlying error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("zrel: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, formatArgs(e.Args))
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// RelationError wraps relation failures with context
type RelationError struct {
	Relation  string // Name of the relation
	ModelType string // Type of the parent model
	Err       error  // The underlying error
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("zrel: relation '%s' error on model %s: %v",
		e.Relation, e.ModelType, e.Err)
}

func (e *RelationError) Unwrap() error {
	return e.Err
}

// TransactionError reports a failed begin, commit or rollback.
type TransactionError struct {
	Op  string // begin, commit or rollback
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("zrel: transaction %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// WrapQueryError wraps a database error with query context
func WrapQueryError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	// Drivers disagree on casing: "UNIQUE constraint failed" (sqlite),
	// "duplicate key value" (postgres), "Duplicate entry" (mysql).
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "duplicate key"),
		strings.Contains(errMsg, "duplicate entry"),
		strings.Contains(errMsg, "unique constraint"):
		err = fmt.Errorf("%w: %w", ErrDuplicateKey, err)
	case strings.Contains(errMsg, "foreign key"):
		err = fmt.Errorf("%w: %w", ErrForeignKey, err)
	}

	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
		Err:       err,
	}
}

// WrapRelationError wraps a relation error with context
func WrapRelationError(relation, modelType string, err error) error {
	if err == nil {
		return nil
	}
	return &RelationError{
		Relation:  relation,
		ModelType: modelType,
		Err:       err,
	}
}

// IsNotFound checks if the error is ErrRecordNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsConstraintViolation checks if the error is a constraint violation
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrForeignKey)
}

// IsDuplicateKey checks if the error is a duplicate key violation
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsForeignKeyViolation checks if the error is a foreign key violation
func IsForeignKeyViolation(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsMissingKey checks if the error is a MissingKeyError
func IsMissingKey(err error) bool {
	return errors.Is(err, ErrMissingKey)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	// Limit output length
	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:197] + "...]"
	}
	return result
}
