// Package pgerr classifies PostgreSQL driver errors by SQLSTATE.
package pgerr

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"
)

func code(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique or primary-key constraint violation.
func IsUniqueViolation(err error) bool {
	return code(err) == pgerrcode.UniqueViolation
}

// IsForeignKeyViolation reports whether err references a missing parent row.
func IsForeignKeyViolation(err error) bool {
	return code(err) == pgerrcode.ForeignKeyViolation
}

// Constraint returns the violated constraint name, if the driver reported one.
func Constraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}
