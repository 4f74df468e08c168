package postgres

import (
	"errors"

	"github.com/lib/pq"
)

const (
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
	codeRaiseException      = "P0001"
)

func asPQError(err error) (*pq.Error, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr, true
	}
	return nil, false
}

// IsUniqueViolation checks if an error is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	pqErr, ok := asPQError(err)
	return ok && string(pqErr.Code) == codeUniqueViolation
}

// isConstraint reports whether err is an integrity violation of the named constraint.
func isConstraint(err error, constraint string) bool {
	pqErr, ok := asPQError(err)
	if !ok {
		return false
	}
	switch string(pqErr.Code) {
	case codeUniqueViolation, codeForeignKeyViolation, codeCheckViolation:
		return pqErr.Constraint == constraint
	}
	return false
}

// isRaiseException reports whether err is a RAISE EXCEPTION with message.
func isRaiseException(err error, message string) bool {
	pqErr, ok := asPQError(err)
	return ok && string(pqErr.Code) == codeRaiseException && pqErr.Message == message
}
