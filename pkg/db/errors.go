package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

const uniqueViolationCode = "23505"

// IsUniqueViolation reports whether err is a unique constraint violation. When
// constraintName is provided the violated constraint must match it.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return constraintName == "" || strings.Contains(err.Error(), constraintName)
	}

	if pg, ok := pkgerrors.Postgres(err); ok && pg.Code == uniqueViolationCode {
		return constraintName == "" || pg.Constraint == constraintName
	}

	msg := err.Error()
	if constraintName != "" {
		return strings.Contains(msg, constraintName)
	}
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}

// IsNotFound hides gorm's sentinel from callers outside the repositories.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
