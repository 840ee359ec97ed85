package story

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidInput            = errors.New("invalid input")
	ErrTransientConflict       = errors.New("transient conflict")
	ErrGenerationFailed        = errors.New("scene generation failed")
	ErrSessionAlreadyCompleted = errors.New("session already completed")
)

// Retryable reports whether the same request may be re-issued unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientConflict) || errors.Is(err, ErrGenerationFailed)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFound(what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
