package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}

func forbidden(what string) error {
	return fmt.Errorf("%w: %s belongs to another user", ErrForbidden, what)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

const (
	defaultConversationPageSize = 10
	defaultMessagePageSize      = 50
	maxPageSize                 = 100
)

// normalizePage clamps page and pageSize and returns the row offset
func normalizePage(page, pageSize, defaultSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}
