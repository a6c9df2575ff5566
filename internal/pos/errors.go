package pos

import (
	"errors"
	"fmt"
)

// Error is a rejection raised before any local write takes place.
//
// A rejected operation leaves no partial state and creates no outbox row.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// TabID identifies the affected tab, if known.
	TabID string

	// LineID identifies the affected line, if any.
	LineID string
}

// ErrorCode categorizes rejections.
type ErrorCode string

const (
	// CodeInvalidInput indicates a missing, malformed or out of range field.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeTenantMismatch indicates the request tenant does not own the aggregate.
	CodeTenantMismatch ErrorCode = "TENANT_MISMATCH"

	// CodeNotFound indicates the tab, line or table does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeTabNotOpen indicates a mutating operation on a PAID or CANCELED tab.
	CodeTabNotOpen ErrorCode = "TAB_NOT_OPEN"

	// CodeLineNotInTab indicates the line belongs to another tab or was removed.
	CodeLineNotInTab ErrorCode = "LINE_NOT_IN_TAB"

	// CodeRoundNotFound indicates no kitchen round with that mutation id exists on the tab.
	CodeRoundNotFound ErrorCode = "ROUND_NOT_FOUND"

	// CodeStaleVersion indicates the tab changed between read and write, or
	// the caller's expected version is behind the current one.
	CodeStaleVersion ErrorCode = "STALE_VERSION"
)

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.TabID != "" && e.LineID != "":
		return fmt.Sprintf("%s: %s (tab=%s, line=%s)", e.Code, e.Message, e.TabID, e.LineID)
	case e.TabID != "":
		return fmt.Sprintf("%s: %s (tab=%s)", e.Code, e.Message, e.TabID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsCode reports whether err is an *Error with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsRejection reports whether err is a validation or precondition rejection
// rather than a storage failure.
func IsRejection(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func tabError(code ErrorCode, tabID, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), TabID: tabID}
}
