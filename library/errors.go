package library

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"
)

var (
	// ErrTransient marks a store failure that left no partial change behind;
	// repeating the whole operation is safe.
	ErrTransient = errors.New("transient store failure")

	// ErrInvariantViolation is returned when the store rejects a write that
	// would push available copies outside 0..total_copies.
	ErrInvariantViolation = errors.New("inventory invariant violated")

	// ErrInvalidArgument is returned for caller mistakes such as a due date in
	// the past, a negative fine or an unknown member.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by catalog and member lookups.
	ErrNotFound = errors.New("not found")

	// ErrAuthentication is returned when a member password does not match.
	ErrAuthentication = errors.New("authentication failed")
)

const availabilityConstraint = "available_within_total"

// SQLite result codes used for classification. Both drivers report the
// same numeric codes.
const (
	codeBusy       = 5
	codeLocked     = 6
	codeConstraint = 19
)

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool { return errors.Is(err, ErrTransient) }

// storeError wraps err with op and, when it recognises the failure, with
// one of the taxonomy sentinels.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrInvariantViolation) || errors.Is(err, ErrInvalidArgument) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}

	primary, ok := sqliteCode(err)
	if !ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case primary == codeBusy || primary == codeLocked:
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	case primary == codeConstraint && strings.Contains(err.Error(), availabilityConstraint):
		// Matched by name: the driver may not report the extended CHECK code.
		return fmt.Errorf("%s: %w: %w", op, ErrInvariantViolation, err)
	case primary == codeConstraint:
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidArgument, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sqliteCode extracts the primary result code from either driver's error
// type.
func sqliteCode(err error) (int, bool) {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return int(cgoErr.Code), true
	}
	var pureErr *msqlite.Error
	if errors.As(err, &pureErr) {
		return pureErr.Code() & 0xff, true
	}
	return 0, false
}
