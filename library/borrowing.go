package library

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// IssueOutcome is the named result of an issue request. The zero value,
// IssueFailed, always comes with a non-nil error.
type IssueOutcome int

const (
	IssueFailed IssueOutcome = iota
	Issued
	IssueOutOfStock
	IssueBookNotFound
)

func (o IssueOutcome) String() string {
	switch o {
	case Issued:
		return "issued"
	case IssueOutOfStock:
		return "out_of_stock"
	case IssueBookNotFound:
		return "book_not_found"
	default:
		return "failed"
	}
}

// IssueResult carries the outcome and, for Issued, the new loan identity.
type IssueResult struct {
	Outcome IssueOutcome
	LoanID  int64
	Ref     string
}

// ReturnOutcome is the named result of a return request.
type ReturnOutcome int

const (
	ReturnFailed ReturnOutcome = iota
	Returned
	ReturnLoanNotFound
	AlreadyReturned
)

func (o ReturnOutcome) String() string {
	switch o {
	case Returned:
		return "returned"
	case ReturnLoanNotFound:
		return "loan_not_found"
	case AlreadyReturned:
		return "already_returned"
	default:
		return "failed"
	}
}

// RenewOutcome is the named result of a renewal request.
type RenewOutcome int

const (
	RenewFailed RenewOutcome = iota
	Renewed
	RenewLoanNotFound
	RenewAlreadyReturned
	RenewalLimitReached
)

func (o RenewOutcome) String() string {
	switch o {
	case Renewed:
		return "renewed"
	case RenewLoanNotFound:
		return "loan_not_found"
	case RenewAlreadyReturned:
		return "already_returned"
	case RenewalLimitReached:
		return "renewal_limit_reached"
	default:
		return "failed"
	}
}

// Clock supplies "now"; tests pin it.
type Clock interface {
	Now() time.Time
}

type realClock struct{ loc *time.Location }

func (c realClock) Now() time.Time {
	if c.loc == nil {
		return time.Now()
	}
	return time.Now().In(c.loc)
}

// SystemClock returns the wall clock in loc (local time when nil).
func SystemClock(loc *time.Location) Clock { return realClock{loc: loc} }

// RefGen produces public loan references.
type RefGen interface {
	NewRef(t time.Time) (string, error)
}

type ulidGen struct{}

func (ulidGen) NewRef(t time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// BorrowingLedger owns loan rows: it is the only writer of status,
// return_date and fine_amount. Every state change runs in one transaction
// together with the matching InventoryLedger step.
type BorrowingLedger struct {
	db        *Database
	inventory *InventoryLedger
	clock     Clock
	refs      RefGen
}

// NewBorrowingLedger composes a borrowing ledger over inventory.
func NewBorrowingLedger(db *Database, inventory *InventoryLedger, clock Clock) *BorrowingLedger {
	if clock == nil {
		clock = SystemClock(nil)
	}
	return &BorrowingLedger{db: db, inventory: inventory, clock: clock, refs: ulidGen{}}
}

// Issue reserves a copy of bookID and records a loan for memberID due on
// due. Reservation and insert commit together or not at all: a failed
// insert rolls the decrement back.
func (l *BorrowingLedger) Issue(ctx context.Context, memberID, bookID int64, due time.Time) (IssueResult, error) {
	now := l.clock.Now()
	today := truncateDay(now)
	due = truncateDay(due)
	if due.Before(today) {
		return IssueResult{}, fmt.Errorf("issue: %w: due date %s is before issue date %s",
			ErrInvalidArgument, formatDate(due), formatDate(today))
	}

	ref, err := l.refs.NewRef(now)
	if err != nil {
		return IssueResult{}, fmt.Errorf("issue: loan ref: %w", err)
	}

	var result IssueResult
	err = RunInTx(ctx, l.db.db, func(ctx context.Context, tx DBTX) error {
		reservation, err := l.inventory.TryReserveCopy(ctx, tx, bookID)
		if err != nil {
			return err
		}
		switch reservation {
		case OutOfStock:
			result.Outcome = IssueOutOfStock
			return errRollback
		case BookNotFound:
			result.Outcome = IssueBookNotFound
			return errRollback
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO loans(loan_ref, member_id, book_id, issue_date, due_date, fine_amount, status)
             VALUES(?, ?, ?, ?, ?, '0', ?)`,
			ref, memberID, bookID, formatDate(today), formatDate(due), string(StatusIssued))
		if err != nil {
			return storeError("insert loan", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return storeError("insert loan", err)
		}
		result = IssueResult{Outcome: Issued, LoanID: id, Ref: ref}
		return nil
	})
	if errors.Is(err, errRollback) {
		return result, nil
	}
	if err != nil {
		return IssueResult{}, storeError("issue", err)
	}
	return result, nil
}

// Return closes an ISSUED loan with fine and gives the copy back. The
// update is keyed on status = 'ISSUED', so a repeated or concurrent return
// changes nothing and reports AlreadyReturned.
func (l *BorrowingLedger) Return(ctx context.Context, loanID int64, fine decimal.Decimal) (ReturnOutcome, error) {
	if fine.IsNegative() {
		return ReturnFailed, fmt.Errorf("return: %w: negative fine %s", ErrInvalidArgument, fine)
	}
	today := truncateDay(l.clock.Now())

	outcome := ReturnFailed
	err := RunInTx(ctx, l.db.db, func(ctx context.Context, tx DBTX) error {
		var bookID int64
		err := tx.QueryRowContext(ctx,
			`UPDATE loans SET status = ?, return_date = ?, fine_amount = ?
             WHERE borrow_id = ? AND status = ?
             RETURNING book_id`,
			string(StatusReturned), formatDate(today), fine.String(), loanID, string(StatusIssued)).Scan(&bookID)
		if errors.Is(err, sql.ErrNoRows) {
			status, err := loanStatus(ctx, tx, loanID)
			if err != nil {
				return err
			}
			if status == "" {
				outcome = ReturnLoanNotFound
			} else {
				outcome = AlreadyReturned
			}
			return errRollback
		}
		if err != nil {
			return storeError("close loan", err)
		}

		if err := l.inventory.ReleaseCopy(ctx, tx, bookID); err != nil {
			return err
		}
		outcome = Returned
		return nil
	})
	if errors.Is(err, errRollback) {
		return outcome, nil
	}
	if err != nil {
		return ReturnFailed, storeError("return", err)
	}
	return outcome, nil
}

// Renew pushes the due date of an ISSUED loan extendDays past its current
// due date, at most maxRenewals times per loan. The new due date is derived
// inside the transaction so concurrent renewals each extend the latest
// value. Inventory is untouched.
func (l *BorrowingLedger) Renew(ctx context.Context, loanID int64, extendDays, maxRenewals int) (RenewOutcome, time.Time, error) {
	if extendDays <= 0 {
		return RenewFailed, time.Time{}, fmt.Errorf("%w: renewal period must be positive, got %d", ErrInvalidArgument, extendDays)
	}

	outcome := RenewFailed
	var newDue time.Time
	err := RunInTx(ctx, l.db.db, func(ctx context.Context, tx DBTX) error {
		loan, err := getLoan(ctx, tx, loanID)
		if errors.Is(err, ErrNotFound) {
			outcome = RenewLoanNotFound
			return errRollback
		}
		if err != nil {
			return err
		}
		if loan.Status == StatusReturned {
			outcome = RenewAlreadyReturned
			return errRollback
		}
		due := truncateDay(loan.DueDate.AddDate(0, 0, extendDays))

		res, err := tx.ExecContext(ctx,
			`UPDATE loans SET due_date = ?, renewals = renewals + 1
             WHERE borrow_id = ? AND status = ? AND due_date = ? AND renewals < ?`,
			formatDate(due), loanID, string(StatusIssued), formatDate(loan.DueDate), maxRenewals)
		if err != nil {
			return storeError("extend loan", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storeError("extend loan", err)
		}
		if n == 0 {
			outcome = RenewalLimitReached
			return errRollback
		}
		outcome = Renewed
		newDue = due
		return nil
	})
	if errors.Is(err, errRollback) {
		return outcome, time.Time{}, nil
	}
	if err != nil {
		return RenewFailed, time.Time{}, storeError("renew", err)
	}
	return outcome, newDue, nil
}

// errRollback aborts a transaction for a business rejection. It never
// escapes the ledger.
var errRollback = errors.New("rollback")

// loanStatus returns "" when the loan does not exist.
func loanStatus(ctx context.Context, q DBTX, loanID int64) (LoanStatus, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM loans WHERE borrow_id = ?`, loanID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeError("loan status", err)
	}
	return LoanStatus(status), nil
}
