package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

const (
	logAttrLoanID   = "loan_id"
	logAttrBookID   = "book_id"
	logAttrMemberID = "member_id"
	logAttrOutcome  = "outcome"
	logAttrError    = "error"
	logAttrAttempt  = "attempt"
	logAttrFine     = "fine"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Policy is the circulation policy owned by the caller side of the
// ledgers: the daily fine rate, the default loan period and the renewal cap.
type Policy struct {
	DailyFineRate  decimal.Decimal
	LoanPeriodDays int
	MaxRenewals    int
}

// DefaultPolicy charges 1.00 per day, lends for 14 days and allows two
// renewals.
func DefaultPolicy() Policy {
	return Policy{
		DailyFineRate:  decimal.NewFromInt(1),
		LoanPeriodDays: 14,
		MaxRenewals:    2,
	}
}

// LibraryManager is a thin façade over the ledgers, keeping CLI code simple.
// It does not own the Database: the entry point opens and closes it.
type LibraryManager struct {
	catalog   *Catalog
	inventory *InventoryLedger
	loans     *BorrowingLedger
	scanner   *OverdueScanner

	clock   Clock
	policy  Policy
	fines   FineCalculator
	logger  Logger
	retries []RetryOption
}

// Option configures a LibraryManager.
type Option func(*LibraryManager) error

// WithLogger sets the logger for circulation events.
func WithLogger(logger Logger) Option {
	return func(lm *LibraryManager) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		lm.logger = logger
		return nil
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock Clock) Option {
	return func(lm *LibraryManager) error {
		if clock == nil {
			return errors.New("clock must not be nil")
		}
		lm.clock = clock
		return nil
	}
}

// WithPolicy sets the circulation policy.
func WithPolicy(p Policy) Option {
	return func(lm *LibraryManager) error {
		if p.DailyFineRate.IsNegative() {
			return fmt.Errorf("%w: negative daily fine rate", ErrInvalidArgument)
		}
		if p.LoanPeriodDays <= 0 {
			return fmt.Errorf("%w: loan period must be positive", ErrInvalidArgument)
		}
		if p.MaxRenewals < 0 {
			return fmt.Errorf("%w: negative max renewals", ErrInvalidArgument)
		}
		lm.policy = p
		return nil
	}
}

// WithRetry sets how transient store failures of issue/return/renew are
// retried.
func WithRetry(options ...RetryOption) Option {
	return func(lm *LibraryManager) error {
		lm.retries = append(lm.retries, options...)
		return nil
	}
}

// NewLibraryManager wires the ledgers over db.
func NewLibraryManager(db *Database, options ...Option) (*LibraryManager, error) {
	if db == nil {
		return nil, errors.New("database must not be nil")
	}
	lm := &LibraryManager{
		clock:  SystemClock(nil),
		policy: DefaultPolicy(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		if err := option(lm); err != nil {
			return nil, err
		}
	}

	lm.catalog = NewCatalog(db)
	lm.inventory = NewInventoryLedger(db)
	lm.loans = NewBorrowingLedger(db, lm.inventory, lm.clock)
	lm.scanner = NewOverdueScanner(db, lm.clock)
	lm.fines = NewFineCalculator(lm.policy.DailyFineRate)
	return lm, nil
}

// Policy returns the active circulation policy.
func (lm *LibraryManager) Policy() Policy { return lm.policy }

// Today is the current calendar date.
func (lm *LibraryManager) Today() time.Time { return truncateDay(lm.clock.Now()) }

// ------------------ Book helpers ------------------

func (lm *LibraryManager) AddBook(ctx context.Context, isbn, title, author string, copies int) (int64, error) {
	return lm.catalog.AddBook(ctx, isbn, title, author, copies)
}

func (lm *LibraryManager) GetBook(ctx context.Context, id int64) (*Book, error) {
	return lm.catalog.GetBook(ctx, id)
}
func (lm *LibraryManager) ListBooks(ctx context.Context) ([]*Book, error) { return lm.catalog.ListBooks(ctx) }
func (lm *LibraryManager) SearchBooks(ctx context.Context, q string) ([]*Book, error) {
	return lm.catalog.SearchBooks(ctx, q)
}

// SetTotalCopies changes how many copies the library owns.
func (lm *LibraryManager) SetTotalCopies(ctx context.Context, bookID int64, total int) error {
	return lm.inventory.SetTotalCopies(ctx, bookID, total)
}

// ------------------ Member helpers ------------------

func (lm *LibraryManager) AddMember(ctx context.Context, name, password string) (int64, error) {
	return lm.catalog.AddMember(ctx, name, password)
}
func (lm *LibraryManager) GetMember(ctx context.Context, id int64) (*Member, error) {
	return lm.catalog.GetMember(ctx, id)
}
func (lm *LibraryManager) ListMembers(ctx context.Context) ([]*Member, error) {
	return lm.catalog.ListMembers(ctx)
}
func (lm *LibraryManager) AuthenticateMember(ctx context.Context, id int64, password string) error {
	return lm.catalog.AuthenticateMember(ctx, id, password)
}
func (lm *LibraryManager) ResetMemberPassword(ctx context.Context, id int64, password string) error {
	return lm.catalog.ResetMemberPassword(ctx, id, password)
}

// ------------------ Circulation ------------------

// IssueBook lends one copy of bookID to memberID until due.
func (lm *LibraryManager) IssueBook(ctx context.Context, memberID, bookID int64, due time.Time) (IssueResult, error) {
	var result IssueResult
	err := RetryTransient(ctx, func(ctx context.Context) error {
		var err error
		result, err = lm.loans.Issue(ctx, memberID, bookID, due)
		return err
	}, lm.retryOptions("issue")...)
	if err != nil {
		lm.logFailure("issue failed", err, logAttrMemberID, memberID, logAttrBookID, bookID)
		return IssueResult{}, err
	}
	lm.logger.Info("issue", logAttrMemberID, memberID, logAttrBookID, bookID,
		logAttrLoanID, result.LoanID, logAttrOutcome, result.Outcome.String())
	return result, nil
}

// IssueBookForDefaultPeriod lends a copy for the policy's loan period.
func (lm *LibraryManager) IssueBookForDefaultPeriod(ctx context.Context, memberID, bookID int64) (IssueResult, error) {
	return lm.IssueBook(ctx, memberID, bookID, lm.Today().AddDate(0, 0, lm.policy.LoanPeriodDays))
}

// ReturnReceipt tells the caller what a return did.
type ReturnReceipt struct {
	Outcome ReturnOutcome
	Loan    *Loan
	Fine    decimal.Decimal
}

// ReturnBook computes the fine owed today and closes the loan with it.
func (lm *LibraryManager) ReturnBook(ctx context.Context, loanID int64) (ReturnReceipt, error) {
	loan, err := lm.scanner.GetLoan(ctx, loanID)
	if errors.Is(err, ErrNotFound) {
		lm.logger.Info("return", logAttrLoanID, loanID, logAttrOutcome, ReturnLoanNotFound.String())
		return ReturnReceipt{Outcome: ReturnLoanNotFound}, nil
	}
	if err != nil {
		lm.logFailure("return failed", err, logAttrLoanID, loanID)
		return ReturnReceipt{}, err
	}

	today := lm.Today()
	fine := lm.fines.Compute(loan.DueDate, &today)
	return lm.ReturnBookWithFine(ctx, loanID, fine)
}

// ReturnBookWithFine closes the loan storing a fine the caller computed.
func (lm *LibraryManager) ReturnBookWithFine(ctx context.Context, loanID int64, fine decimal.Decimal) (ReturnReceipt, error) {
	var outcome ReturnOutcome
	err := RetryTransient(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = lm.loans.Return(ctx, loanID, fine)
		return err
	}, lm.retryOptions("return")...)
	if err != nil {
		lm.logFailure("return failed", err, logAttrLoanID, loanID)
		return ReturnReceipt{}, err
	}
	lm.logger.Info("return", logAttrLoanID, loanID, logAttrOutcome, outcome.String(), logAttrFine, fine.String())

	receipt := ReturnReceipt{Outcome: outcome}
	if outcome == Returned {
		receipt.Fine = fine
		if receipt.Loan, err = lm.scanner.GetLoan(ctx, loanID); err != nil {
			// The return is committed; only the echo failed.
			lm.logger.Warn("reload returned loan", logAttrLoanID, loanID, logAttrError, err.Error())
		}
	}
	return receipt, nil
}

// RenewLoan extends an open loan by one loan period from its current due
// date.
func (lm *LibraryManager) RenewLoan(ctx context.Context, loanID int64) (RenewOutcome, time.Time, error) {
	var (
		outcome RenewOutcome
		newDue  time.Time
	)
	err := RetryTransient(ctx, func(ctx context.Context) error {
		var err error
		outcome, newDue, err = lm.loans.Renew(ctx, loanID, lm.policy.LoanPeriodDays, lm.policy.MaxRenewals)
		return err
	}, lm.retryOptions("renew")...)
	if err != nil {
		lm.logFailure("renew failed", err, logAttrLoanID, loanID)
		return RenewFailed, time.Time{}, err
	}
	lm.logger.Info("renew", logAttrLoanID, loanID, logAttrOutcome, outcome.String())
	return outcome, newDue, nil
}

// ComputeFine is the fine a loan would owe if returned on returned.
func (lm *LibraryManager) ComputeFine(due time.Time, returned *time.Time) decimal.Decimal {
	return lm.fines.Compute(due, returned)
}

// ------------------ Reports ------------------

func (lm *LibraryManager) GetLoan(ctx context.Context, id int64) (*Loan, error) {
	return lm.scanner.GetLoan(ctx, id)
}
func (lm *LibraryManager) ListOverdue(ctx context.Context) ([]*Loan, error) {
	return lm.scanner.ListOverdue(ctx)
}
func (lm *LibraryManager) ListOpenLoans(ctx context.Context) ([]*Loan, error) {
	return lm.scanner.ListOpenLoans(ctx)
}
func (lm *LibraryManager) LoansForMember(ctx context.Context, memberID int64) ([]*Loan, error) {
	return lm.scanner.LoansForMember(ctx, memberID)
}
func (lm *LibraryManager) Stats(ctx context.Context) (*Stats, error) { return lm.scanner.Stats(ctx) }

// ------------------ Utilities ------------------

func (lm *LibraryManager) retryOptions(op string) []RetryOption {
	hook := WithRetryHook(func(attempt int, err error) {
		lm.logger.Warn(op+" retry", logAttrAttempt, attempt, logAttrError, err.Error())
	})
	return append([]RetryOption{hook}, lm.retries...)
}

// logFailure reports invariant violations at error level; they mean the
// conditional-update discipline was bypassed somewhere.
func (lm *LibraryManager) logFailure(msg string, err error, args ...any) {
	args = append(args, logAttrError, err.Error())
	if errors.Is(err, ErrInvariantViolation) {
		lm.logger.Error(msg, args...)
		return
	}
	lm.logger.Warn(msg, args...)
}
