package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Each listing is a single SELECT. SQLite runs a statement against one
// read snapshot, so a listing sees a loan either before or after an
// issue/return commits, never half of it.

const loanColumns = `borrow_id, loan_ref, member_id, book_id, issue_date, due_date, return_date, fine_amount, status, renewals`

// OverdueScanner answers the read-only circulation queries.
type OverdueScanner struct {
	db    *Database
	clock Clock
}

// NewOverdueScanner returns a scanner that takes "today" from clock.
func NewOverdueScanner(db *Database, clock Clock) *OverdueScanner {
	if clock == nil {
		clock = SystemClock(nil)
	}
	return &OverdueScanner{db: db, clock: clock}
}

// ListOverdue returns ISSUED loans whose due date is before today.
func (s *OverdueScanner) ListOverdue(ctx context.Context) ([]*Loan, error) {
	today := formatDate(s.clock.Now())
	return queryLoans(ctx, s.db.db, "list overdue",
		`SELECT `+loanColumns+` FROM loans
         WHERE status = ? AND due_date < ?
         ORDER BY due_date ASC, borrow_id ASC`, string(StatusIssued), today)
}

// ListOpenLoans returns every ISSUED loan, soonest due first.
func (s *OverdueScanner) ListOpenLoans(ctx context.Context) ([]*Loan, error) {
	return queryLoans(ctx, s.db.db, "list open loans",
		`SELECT `+loanColumns+` FROM loans
         WHERE status = ?
         ORDER BY due_date ASC, borrow_id ASC`, string(StatusIssued))
}

// LoansForMember returns all loans of a member, most recently issued first.
func (s *OverdueScanner) LoansForMember(ctx context.Context, memberID int64) ([]*Loan, error) {
	return queryLoans(ctx, s.db.db, "loans for member",
		`SELECT `+loanColumns+` FROM loans
         WHERE member_id = ?
         ORDER BY issue_date DESC, borrow_id DESC`, memberID)
}

// GetLoan fetches one loan.
func (s *OverdueScanner) GetLoan(ctx context.Context, loanID int64) (*Loan, error) {
	return getLoan(ctx, s.db.db, loanID)
}

// Stats aggregates the circulation report in one statement.
func (s *OverdueScanner) Stats(ctx context.Context) (*Stats, error) {
	today := formatDate(s.clock.Now())
	var (
		st    Stats
		fines string
	)
	err := s.db.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM books),
            (SELECT COALESCE(SUM(total_copies), 0) FROM books),
            (SELECT COALESCE(SUM(available_copies), 0) FROM books),
            (SELECT COUNT(*) FROM loans WHERE status = ?),
            (SELECT COUNT(*) FROM loans WHERE status = ? AND due_date < ?),
            (SELECT COALESCE(group_concat(fine_amount, ','), '') FROM loans WHERE CAST(fine_amount AS REAL) > 0)`,
		string(StatusIssued), string(StatusIssued), today).
		Scan(&st.TotalBooks, &st.TotalCopies, &st.AvailableCopies, &st.ActiveLoans, &st.OverdueLoans, &fines)
	if err != nil {
		return nil, storeError("stats", err)
	}
	// Fines are stored as decimal text and summed here so no amount passes
	// through a float.
	st.TotalFines = decimal.Zero
	if fines != "" {
		for _, f := range strings.Split(fines, ",") {
			amount, err := decimal.NewFromString(f)
			if err != nil {
				return nil, fmt.Errorf("stats: parse fine %q: %w", f, err)
			}
			st.TotalFines = st.TotalFines.Add(amount)
		}
	}
	return &st, nil
}

func getLoan(ctx context.Context, q DBTX, loanID int64) (*Loan, error) {
	row := q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE borrow_id = ?`, loanID)
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %d: %w", loanID, ErrNotFound)
	}
	if err != nil {
		return nil, storeError("get loan", err)
	}
	return loan, nil
}

func queryLoans(ctx context.Context, q DBTX, op, query string, args ...any) ([]*Loan, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	loans := []*Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return loans, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*Loan, error) {
	var (
		l            Loan
		issue, due   string
		returned     sql.NullString
		fine, status string
	)
	if err := row.Scan(&l.ID, &l.Ref, &l.MemberID, &l.BookID, &issue, &due, &returned, &fine, &status, &l.Renewals); err != nil {
		return nil, err
	}

	var err error
	if l.IssueDate, err = parseDate(issue); err != nil {
		return nil, fmt.Errorf("loan %d issue_date: %w", l.ID, err)
	}
	if l.DueDate, err = parseDate(due); err != nil {
		return nil, fmt.Errorf("loan %d due_date: %w", l.ID, err)
	}
	if returned.Valid {
		rd, err := parseDate(returned.String)
		if err != nil {
			return nil, fmt.Errorf("loan %d return_date: %w", l.ID, err)
		}
		l.ReturnDate = &rd
	}
	if l.FineAmount, err = decimal.NewFromString(fine); err != nil {
		return nil, fmt.Errorf("loan %d fine_amount: %w", l.ID, err)
	}
	l.Status = LoanStatus(status)
	return &l, nil
}
