package library

import (
	"time"

	"github.com/shopspring/decimal"
)

// dateLayout is how calendar dates are persisted. Lexical order of the
// stored text equals chronological order.
const dateLayout = "2006-01-02"

// Book represents a catalog entry together with its copy counters.
type Book struct {
	ID              int64  `json:"book_id"`
	ISBN            string `json:"isbn,omitempty"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

// BorrowedCopies is the number of copies currently on loan.
func (b *Book) BorrowedCopies() int { return b.TotalCopies - b.AvailableCopies }

// Member represents a registered library member.
type Member struct {
	ID           int64  `json:"member_id"`
	Name         string `json:"name"`
	PasswordHash string `json:"-"` // Don't serialize password hash
}

// LoanStatus is the lifecycle state of a loan. ISSUED moves to RETURNED
// exactly once.
type LoanStatus string

const (
	StatusIssued   LoanStatus = "ISSUED"
	StatusReturned LoanStatus = "RETURNED"
)

// Loan is one member holding one copy of a book.
type Loan struct {
	ID         int64           `json:"borrow_id"`
	Ref        string          `json:"loan_ref"`
	MemberID   int64           `json:"member_id"`
	BookID     int64           `json:"book_id"`
	IssueDate  time.Time       `json:"issue_date"`
	DueDate    time.Time       `json:"due_date"`
	ReturnDate *time.Time      `json:"return_date,omitempty"`
	FineAmount decimal.Decimal `json:"fine_amount"`
	Status     LoanStatus      `json:"status"`
	Renewals   int             `json:"renewals"`
}

// DaysRemaining is the number of whole days until the due date; negative
// once the loan is overdue.
func (l *Loan) DaysRemaining(today time.Time) int {
	return daysBetween(truncateDay(today), l.DueDate)
}

// DaysOverdue is zero for loans that are not past due on today.
func (l *Loan) DaysOverdue(today time.Time) int {
	if d := -l.DaysRemaining(today); d > 0 {
		return d
	}
	return 0
}

// IsOverdue reports whether an open loan is past its due date.
func (l *Loan) IsOverdue(today time.Time) bool {
	return l.Status == StatusIssued && l.DueDate.Before(truncateDay(today))
}

// Stats summarises circulation for reports.
type Stats struct {
	TotalBooks      int             `json:"total_books"`
	TotalCopies     int             `json:"total_copies"`
	AvailableCopies int             `json:"available_copies"`
	ActiveLoans     int             `json:"active_loans"`
	OverdueLoans    int             `json:"overdue_loans"`
	TotalFines      decimal.Decimal `json:"total_fines"`
}

// truncateDay maps t to UTC midnight of the calendar date t has in its own
// location.
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(truncateDay(to).Sub(truncateDay(from)).Hours() / 24)
}

func formatDate(t time.Time) string { return truncateDay(t).Format(dateLayout) }

func parseDate(s string) (time.Time, error) { return time.Parse(dateLayout, s) }
