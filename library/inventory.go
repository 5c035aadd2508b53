package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Reservation is the result of trying to claim one copy of a book.
type Reservation int

const (
	Reserved Reservation = iota + 1
	OutOfStock
	BookNotFound
)

func (r Reservation) String() string {
	switch r {
	case Reserved:
		return "reserved"
	case OutOfStock:
		return "out_of_stock"
	case BookNotFound:
		return "book_not_found"
	default:
		return "unknown"
	}
}

// InventoryLedger is the only writer of books.available_copies.
type InventoryLedger struct {
	db *Database
}

// NewInventoryLedger returns a ledger over db.
func NewInventoryLedger(db *Database) *InventoryLedger {
	return &InventoryLedger{db: db}
}

// TryReserveCopy decrements available_copies by one if, and only if, it is
// positive. The check and the decrement are the same statement, so two
// concurrent reservations can never both take the last copy.
//
// A zero-row update means either an unknown book or no availability; the
// existence check runs in the same transaction to tell them apart.
func (l *InventoryLedger) TryReserveCopy(ctx context.Context, tx DBTX, bookID int64) (Reservation, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE books SET available_copies = available_copies - 1
         WHERE book_id = ? AND available_copies > 0`, bookID)
	if err != nil {
		return 0, storeError("reserve copy", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("reserve copy", err)
	}
	if n == 1 {
		return Reserved, nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM books WHERE book_id = ?)`, bookID).Scan(&exists); err != nil {
		return 0, storeError("reserve copy", err)
	}
	if !exists {
		return BookNotFound, nil
	}
	return OutOfStock, nil
}

// ReleaseCopy gives one copy back. It is called once per loan, inside the
// transaction that marks the loan returned. The table CHECK turns an
// increment past total_copies into ErrInvariantViolation.
func (l *InventoryLedger) ReleaseCopy(ctx context.Context, tx DBTX, bookID int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE books SET available_copies = available_copies + 1 WHERE book_id = ?`, bookID)
	if err != nil {
		return storeError("release copy", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("release copy", err)
	}
	if n != 1 {
		return fmt.Errorf("release copy: book %d: %w", bookID, ErrInvariantViolation)
	}
	return nil
}

// Inventory reads the counters of one book.
func (l *InventoryLedger) Inventory(ctx context.Context, bookID int64) (*Book, error) {
	return getBook(ctx, l.db.db, bookID)
}

// SetTotalCopies is the catalog edit of total_copies. Available copies move
// by the same delta so the borrowed count is preserved; shrinking below the
// borrowed count is rejected by the availability CHECK.
func (l *InventoryLedger) SetTotalCopies(ctx context.Context, bookID int64, total int) error {
	if total < 0 {
		return fmt.Errorf("set total copies: %w: negative total", ErrInvalidArgument)
	}
	err := RunInTx(ctx, l.db.db, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE books
             SET available_copies = available_copies + (? - total_copies), total_copies = ?
             WHERE book_id = ?`, total, total, bookID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("set total copies: book %d: %w", bookID, ErrNotFound)
	}
	return storeError("set total copies", err)
}

func getBook(ctx context.Context, q DBTX, bookID int64) (*Book, error) {
	var (
		b    Book
		isbn sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT book_id, isbn, title, author, total_copies, available_copies FROM books WHERE book_id = ?`, bookID).
		Scan(&b.ID, &isbn, &b.Title, &b.Author, &b.TotalCopies, &b.AvailableCopies)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %d: %w", bookID, ErrNotFound)
	}
	if err != nil {
		return nil, storeError("get book", err)
	}
	b.ISBN = isbn.String
	return &b, nil
}
