package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Catalog holds the plain book and member records the circulation core
// refers to. Apart from uniqueness it enforces nothing.
type Catalog struct {
	db *Database
}

// NewCatalog returns a catalog over db.
func NewCatalog(db *Database) *Catalog { return &Catalog{db: db} }

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

// AddBook inserts a book with all of its copies available.
func (c *Catalog) AddBook(ctx context.Context, isbn, title, author string, copies int) (int64, error) {
	if copies < 0 {
		return 0, fmt.Errorf("add book: %w: negative copies", ErrInvalidArgument)
	}
	if strings.TrimSpace(title) == "" {
		return 0, fmt.Errorf("add book: %w: empty title", ErrInvalidArgument)
	}
	var isbnArg any
	if isbn = strings.TrimSpace(isbn); isbn != "" {
		isbnArg = isbn
	}
	res, err := c.db.db.ExecContext(ctx,
		`INSERT INTO books(isbn, title, author, total_copies, available_copies) VALUES(?,?,?,?,?)`,
		isbnArg, title, author, copies, copies)
	if err != nil {
		return 0, storeError("add book", err)
	}
	return res.LastInsertId()
}

// GetBook fetches a single book.
func (c *Catalog) GetBook(ctx context.Context, id int64) (*Book, error) {
	return getBook(ctx, c.db.db, id)
}

// GetBookByISBN looks a book up by ISBN.
func (c *Catalog) GetBookByISBN(ctx context.Context, isbn string) (*Book, error) {
	var id int64
	err := c.db.db.QueryRowContext(ctx, `SELECT book_id FROM books WHERE isbn = ?`, isbn).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("isbn %s: %w", isbn, ErrNotFound)
	}
	if err != nil {
		return nil, storeError("get book by isbn", err)
	}
	return c.GetBook(ctx, id)
}

// ListBooks returns all books ordered by id.
func (c *Catalog) ListBooks(ctx context.Context) ([]*Book, error) {
	return c.queryBooks(ctx, "list books",
		`SELECT book_id, isbn, title, author, total_copies, available_copies FROM books ORDER BY book_id`)
}

// SearchBooks matches q against title, author and ISBN.
func (c *Catalog) SearchBooks(ctx context.Context, q string) ([]*Book, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []*Book{}, nil
	}
	pattern := "%" + q + "%"
	return c.queryBooks(ctx, "search books",
		`SELECT book_id, isbn, title, author, total_copies, available_copies FROM books
         WHERE title LIKE ? OR author LIKE ? OR isbn = ?
         ORDER BY book_id`, pattern, pattern, q)
}

func (c *Catalog) queryBooks(ctx context.Context, op, query string, args ...any) ([]*Book, error) {
	rows, err := c.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	books := []*Book{}
	for rows.Next() {
		var (
			b    Book
			isbn sql.NullString
		)
		if err := rows.Scan(&b.ID, &isbn, &b.Title, &b.Author, &b.TotalCopies, &b.AvailableCopies); err != nil {
			return nil, storeError(op, err)
		}
		b.ISBN = isbn.String
		books = append(books, &b)
	}
	return books, storeError(op, rows.Err())
}

// ---------------------------------------------------------------------------
// Members
// ---------------------------------------------------------------------------

// AddMember registers a member. The password is stored as a bcrypt hash.
func (c *Catalog) AddMember(ctx context.Context, name, password string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		return 0, fmt.Errorf("add member: %w: empty name", ErrInvalidArgument)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("add member: %w", err)
	}
	res, err := c.db.db.ExecContext(ctx, `INSERT INTO members(name, password_hash) VALUES(?, ?)`, name, hash)
	if err != nil {
		return 0, storeError("add member", err)
	}
	return res.LastInsertId()
}

// GetMember fetches a single member.
func (c *Catalog) GetMember(ctx context.Context, id int64) (*Member, error) {
	var m Member
	err := c.db.db.QueryRowContext(ctx, `SELECT member_id, name, password_hash FROM members WHERE member_id = ?`, id).
		Scan(&m.ID, &m.Name, &m.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeError("get member", err)
	}
	return &m, nil
}

// ListMembers returns all members.
func (c *Catalog) ListMembers(ctx context.Context) ([]*Member, error) {
	rows, err := c.db.db.QueryContext(ctx, `SELECT member_id, name, password_hash FROM members ORDER BY member_id`)
	if err != nil {
		return nil, storeError("list members", err)
	}
	defer rows.Close()
	members := []*Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name, &m.PasswordHash); err != nil {
			return nil, storeError("list members", err)
		}
		members = append(members, &m)
	}
	return members, storeError("list members", rows.Err())
}

// AuthenticateMember checks password against the stored hash.
func (c *Catalog) AuthenticateMember(ctx context.Context, id int64, password string) error {
	m, err := c.GetMember(ctx, id)
	if err != nil {
		return err
	}
	if m.PasswordHash == "" {
		return fmt.Errorf("member %d has no password set: %w", id, ErrAuthentication)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return fmt.Errorf("member %d: %w", id, ErrAuthentication)
	}
	return nil
}

// ResetMemberPassword replaces the stored hash.
func (c *Catalog) ResetMemberPassword(ctx context.Context, id int64, password string) error {
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	res, err := c.db.db.ExecContext(ctx, `UPDATE members SET password_hash = ? WHERE member_id = ?`, hash, id)
	if err != nil {
		return storeError("reset password", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %d: %w", id, ErrNotFound)
	}
	return nil
}

func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", fmt.Errorf("%w: password cannot be empty", ErrInvalidArgument)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
