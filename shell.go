package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"

	"lexora/library"

	"golang.org/x/term"
)

// readPassword reads a masked password from the terminal on stdin.
func readPassword(w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w) // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

// isTerminal reports whether in is the process's stdin attached to a terminal.
func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && f == os.Stdin && term.IsTerminal(int(syscall.Stdin))
}

type shell struct {
	ctx context.Context
	app *app
	sc  *bufio.Scanner
	out io.Writer

	// tty is set when input is the process's terminal.
	tty bool
}

func runShell(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	sh := &shell{ctx: ctx, app: a, sc: bufio.NewScanner(in), out: out}
	sh.tty = isTerminal(in)

	fmt.Fprintln(out, "Welcome to Lexora, the library circulation desk!")
	fmt.Fprintln(out, "Available commands:")
	fmt.Fprintln(out, "  Books: add book, list books, search book, set copies")
	fmt.Fprintln(out, "  Members: add member, list members, reset password")
	fmt.Fprintln(out, "  Circulation: issue, return, renew")
	fmt.Fprintln(out, "  Reports: open loans, my loans, overdue, stats")
	fmt.Fprintln(out, "  System: exit")

	for {
		fmt.Fprint(out, "\n> ")
		if !sh.sc.Scan() {
			return sh.sc.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch strings.TrimSpace(sh.sc.Text()) {
		case "add book":
			sh.handleAddBook()
		case "list books":
			sh.handleListBooks()
		case "search book":
			sh.handleSearchBooks()
		case "set copies":
			sh.handleSetCopies()
		case "add member":
			sh.handleAddMember()
		case "list members":
			sh.handleListMembers()
		case "reset password":
			sh.handleResetPassword()
		case "issue":
			sh.handleIssue()
		case "return":
			sh.handleReturn()
		case "renew":
			sh.handleRenew()
		case "open loans":
			sh.handleOpenLoans()
		case "my loans":
			sh.handleMemberLoans()
		case "overdue":
			sh.handleOverdue()
		case "stats":
			sh.handleStats()
		case "":
		case "exit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		default:
			fmt.Fprintln(out, "Unknown command. Type one of the available commands listed above.")
		}
	}
}

func (sh *shell) prompt(label string) (string, bool) {
	fmt.Fprint(sh.out, label)
	if !sh.sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(sh.sc.Text()), true
}

func (sh *shell) promptID(label string) (int64, bool) {
	s, ok := sh.prompt(label)
	if !ok {
		return 0, false
	}
	id, err := parseID(s)
	if err != nil {
		fmt.Fprintln(sh.out, err)
		return 0, false
	}
	return id, true
}

// secret reads a password through the shell's own scanner unless input
// is a terminal, so piped input is not split between two readers.
func (sh *shell) secret(label string) (string, error) {
	if sh.tty {
		return readPassword(sh.out, label)
	}
	s, ok := sh.prompt(label)
	if !ok {
		return "", io.ErrUnexpectedEOF
	}
	return s, nil
}

// authenticate prompts for and verifies the member's password.
func (sh *shell) authenticate(memberID int64) bool {
	password, err := sh.secret("Enter member password: ")
	if err != nil {
		fmt.Fprintf(sh.out, "Error reading password: %v\n", err)
		return false
	}
	if err := sh.app.mgr.AuthenticateMember(sh.ctx, memberID, password); err != nil {
		fmt.Fprintf(sh.out, "Authentication failed: %v\n", err)
		return false
	}
	return true
}

func (sh *shell) handleAddBook() {
	title, ok := sh.prompt("Title: ")
	if !ok {
		return
	}
	author, ok := sh.prompt("Author: ")
	if !ok {
		return
	}
	isbn, ok := sh.prompt("ISBN (optional): ")
	if !ok {
		return
	}
	copiesStr, ok := sh.prompt("Copies [1]: ")
	if !ok {
		return
	}
	copies := 1
	if copiesStr != "" {
		n, err := strconv.Atoi(copiesStr)
		if err != nil {
			fmt.Fprintf(sh.out, "Invalid number of copies: %s\n", copiesStr)
			return
		}
		copies = n
	}

	id, err := sh.app.mgr.AddBook(sh.ctx, isbn, title, author, copies)
	if err != nil {
		fmt.Fprintf(sh.out, "Error adding book: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "Added book ID %d with %d copies.\n", id, copies)
}

func (sh *shell) handleListBooks() {
	books, err := sh.app.mgr.ListBooks(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if len(books) == 0 {
		fmt.Fprintln(sh.out, "No books in the catalog.")
		return
	}
	printBooks(sh.out, books)
}

func (sh *shell) handleSearchBooks() {
	query, ok := sh.prompt("Query: ")
	if !ok {
		return
	}
	books, err := sh.app.mgr.SearchBooks(sh.ctx, query)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if len(books) == 0 {
		fmt.Fprintf(sh.out, "No books found matching '%s'.\n", query)
		return
	}
	fmt.Fprintf(sh.out, "Found %d book(s) matching '%s':\n", len(books), query)
	printBooks(sh.out, books)
}

func (sh *shell) handleSetCopies() {
	bookID, ok := sh.promptID("Book ID: ")
	if !ok {
		return
	}
	totalStr, ok := sh.prompt("Total copies: ")
	if !ok {
		return
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil {
		fmt.Fprintf(sh.out, "Invalid total: %s\n", totalStr)
		return
	}
	if err := sh.app.mgr.SetTotalCopies(sh.ctx, bookID, total); err != nil {
		if errors.Is(err, library.ErrInvariantViolation) {
			fmt.Fprintln(sh.out, "Error: more copies are on loan than that total allows.")
			return
		}
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "Book %d now has %d copies.\n", bookID, total)
}

func (sh *shell) handleAddMember() {
	name, ok := sh.prompt("Name: ")
	if !ok {
		return
	}
	password, err := sh.secret(fmt.Sprintf("Enter password for %s: ", name))
	if err != nil {
		fmt.Fprintf(sh.out, "Error reading password: %v\n", err)
		return
	}
	id, err := sh.app.mgr.AddMember(sh.ctx, name, password)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "Added member '%s' with ID %d\n", name, id)
}

func (sh *shell) handleListMembers() {
	members, err := sh.app.mgr.ListMembers(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if len(members) == 0 {
		fmt.Fprintln(sh.out, "No members registered.")
		return
	}

	fmt.Fprintf(sh.out, "%-5s %-30s %-15s\n", "ID", "Name", "Password Set")
	fmt.Fprintln(sh.out, strings.Repeat("-", 55))
	for _, member := range members {
		passwordStatus := "No"
		if member.PasswordHash != "" {
			passwordStatus = "Yes"
		}
		fmt.Fprintf(sh.out, "%-5d %-30s %-15s\n", member.ID, truncateString(member.Name, 30), passwordStatus)
	}
}

func (sh *shell) handleResetPassword() {
	memberID, ok := sh.promptID("Member ID: ")
	if !ok {
		return
	}
	member, err := sh.app.mgr.GetMember(sh.ctx, memberID)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: Member with ID %d not found\n", memberID)
		return
	}
	password, err := sh.secret(fmt.Sprintf("New password for %s: ", member.Name))
	if err != nil {
		fmt.Fprintf(sh.out, "Error reading password: %v\n", err)
		return
	}
	if err := sh.app.mgr.ResetMemberPassword(sh.ctx, memberID, password); err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "Password reset for %s.\n", member.Name)
}

func (sh *shell) handleIssue() {
	bookID, ok := sh.promptID("Book ID: ")
	if !ok {
		return
	}
	memberID, ok := sh.promptID("Member ID: ")
	if !ok {
		return
	}
	if !sh.authenticate(memberID) {
		return
	}

	res, err := sh.app.mgr.IssueBookForDefaultPeriod(sh.ctx, memberID, bookID)
	if err != nil {
		fmt.Fprintf(sh.out, "Error issuing book: %v\n", err)
		return
	}
	printIssueResult(sh.out, res)
	if res.Outcome == library.Issued {
		if loan, err := sh.app.mgr.GetLoan(sh.ctx, res.LoanID); err == nil {
			fmt.Fprintf(sh.out, "Due back on %s.\n", loan.DueDate.Format(dateLayout))
		}
	}
}

func (sh *shell) handleReturn() {
	loanID, ok := sh.promptID("Loan ID: ")
	if !ok {
		return
	}
	loan, err := sh.app.mgr.GetLoan(sh.ctx, loanID)
	if errors.Is(err, library.ErrNotFound) {
		fmt.Fprintf(sh.out, "Loan %d not found.\n", loanID)
		return
	}
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if !sh.authenticate(loan.MemberID) {
		return
	}

	receipt, err := sh.app.mgr.ReturnBook(sh.ctx, loanID)
	if err != nil {
		fmt.Fprintf(sh.out, "Error returning book: %v\n", err)
		return
	}
	printReturnReceipt(sh.out, loanID, receipt)
}

func (sh *shell) handleRenew() {
	loanID, ok := sh.promptID("Loan ID: ")
	if !ok {
		return
	}
	loan, err := sh.app.mgr.GetLoan(sh.ctx, loanID)
	if errors.Is(err, library.ErrNotFound) {
		fmt.Fprintf(sh.out, "Loan %d not found.\n", loanID)
		return
	}
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if !sh.authenticate(loan.MemberID) {
		return
	}

	outcome, due, err := sh.app.mgr.RenewLoan(sh.ctx, loanID)
	if err != nil {
		fmt.Fprintf(sh.out, "Error renewing loan: %v\n", err)
		return
	}
	printRenewOutcome(sh.out, loanID, outcome, due, sh.app.mgr.Policy().MaxRenewals)
}

func (sh *shell) handleOpenLoans() {
	loans, err := sh.app.mgr.ListOpenLoans(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	printLoans(sh.out, sh.app.mgr, loans, "No open loans.")
}

func (sh *shell) handleMemberLoans() {
	memberID, ok := sh.promptID("Member ID: ")
	if !ok {
		return
	}
	if !sh.authenticate(memberID) {
		return
	}
	loans, err := sh.app.mgr.LoansForMember(sh.ctx, memberID)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	printLoans(sh.out, sh.app.mgr, loans, "No loans for this member.")
}

func (sh *shell) handleOverdue() {
	loans, err := sh.app.mgr.ListOverdue(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	printLoans(sh.out, sh.app.mgr, loans, "No overdue loans.")
}

func (sh *shell) handleStats() {
	st, err := sh.app.mgr.Stats(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	printStats(sh.out, st)
}
