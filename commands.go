package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"lexora/internal/config"
	"lexora/library"

	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

type appRunner func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func newIssueCmd(withApp appRunner) *cobra.Command {
	var (
		memberID, bookID int64
		due              string
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Lend one copy of a book to a member",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var (
				res library.IssueResult
				err error
			)
			if due == "" {
				res, err = a.mgr.IssueBookForDefaultPeriod(cmd.Context(), memberID, bookID)
			} else {
				var dueDate time.Time
				if dueDate, err = parseDay(due, a.cfg); err != nil {
					return err
				}
				res, err = a.mgr.IssueBook(cmd.Context(), memberID, bookID, dueDate)
			}
			if err != nil {
				return err
			}
			printIssueResult(cmd.OutOrStdout(), res)
			return nil
		}),
	}
	cmd.Flags().Int64VarP(&memberID, "member", "m", 0, "member ID")
	cmd.Flags().Int64VarP(&bookID, "book", "b", 0, "book ID")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD); defaults to the loan period")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("book")
	return cmd
}

func newReturnCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "return LOAN_ID",
		Short: "Record the return of a loan and its fine",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			loanID, err := parseID(args[0])
			if err != nil {
				return err
			}
			receipt, err := a.mgr.ReturnBook(cmd.Context(), loanID)
			if err != nil {
				return err
			}
			printReturnReceipt(cmd.OutOrStdout(), loanID, receipt)
			return nil
		}),
	}
}

func newRenewCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "renew LOAN_ID",
		Short: "Extend an open loan by one loan period",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			loanID, err := parseID(args[0])
			if err != nil {
				return err
			}
			outcome, due, err := a.mgr.RenewLoan(cmd.Context(), loanID)
			if err != nil {
				return err
			}
			printRenewOutcome(cmd.OutOrStdout(), loanID, outcome, due, a.mgr.Policy().MaxRenewals)
			return nil
		}),
	}
}

func newOverdueCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List open loans past their due date",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			loans, err := a.mgr.ListOverdue(cmd.Context())
			if err != nil {
				return err
			}
			printLoans(cmd.OutOrStdout(), a.mgr, loans, "No overdue loans.")
			return nil
		}),
	}
}

func newLoansCmd(withApp appRunner) *cobra.Command {
	var memberID int64
	cmd := &cobra.Command{
		Use:   "loans",
		Short: "List open loans, or every loan of one member",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var (
				loans []*library.Loan
				err   error
			)
			if memberID > 0 {
				loans, err = a.mgr.LoansForMember(cmd.Context(), memberID)
			} else {
				loans, err = a.mgr.ListOpenLoans(cmd.Context())
			}
			if err != nil {
				return err
			}
			printLoans(cmd.OutOrStdout(), a.mgr, loans, "No loans.")
			return nil
		}),
	}
	cmd.Flags().Int64VarP(&memberID, "member", "m", 0, "only loans of this member, newest first")
	return cmd
}

func newStatsCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show circulation totals",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			st, err := a.mgr.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		}),
	}
}

func newAddBookCmd(withApp appRunner) *cobra.Command {
	var (
		isbn, title, author string
		copies              int
	)
	cmd := &cobra.Command{
		Use:   "add-book",
		Short: "Add a book to the catalog",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			id, err := a.mgr.AddBook(cmd.Context(), isbn, title, author, copies)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added book ID %d with %d copies\n", id, copies)
			return nil
		}),
	}
	cmd.Flags().StringVar(&isbn, "isbn", "", "ISBN (optional, unique)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&author, "author", "", "author")
	cmd.Flags().IntVar(&copies, "copies", 1, "number of copies owned")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newAddMemberCmd(withApp appRunner) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Register a member; the password is prompted for",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			password, err := promptPassword(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Enter password for %s: ", name))
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			id, err := a.mgr.AddMember(cmd.Context(), name, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added member '%s' with ID %d\n", name, id)
			return nil
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "member name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// promptPassword masks input on a terminal and otherwise takes the first
// line of in.
func promptPassword(in io.Reader, out io.Writer, prompt string) (string, error) {
	if isTerminal(in) {
		return readPassword(out, prompt)
	}
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", io.ErrUnexpectedEOF
	}
	return line, nil
}

func newSetCopiesCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "set-copies BOOK_ID TOTAL",
		Short: "Change how many copies of a book the library owns",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			bookID, err := parseID(args[0])
			if err != nil {
				return err
			}
			total, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid total %q", args[1])
			}
			if err := a.mgr.SetTotalCopies(cmd.Context(), bookID, total); err != nil {
				if errors.Is(err, library.ErrInvariantViolation) {
					return fmt.Errorf("cannot own fewer copies than are on loan: %w", err)
				}
				return err
			}
			b, err := a.mgr.GetBook(cmd.Context(), bookID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "'%s': %d total, %d available\n", b.Title, b.TotalCopies, b.AvailableCopies)
			return nil
		}),
	}
}

// newFineCmd previews a fine without touching the database.
func newFineCmd(configPath *string) *cobra.Command {
	var due, returned string
	cmd := &cobra.Command{
		Use:   "fine",
		Short: "Compute the fine for a return date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			rate, err := cfg.DailyFineRate()
			if err != nil {
				return err
			}
			dueDate, err := parseDay(due, cfg)
			if err != nil {
				return err
			}
			var returnedDate *time.Time
			if returned != "" {
				d, err := parseDay(returned, cfg)
				if err != nil {
					return err
				}
				returnedDate = &d
			}
			fine := library.NewFineCalculator(rate).Compute(dueDate, returnedDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Fine: %s (rate %s/day)\n", fine.StringFixed(2), rate.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&returned, "returned", "", "return date (YYYY-MM-DD); empty means not returned")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

// ------------------ Output helpers ------------------

func printIssueResult(w io.Writer, res library.IssueResult) {
	switch res.Outcome {
	case library.Issued:
		fmt.Fprintf(w, "Issued loan %d (ref %s)\n", res.LoanID, res.Ref)
	case library.IssueOutOfStock:
		fmt.Fprintln(w, "No copies available; the book is fully on loan.")
	case library.IssueBookNotFound:
		fmt.Fprintln(w, "Book not found.")
	default:
		fmt.Fprintf(w, "Issue failed (%s)\n", res.Outcome)
	}
}

func printReturnReceipt(w io.Writer, loanID int64, r library.ReturnReceipt) {
	switch r.Outcome {
	case library.Returned:
		fmt.Fprintf(w, "Loan %d returned", loanID)
		if r.Fine.IsPositive() {
			fmt.Fprintf(w, "; fine due: %s", r.Fine.StringFixed(2))
		}
		fmt.Fprintln(w)
	case library.AlreadyReturned:
		fmt.Fprintf(w, "Loan %d was already returned.\n", loanID)
	case library.ReturnLoanNotFound:
		fmt.Fprintf(w, "Loan %d not found.\n", loanID)
	default:
		fmt.Fprintf(w, "Return failed (%s)\n", r.Outcome)
	}
}

func printRenewOutcome(w io.Writer, loanID int64, outcome library.RenewOutcome, due time.Time, maxRenewals int) {
	switch outcome {
	case library.Renewed:
		fmt.Fprintf(w, "Loan %d renewed; now due %s\n", loanID, due.Format(dateLayout))
	case library.RenewalLimitReached:
		fmt.Fprintf(w, "Loan %d has already been renewed %d times.\n", loanID, maxRenewals)
	case library.RenewAlreadyReturned:
		fmt.Fprintf(w, "Loan %d was already returned.\n", loanID)
	case library.RenewLoanNotFound:
		fmt.Fprintf(w, "Loan %d not found.\n", loanID)
	default:
		fmt.Fprintf(w, "Renew failed (%s)\n", outcome)
	}
}

func printLoans(w io.Writer, mgr *library.LibraryManager, loans []*library.Loan, empty string) {
	if len(loans) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	today := mgr.Today()

	fmt.Fprintf(w, "%-6s %-6s %-6s %-11s %-11s %-9s %-8s %-8s\n",
		"Loan", "Member", "Book", "Issued", "Due", "Status", "Days", "Fine")
	fmt.Fprintln(w, strings.Repeat("-", 75))
	for _, l := range loans {
		days := "-"
		fine := l.FineAmount
		if l.Status == library.StatusIssued {
			days = strconv.Itoa(l.DaysRemaining(today))
			fine = mgr.ComputeFine(l.DueDate, &today)
		}
		fmt.Fprintf(w, "%-6d %-6d %-6d %-11s %-11s %-9s %-8s %-8s\n",
			l.ID, l.MemberID, l.BookID,
			l.IssueDate.Format(dateLayout), l.DueDate.Format(dateLayout),
			l.Status, days, fine.StringFixed(2))
	}
}

func printBooks(w io.Writer, books []*library.Book) {
	fmt.Fprintf(w, "%-5s %-15s %-30s %-25s %-6s %-9s\n", "ID", "ISBN", "Title", "Author", "Total", "Available")
	fmt.Fprintln(w, strings.Repeat("-", 95))
	for _, b := range books {
		fmt.Fprintf(w, "%-5d %-15s %-30s %-25s %-6d %-9d\n",
			b.ID, truncateString(b.ISBN, 15), truncateString(b.Title, 30), truncateString(b.Author, 25),
			b.TotalCopies, b.AvailableCopies)
	}
}

func printStats(w io.Writer, st *library.Stats) {
	fmt.Fprintf(w, "Books:            %d\n", st.TotalBooks)
	fmt.Fprintf(w, "Copies owned:     %d\n", st.TotalCopies)
	fmt.Fprintf(w, "Copies available: %d\n", st.AvailableCopies)
	fmt.Fprintf(w, "Open loans:       %d\n", st.ActiveLoans)
	fmt.Fprintf(w, "Overdue loans:    %d\n", st.OverdueLoans)
	fmt.Fprintf(w, "Fines recorded:   %s\n", st.TotalFines.StringFixed(2))
}

// ------------------ Parsing helpers ------------------

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID: %s", s)
	}
	return id, nil
}

func parseDay(s string, cfg *config.Config) (time.Time, error) {
	loc, err := cfg.Location()
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
