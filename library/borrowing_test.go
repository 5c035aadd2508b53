package library

import (
	"context"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgers struct {
	db        *Database
	clock     *fixedClock
	inventory *InventoryLedger
	loans     *BorrowingLedger
	scanner   *OverdueScanner
}

func newLedgers(t *testing.T, db *Database) *ledgers {
	t.Helper()
	clock := newFixedClock()
	inventory := NewInventoryLedger(db)
	return &ledgers{
		db:        db,
		clock:     clock,
		inventory: inventory,
		loans:     NewBorrowingLedger(db, inventory, clock),
		scanner:   NewOverdueScanner(db, clock),
	}
}

func (l *ledgers) available(t *testing.T, bookID int64) int {
	t.Helper()
	b, err := l.inventory.Inventory(context.Background(), bookID)
	require.NoError(t, err)
	return b.AvailableCopies
}

func Test_Issue_Records_Loan_And_Takes_Copy(t *testing.T) {
	for _, driver := range []string{DriverCGO, DriverPureGo} {
		t.Run(driver, func(t *testing.T) {
			l := newLedgers(t, tempDBWithDriver(t, driver))
			ctx := context.Background()
			bookID := seedBook(t, l.db, 2)
			memberID := seedMember(t, l.db, "Alice")

			res, err := l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, 14))
			require.NoError(t, err)
			require.Equal(t, Issued, res.Outcome)

			_, err = ulid.ParseStrict(res.Ref)
			assert.NoError(t, err, "loan ref is a ULID")
			assert.Equal(t, 1, l.available(t, bookID))

			loan, err := l.scanner.GetLoan(ctx, res.LoanID)
			require.NoError(t, err)
			assert.Equal(t, StatusIssued, loan.Status)
			assert.Equal(t, day(2024, 1, 10), loan.IssueDate)
			assert.Equal(t, day(2024, 1, 24), loan.DueDate)
			assert.Nil(t, loan.ReturnDate)
			assert.True(t, loan.FineAmount.IsZero())
			assert.Equal(t, res.Ref, loan.Ref)
		})
	}
}

func Test_Issue_Rejections(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 0)
	memberID := seedMember(t, l.db, "Alice")
	due := l.clock.now.AddDate(0, 0, 14)

	res, err := l.loans.Issue(ctx, memberID, bookID, due)
	require.NoError(t, err)
	assert.Equal(t, IssueOutOfStock, res.Outcome)
	assert.Zero(t, res.LoanID)

	res, err = l.loans.Issue(ctx, memberID, bookID+1, due)
	require.NoError(t, err)
	assert.Equal(t, IssueBookNotFound, res.Outcome)

	res, err = l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, IssueFailed, res.Outcome)

	// Due today is allowed.
	_, err = l.loans.Issue(ctx, memberID, bookID, l.clock.now)
	assert.NoError(t, err)
}

func Test_Issue_Failed_Insert_Rolls_Back_Reservation(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 3)
	before := l.available(t, bookID)

	// The reservation succeeds; the loan insert then fails the member
	// foreign key.
	res, err := l.loans.Issue(ctx, 999, bookID, l.clock.now.AddDate(0, 0, 14))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, IssueFailed, res.Outcome)
	assert.Equal(t, before, l.available(t, bookID))

	open, err := l.scanner.ListOpenLoans(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func Test_Issue_Concurrent_Never_Oversells(t *testing.T) {
	const copies = 5

	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, copies)
	memberID := seedMember(t, l.db, "Alice")
	due := l.clock.now.AddDate(0, 0, 14)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[IssueOutcome]int{}
	)
	for i := 0; i < copies+3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res IssueResult
			err := RetryTransient(ctx, func(ctx context.Context) error {
				var err error
				res, err = l.loans.Issue(ctx, memberID, bookID, due)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if assert.NoError(t, err) {
				outcomes[res.Outcome]++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, copies, outcomes[Issued])
	assert.Equal(t, 3, outcomes[IssueOutOfStock])
	assert.Equal(t, 0, l.available(t, bookID))

	open, err := l.scanner.ListOpenLoans(ctx)
	require.NoError(t, err)
	assert.Len(t, open, copies)
}

func Test_Issue_Two_Members_Race_For_Last_Copy(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 1)
	members := []int64{seedMember(t, l.db, "Alice"), seedMember(t, l.db, "Bob")}
	due := l.clock.now.AddDate(0, 0, 14)

	results := make([]IssueResult, len(members))
	var wg sync.WaitGroup
	for i, memberID := range members {
		wg.Add(1)
		go func(i int, memberID int64) {
			defer wg.Done()
			err := RetryTransient(ctx, func(ctx context.Context) error {
				var err error
				results[i], err = l.loans.Issue(ctx, memberID, bookID, due)
				return err
			})
			assert.NoError(t, err)
		}(i, memberID)
	}
	wg.Wait()

	got := []IssueOutcome{results[0].Outcome, results[1].Outcome}
	assert.ElementsMatch(t, []IssueOutcome{Issued, IssueOutOfStock}, got)
	assert.Equal(t, 0, l.available(t, bookID))
}

func Test_Return_Closes_Loan_With_Fine(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 2)
	memberID := seedMember(t, l.db, "Alice")
	before := l.available(t, bookID)

	res, err := l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, 14))
	require.NoError(t, err)

	l.clock.advanceDays(3)
	outcome, err := l.loans.Return(ctx, res.LoanID, decimal.RequireFromString("10.0"))
	require.NoError(t, err)
	assert.Equal(t, Returned, outcome)

	loan, err := l.scanner.GetLoan(ctx, res.LoanID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, loan.Status)
	require.NotNil(t, loan.ReturnDate)
	assert.Equal(t, day(2024, 1, 13), *loan.ReturnDate)
	assert.Equal(t, "10.00", loan.FineAmount.StringFixed(2))
	assert.Equal(t, before, l.available(t, bookID))
}

func Test_Return_Is_Idempotent(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 1)
	memberID := seedMember(t, l.db, "Alice")

	res, err := l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, 14))
	require.NoError(t, err)
	require.Equal(t, 0, l.available(t, bookID))

	first, err := l.loans.Return(ctx, res.LoanID, decimal.Zero)
	require.NoError(t, err)
	second, err := l.loans.Return(ctx, res.LoanID, decimal.RequireFromString("5"))
	require.NoError(t, err)

	assert.Equal(t, Returned, first)
	assert.Equal(t, AlreadyReturned, second)
	assert.Equal(t, 1, l.available(t, bookID))

	loan, err := l.scanner.GetLoan(ctx, res.LoanID)
	require.NoError(t, err)
	assert.True(t, loan.FineAmount.IsZero(), "second return must not overwrite the fine")
}

func Test_Return_Concurrent_Releases_Once(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 1)
	memberID := seedMember(t, l.db, "Alice")

	res, err := l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, 14))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []ReturnOutcome
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var outcome ReturnOutcome
			err := RetryTransient(ctx, func(ctx context.Context) error {
				var err error
				outcome, err = l.loans.Return(ctx, res.LoanID, decimal.Zero)
				return err
			})
			assert.NoError(t, err)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []ReturnOutcome{Returned, AlreadyReturned, AlreadyReturned, AlreadyReturned}, outcomes)
	assert.Equal(t, 1, l.available(t, bookID))
}

func Test_Return_Rejections(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()

	outcome, err := l.loans.Return(ctx, 77, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, ReturnLoanNotFound, outcome)

	outcome, err = l.loans.Return(ctx, 77, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, ReturnFailed, outcome)
}

func Test_Renew(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 1)
	memberID := seedMember(t, l.db, "Alice")

	res, err := l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, 14))
	require.NoError(t, err)

	outcome, due, err := l.loans.Renew(ctx, res.LoanID, 14, 2)
	require.NoError(t, err)
	assert.Equal(t, Renewed, outcome)
	assert.Equal(t, day(2024, 2, 7), due)

	_, _, err = l.loans.Renew(ctx, res.LoanID, 0, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument, "renewal period must be positive")

	outcome, due, err = l.loans.Renew(ctx, res.LoanID, 14, 2)
	require.NoError(t, err)
	assert.Equal(t, Renewed, outcome)
	assert.Equal(t, day(2024, 2, 21), due)

	outcome, due, err = l.loans.Renew(ctx, res.LoanID, 14, 2)
	require.NoError(t, err)
	assert.Equal(t, RenewalLimitReached, outcome)
	assert.True(t, due.IsZero())

	loan, err := l.scanner.GetLoan(ctx, res.LoanID)
	require.NoError(t, err)
	assert.Equal(t, day(2024, 2, 21), loan.DueDate)
	assert.Equal(t, 2, loan.Renewals)
	assert.Equal(t, 0, l.available(t, bookID), "renewal does not touch inventory")

	_, err = l.loans.Return(ctx, res.LoanID, decimal.Zero)
	require.NoError(t, err)
	outcome, _, err = l.loans.Renew(ctx, res.LoanID, 14, 5)
	require.NoError(t, err)
	assert.Equal(t, RenewAlreadyReturned, outcome)

	outcome, _, err = l.loans.Renew(ctx, res.LoanID+1, 14, 5)
	require.NoError(t, err)
	assert.Equal(t, RenewLoanNotFound, outcome)
}

func Test_Renew_Concurrent_Extends_Each_Time(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 1)
	memberID := seedMember(t, l.db, "Alice")

	res, err := l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, 14))
	require.NoError(t, err)

	const renewals = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []RenewOutcome
	)
	for i := 0; i < renewals; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var outcome RenewOutcome
			err := RetryTransient(ctx, func(ctx context.Context) error {
				var err error
				outcome, _, err = l.loans.Renew(ctx, res.LoanID, 7, renewals)
				return err
			}, WithMaxAttempts(20))
			assert.NoError(t, err)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		assert.Equal(t, Renewed, o)
	}
	loan, err := l.scanner.GetLoan(ctx, res.LoanID)
	require.NoError(t, err)
	assert.Equal(t, renewals, loan.Renewals)
	assert.Equal(t, day(2024, 1, 24).AddDate(0, 0, 7*renewals), loan.DueDate)
}

func Test_Renew_Concurrent_Respects_Limit(t *testing.T) {
	l := newLedgers(t, tempDB(t))
	ctx := context.Background()
	bookID := seedBook(t, l.db, 1)
	memberID := seedMember(t, l.db, "Alice")

	res, err := l.loans.Issue(ctx, memberID, bookID, l.clock.now.AddDate(0, 0, 14))
	require.NoError(t, err)

	results := make([]RenewOutcome, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := RetryTransient(ctx, func(ctx context.Context) error {
				var err error
				results[i], _, err = l.loans.Renew(ctx, res.LoanID, 7, 1)
				return err
			}, WithMaxAttempts(20))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.ElementsMatch(t, []RenewOutcome{Renewed, RenewalLimitReached, RenewalLimitReached, RenewalLimitReached}, results)
	loan, err := l.scanner.GetLoan(ctx, res.LoanID)
	require.NoError(t, err)
	assert.Equal(t, day(2024, 1, 31), loan.DueDate)
}

func Test_Outcome_Strings(t *testing.T) {
	assert.Equal(t, "issued", Issued.String())
	assert.Equal(t, "out_of_stock", IssueOutOfStock.String())
	assert.Equal(t, "failed", IssueFailed.String())
	assert.Equal(t, "already_returned", AlreadyReturned.String())
	assert.Equal(t, "renewal_limit_reached", RenewalLimitReached.String())
	assert.Equal(t, "book_not_found", BookNotFound.String())
}
