package library

import (
	"context"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RetryTransient_Retries_Until_Success(t *testing.T) {
	calls := 0
	var hooked []int

	err := RetryTransient(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return storeError("op", sqlite3.Error{Code: sqlite3.ErrBusy})
		}
		return nil
	}, WithBaseDelay(time.Millisecond), WithRetryHook(func(attempt int, _ error) {
		hooked = append(hooked, attempt)
	}))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, hooked)
}

func Test_RetryTransient_Stops_On_Permanent_Error(t *testing.T) {
	calls := 0

	err := RetryTransient(context.Background(), func(context.Context) error {
		calls++
		return ErrInvalidArgument
	}, WithBaseDelay(0))

	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 1, calls)
}

func Test_RetryTransient_Gives_Up_After_Max_Attempts(t *testing.T) {
	calls := 0

	err := RetryTransient(context.Background(), func(context.Context) error {
		calls++
		return ErrTransient
	}, WithMaxAttempts(2), WithBaseDelay(0))

	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 2, calls)
}

func Test_RetryTransient_Honors_Context(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := RetryTransient(ctx, func(context.Context) error {
		calls++
		cancel()
		return ErrTransient
	}, WithBaseDelay(time.Hour))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func Test_RetryTransient_Invalid_Options(t *testing.T) {
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, RetryTransient(context.Background(), noop, WithMaxAttempts(0)), ErrInvalidMaxAttempts)
	assert.ErrorIs(t, RetryTransient(context.Background(), noop, WithBaseDelay(-time.Second)), ErrNegativeBaseDelay)
}
