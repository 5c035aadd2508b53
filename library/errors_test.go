package library

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func Test_StoreError_Classification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    error
		retries bool
	}{
		{name: "busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: ErrTransient, retries: true},
		{name: "locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, want: ErrTransient, retries: true},
		{name: "bad_conn", err: driver.ErrBadConn, want: ErrTransient, retries: true},
		{name: "constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: ErrInvalidArgument},
		{name: "already_classified", err: ErrInvariantViolation, want: ErrInvariantViolation},
		{name: "canceled", err: context.Canceled, want: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := storeError("op", tt.err)

			assert.ErrorIs(t, got, tt.want)
			assert.ErrorContains(t, got, "op: ")
			assert.Equal(t, tt.retries, IsRetryable(got))
		})
	}
}

func Test_StoreError_Passes_Nil_And_Unknown(t *testing.T) {
	assert.NoError(t, storeError("op", nil))

	plain := errors.New("disk on fire")
	got := storeError("op", plain)
	assert.ErrorIs(t, got, plain)
	assert.False(t, IsRetryable(got))
	assert.NotErrorIs(t, got, ErrInvalidArgument)
}
