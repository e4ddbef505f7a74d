package repository

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestRetryableTxErrors(t *testing.T) {
	// A concurrent writer surfaces as a serialization failure or as a
	// unique violation on the idempotency key; both get rerun so the
	// caller sees the replayed outcome instead of the raw error.
	assert.True(t, isRetryableTxError(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetryableTxError(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isRetryableTxError(
		errors.Wrap(&pgconn.PgError{Code: "23505"}, "append ledger entry")))

	// Anything else propagates.
	assert.False(t, isRetryableTxError(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isRetryableTxError(errors.New("connection refused")))
	assert.False(t, isRetryableTxError(nil))
}
