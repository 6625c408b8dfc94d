package infra

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgErrorClassification(t *testing.T) {
	wrap := func(code string) error {
		return fmt.Errorf("insert: %w", &pgconn.PgError{Code: code})
	}
	assert.True(t, IsUniqueViolation(wrap("23505")))
	assert.True(t, IsInvalidText(wrap("22P02")))
	assert.True(t, IsSerializationFailure(wrap("40001")))
	assert.True(t, IsSerializationFailure(wrap("40P01")))
	assert.False(t, IsSerializationFailure(wrap("23505")))
	assert.False(t, IsUniqueViolation(fmt.Errorf("plain")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestDevVerifier(t *testing.T) {
	tok, err := DevVerifier{}.VerifyIDToken(context.Background(), "courier-1:courier")
	require.NoError(t, err)
	assert.Equal(t, "courier-1", tok.UID)
	assert.Equal(t, "courier", tok.Claims["role"])

	tok, err = DevVerifier{}.VerifyIDToken(context.Background(), "donor-9")
	require.NoError(t, err)
	assert.NotContains(t, tok.Claims, "role")

	_, err = DevVerifier{}.VerifyIDToken(context.Background(), ":hospital")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger("debug", format, "hemoroute-test")
		require.NoError(t, err)
		logger.Debug("ok")
	}
}
