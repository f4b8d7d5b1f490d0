package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Set FORKCHAT_TEST_POSTGRES_DSN to a scratch database to run this test. The
// kv table is emptied first.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FORKCHAT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORKCHAT_TEST_POSTGRES_DSN not set")
	}

	s, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()
	_, err = s.pool.Exec(context.Background(), `DELETE FROM forkchat_kv`)
	require.NoError(t, err)

	exerciseStore(t, s)
	exerciseStore(t, NewCompressed(s))
}
