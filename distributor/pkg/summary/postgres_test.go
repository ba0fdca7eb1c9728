package summary

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	distributortesting "github.com/fartnode/distributor/utils/pkg/testing"
)

var (
	pgOnce sync.Once
	pgDB   *distributortesting.Postgres
	pgDSN  string
	pgErr  error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgDB != nil {
		pgDB.Close()
	}
	os.Exit(code)
}

// postgresDSN prefers TEST_POSTGRES_DSN and otherwise starts one container
// shared by the package's tests.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	pgOnce.Do(func() {
		pgDB, pgErr = distributortesting.NewPostgres(context.Background(), distributortesting.NewLogger(), nil)
		if pgErr == nil {
			pgDSN = pgDB.DSN()
		}
	})
	if pgErr != nil {
		t.Skipf("postgres unavailable: %v", pgErr)
	}
	return pgDSN
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	store, err := NewPostgresStore(context.Background(), PostgresConfig{
		Logger:  distributortesting.NewLogger(),
		DSN:     postgresDSN(t),
		Migrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = store.pool.Exec(context.Background(), "TRUNCATE epoch_summaries")
		_ = store.Close()
	})
	_, err = store.pool.Exec(context.Background(), "TRUNCATE epoch_summaries")
	require.NoError(t, err)
	return store
}

func TestDistributor_Summary_PostgresStore(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Append(ctx, testSummary(i)))
	}
	partial := testSummary(4)
	partial.Status = StatusPartial
	partial.Error = "batch 2 of 3 failed at confirm"
	partial.RunID = ""
	partial.ClaimedLamports = ^uint64(0)
	require.NoError(t, store.Append(ctx, partial))

	got, err := store.ReadRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, StatusPartial, got[0].Status)
	require.Equal(t, partial.Error, got[0].Error)
	require.Empty(t, got[0].RunID)
	require.Equal(t, ^uint64(0), got[0].ClaimedLamports)
	require.True(t, got[0].Timestamp.Equal(partial.Timestamp))

	want := testSummary(3)
	require.Equal(t, want.EpochID, got[1].EpochID)
	require.Equal(t, want.RunID, got[1].RunID)
	require.True(t, want.SOLUSDPrice.Equal(got[1].SOLUSDPrice))
	require.Equal(t, want.TxSignatures, got[1].TxSignatures)
	require.Equal(t, want.DistributedLamports, got[1].DistributedLamports)
}

func TestDistributor_Summary_PostgresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(context.Background(), PostgresConfig{DSN: "postgres://x"})
	require.ErrorContains(t, err, "logger is required")
	_, err = NewPostgresStore(context.Background(), PostgresConfig{Logger: distributortesting.NewLogger()})
	require.ErrorContains(t, err, "postgres dsn is required")
}
