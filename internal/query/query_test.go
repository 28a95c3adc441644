package query_test

import (
	"context"
	"testing"
	"time"

	"CoverLedger/internal/core"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
	"CoverLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		asset string
		in    string
		want  int64
		err   error
	}{
		{"USDT", "1.5", 1_500_000, nil},
		{"USDT", "0.000001", 1, nil},
		{"WBTC", "0.00000001", 1, nil},
		{"USDT", "730000", 730_000_000_000, nil},
		{"USDT", "0.0000001", 0, query.ErrBadAmount},
		{"USDT", "-1", 0, query.ErrBadAmount},
		{"USDT", "abc", 0, query.ErrBadAmount},
		{"USDT", "99999999999999999999", 0, query.ErrBadAmount},
		{"DOGE", "1", 0, query.ErrUnknownAsset},
	}
	for _, tt := range tests {
		t.Run(tt.asset+"/"+tt.in, func(t *testing.T) {
			got, err := query.ParseAmount(tt.asset, tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "1.5", query.FormatAmount("USDT", 1_500_000))
	require.Equal(t, "-0.00219", query.FormatAmount("USDT", -2_190))
	require.Equal(t, "0", query.FormatAmount("USDT", 0))
	require.Equal(t, "42", query.FormatAmount("UNKNOWN", 42))

	units, err := query.ParseAmount("WBTC", query.FormatAmount("WBTC", 123_456_789))
	require.NoError(t, err)
	require.Equal(t, int64(123_456_789), units)
}

// --- Postgres integration (skipped without TEST_POSTGRES_DSN) ---

func TestQueryService_ReadModel(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	live, persistChan, _ := testutil.NewCore(t)
	outputs := testutil.RunScenario(t, live, persistChan)

	input := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		input <- o
	}
	close(input)
	require.NoError(t, persistence.NewPersistenceWorker(db, input, 0, time.Millisecond, nil).Run(ctx))

	store, err := projection.NewStore(ctx, testutil.TestPostgresDSN(t))
	require.NoError(t, err)
	defer store.Close()
	last, err := projection.Rebuild(ctx, persistence.NewSnapshotManager(db), testutil.Config(), store, 0)
	require.NoError(t, err)

	qs := query.NewQueryService(db)

	pool, err := qs.GetPool(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, last, pool.AsOfSequence)
	require.Equal(t, "USDT", pool.Asset)
	require.Equal(t, int32(1), pool.ClaimsCount)

	_, err = qs.GetPool(ctx, 9)
	require.ErrorIs(t, err, query.ErrNotFound)

	pools, err := qs.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)

	positions, err := qs.GetPositions(ctx, testutil.LP)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.Equal(t, []uint64{0}, positions[0].PoolIDs)

	covers, err := qs.GetCovers(ctx, testutil.Buyer, false)
	require.NoError(t, err)
	require.Len(t, covers, 2)
	require.Equal(t, "0.1095", covers[0].CoverAmount)

	claims, err := qs.GetClaims(ctx, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, "0.04", claims[0].Amount)

	before := testutil.Start
	claims, err = qs.GetClaims(ctx, 0, 10, &before)
	require.NoError(t, err)
	require.Empty(t, claims)

	balances, err := qs.GetBalances(ctx, testutil.Buyer)
	require.NoError(t, err)
	require.Len(t, balances, 1)

	history, err := qs.GetJournalHistory(ctx, testutil.Buyer, 50, nil)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		require.GreaterOrEqual(t, history[i-1].Sequence, history[i].Sequence)
	}

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	require.True(t, report.IsHealthy, "%+v", report)
	require.Zero(t, report.ProjectionLag)
}
