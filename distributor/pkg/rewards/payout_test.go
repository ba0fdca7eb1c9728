package rewards

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func sumPayouts(t *testing.T, payouts []Payout) uint64 {
	t.Helper()
	total, err := TotalLamports(payouts)
	require.NoError(t, err)
	return total
}

func TestDistributor_Rewards_ComputePayouts(t *testing.T) {
	t.Parallel()

	t.Run("splits evenly for equal balances", func(t *testing.T) {
		t.Parallel()
		payouts, err := ComputePayouts([]HolderBalance{holder(1, 1_000_000), holder(2, 1_000_000)}, 1_000_000_000)
		require.NoError(t, err)
		require.Equal(t, []Payout{
			{Owner: testKey(1), Lamports: 500_000_000},
			{Owner: testKey(2), Lamports: 500_000_000},
		}, payouts)
	})

	t.Run("floors uneven shares and leaves residue in reserve", func(t *testing.T) {
		t.Parallel()
		holders := []HolderBalance{holder(1, 1_000_000), holder(2, 2_000_000), holder(3, 3_000_000)}
		payouts, err := ComputePayouts(holders, 1_000_000_001)
		require.NoError(t, err)
		require.Equal(t, []Payout{
			{Owner: testKey(1), Lamports: 166_666_666},
			{Owner: testKey(2), Lamports: 333_333_333},
			{Owner: testKey(3), Lamports: 500_000_000},
		}, payouts)
		require.Equal(t, uint64(999_999_999), sumPayouts(t, payouts))
	})

	t.Run("zero reserve yields nothing", func(t *testing.T) {
		t.Parallel()
		payouts, err := ComputePayouts([]HolderBalance{holder(1, 1_000_000)}, 0)
		require.NoError(t, err)
		require.Empty(t, payouts)
	})

	t.Run("zero total yields nothing", func(t *testing.T) {
		t.Parallel()
		payouts, err := ComputePayouts([]HolderBalance{holder(1, 0), holder(2, 0)}, 1_000)
		require.NoError(t, err)
		require.Empty(t, payouts)
	})

	t.Run("no holders yields nothing", func(t *testing.T) {
		t.Parallel()
		payouts, err := ComputePayouts(nil, 1_000)
		require.NoError(t, err)
		require.Empty(t, payouts)
	})

	t.Run("drops zero payouts", func(t *testing.T) {
		t.Parallel()
		payouts, err := ComputePayouts([]HolderBalance{holder(1, 1), holder(2, 1_000_000)}, 1_000)
		require.NoError(t, err)
		require.Equal(t, []Payout{{Owner: testKey(2), Lamports: 999}}, payouts)
	})

	t.Run("does not overflow with max uint64 operands", func(t *testing.T) {
		t.Parallel()
		holders := []HolderBalance{holder(1, math.MaxUint64), holder(2, math.MaxUint64)}
		payouts, err := ComputePayouts(holders, math.MaxUint64)
		require.NoError(t, err)
		require.Len(t, payouts, 2)
		require.Equal(t, uint64(math.MaxUint64/2), payouts[0].Lamports)
		require.Equal(t, uint64(math.MaxUint64/2), payouts[1].Lamports)
	})

	t.Run("is deterministic", func(t *testing.T) {
		t.Parallel()
		holders := []HolderBalance{holder(1, 7), holder(2, 11), holder(3, 13)}
		a, err := ComputePayouts(holders, 1_000_003)
		require.NoError(t, err)
		b, err := ComputePayouts(holders, 1_000_003)
		require.NoError(t, err)
		require.Equal(t, a, b)
	})
}

func TestDistributor_Rewards_ComputePayouts_Properties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.IntN(50)
		holders := make([]HolderBalance, n)
		for i := range holders {
			holders[i] = holder(i, rng.Uint64N(1<<50))
		}
		reserve := rng.Uint64()

		payouts, err := ComputePayouts(holders, reserve)
		require.NoError(t, err)

		total := sumPayouts(t, payouts)
		require.LessOrEqual(t, total, reserve, "conservation")

		// Output follows input order.
		j := 0
		for _, p := range payouts {
			require.NotZero(t, p.Lamports)
			for holders[j].Owner != p.Owner {
				j++
			}
			j++
		}
	}

	t.Run("equal balances get shares within one lamport", func(t *testing.T) {
		t.Parallel()
		holders := make([]HolderBalance, 7)
		for i := range holders {
			holders[i] = holder(i, 123_456)
		}
		payouts, err := ComputePayouts(holders, 1_000_000_000)
		require.NoError(t, err)
		require.Len(t, payouts, 7)
		for _, p := range payouts {
			require.InDelta(t, payouts[0].Lamports, p.Lamports, 1)
		}
	})
}

func TestDistributor_Rewards_TotalLamports(t *testing.T) {
	t.Parallel()

	total, err := TotalLamports([]Payout{{Lamports: 1}, {Lamports: 2}})
	require.NoError(t, err)
	require.Equal(t, uint64(3), total)

	_, err = TotalLamports([]Payout{{Lamports: math.MaxUint64}, {Lamports: 1}})
	require.ErrorIs(t, err, ErrAmountOverflow)
}
