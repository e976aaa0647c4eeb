package distribution_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/malbeclabs/rewardpool/pool/pkg/distribution"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	rptesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func holdersWithBalances(t *testing.T, balances ...uint64) []ledger.Holder {
	t.Helper()
	wallets := rptesting.NewWallets(t, len(balances))
	out := make([]ledger.Holder, len(balances))
	for i, b := range balances {
		out[i] = ledger.Holder{Address: wallets[i], Balance: b}
	}
	return out
}

func amounts(r distribution.Result) []uint64 {
	out := make([]uint64, len(r.Payouts))
	for i, p := range r.Payouts {
		out[i] = p.Amount
	}
	return out
}

func TestRewardPool_Distribution_Equal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		total     uint64
		count     int
		share     uint64
		remainder uint64
	}{
		{name: "exact split", total: 1_000_000_000, count: 20, share: 50_000_000, remainder: 0},
		{name: "remainder stays", total: 1_000_000_007, count: 20, share: 50_000_000, remainder: 7},
		{name: "single holder", total: 12_345, count: 1, share: 12_345, remainder: 0},
		{name: "total below count", total: 7, count: 10, share: 0, remainder: 7},
		{name: "max total", total: math.MaxUint64, count: 20, share: math.MaxUint64 / 20, remainder: math.MaxUint64 % 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := holdersWithBalances(t, make([]uint64, tt.count)...)
			res, err := distribution.ComputeShares(tt.total, h, ledger.ModeEqual)
			require.NoError(t, err)
			require.Len(t, res.Payouts, tt.count)
			for i, p := range res.Payouts {
				require.Equal(t, tt.share, p.Amount)
				require.Equal(t, h[i].Address, p.Address)
			}
			require.Equal(t, tt.remainder, res.Remainder)
			require.Equal(t, tt.total, res.Sum()+res.Remainder)
		})
	}
}

func TestRewardPool_Distribution_Proportional(t *testing.T) {
	t.Parallel()

	t.Run("floors each share", func(t *testing.T) {
		t.Parallel()

		h := holdersWithBalances(t, 1000, 800, 600, 400, 200)
		res, err := distribution.ComputeShares(1000, h, ledger.ModeProportional)
		require.NoError(t, err)
		require.Equal(t, []uint64{333, 266, 200, 133, 66}, amounts(res))
		require.Equal(t, uint64(2), res.Remainder)
	})

	t.Run("exact when all products divide", func(t *testing.T) {
		t.Parallel()

		h := holdersWithBalances(t, 3, 2, 1)
		res, err := distribution.ComputeShares(600, h, ledger.ModeProportional)
		require.NoError(t, err)
		require.Equal(t, []uint64{300, 200, 100}, amounts(res))
		require.Zero(t, res.Remainder)
	})

	t.Run("wide intermediates do not overflow", func(t *testing.T) {
		t.Parallel()

		h := holdersWithBalances(t, math.MaxUint64, math.MaxUint64, math.MaxUint64)
		res, err := distribution.ComputeShares(math.MaxUint64, h, ledger.ModeProportional)
		require.NoError(t, err)
		for _, p := range res.Payouts {
			require.Equal(t, uint64(math.MaxUint64/3), p.Amount)
		}
		require.Equal(t, uint64(math.MaxUint64%3), res.Remainder)
	})

	t.Run("zero-balance holder gets nothing", func(t *testing.T) {
		t.Parallel()

		h := holdersWithBalances(t, 10, 0)
		res, err := distribution.ComputeShares(99, h, ledger.ModeProportional)
		require.NoError(t, err)
		require.Equal(t, []uint64{99, 0}, amounts(res))
	})

	t.Run("zero weight sum", func(t *testing.T) {
		t.Parallel()

		h := holdersWithBalances(t, 0, 0)
		_, err := distribution.ComputeShares(100, h, ledger.ModeProportional)
		require.ErrorIs(t, err, poolerr.ErrZeroWeightSum)
	})
}

func TestRewardPool_Distribution_Conservation(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 200; i++ {
		n := 1 + rng.IntN(ledger.HardMaxHolders)
		balances := make([]uint64, n)
		for j := range balances {
			balances[j] = 1 + rng.Uint64N(1<<50)
		}
		total := rng.Uint64()
		h := holdersWithBalances(t, balances...)

		for _, mode := range []ledger.Mode{ledger.ModeEqual, ledger.ModeProportional} {
			res, err := distribution.ComputeShares(total, h, mode)
			require.NoError(t, err)

			var sum uint64
			for _, p := range res.Payouts {
				sum += p.Amount
			}
			require.LessOrEqual(t, sum, total)
			require.Equal(t, total, sum+res.Remainder)

			again, err := distribution.ComputeShares(total, h, mode)
			require.NoError(t, err)
			require.Equal(t, res, again, "computation must be deterministic")
		}
	}
}

func TestRewardPool_Distribution_Errors(t *testing.T) {
	t.Parallel()

	_, err := distribution.ComputeShares(100, nil, ledger.ModeEqual)
	require.ErrorIs(t, err, poolerr.ErrEmptyHolderSet)

	_, err = distribution.ComputeShares(100, nil, ledger.ModeProportional)
	require.ErrorIs(t, err, poolerr.ErrEmptyHolderSet)

	_, err = distribution.ComputeShares(100, holdersWithBalances(t, 1), ledger.Mode(9))
	require.ErrorIs(t, err, poolerr.ErrUnknownMode)
}
