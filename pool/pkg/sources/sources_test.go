package sources_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/holders"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"github.com/malbeclabs/rewardpool/pool/pkg/sources"
	rptesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestRewardPool_Sources_LedgerFeeSource(t *testing.T) {
	t.Parallel()

	t.Run("claim sweeps pending fees into vault", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		mem := ledger.NewMemory(nil)
		account, vault := rptesting.NewWallet(t), rptesting.NewProgramAddress(t, "vault")
		src, err := sources.NewLedgerFeeSource(rptesting.NewLogger(), mem, account, vault)
		require.NoError(t, err)

		pending, err := src.PendingFees(ctx)
		require.NoError(t, err)
		require.Zero(t, pending)

		require.NoError(t, mem.Airdrop(ctx, account, 7_500))
		pending, err = src.PendingFees(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(7_500), pending)

		claimed, err := src.Claim(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(7_500), claimed)
		require.Equal(t, uint64(7_500), mem.Balance(vault))

		// Repeating the claim moves nothing.
		claimed, err = src.Claim(ctx)
		require.NoError(t, err)
		require.Zero(t, claimed)
		require.Equal(t, uint64(7_500), mem.Balance(vault))
	})

	t.Run("claim failure is retryable", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src, err := sources.NewLedgerFeeSource(rptesting.NewLogger(), ledger.NewMemory(nil), rptesting.NewWallet(t), rptesting.NewWallet(t))
		require.NoError(t, err)

		_, err = src.Claim(ctx)
		require.ErrorIs(t, err, poolerr.ErrUpstreamClaimFailed)
		require.ErrorIs(t, err, context.Canceled)
		require.True(t, poolerr.IsRetryable(err))
	})

	t.Run("rejects fee account equal to vault", func(t *testing.T) {
		t.Parallel()

		addr := rptesting.NewWallet(t)
		_, err := sources.NewLedgerFeeSource(rptesting.NewLogger(), ledger.NewMemory(nil), addr, addr)
		require.Error(t, err)
	})
}

func TestRewardPool_Sources_FeeAccrual(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	mem := ledger.NewMemory(clock)
	account, vault := rptesting.NewWallet(t), rptesting.NewProgramAddress(t, "vault")

	accrual, err := sources.NewFeeAccrual(rptesting.NewLogger(), mem, clock, account, 100, time.Minute)
	require.NoError(t, err)
	require.NoError(t, accrual.Seed(ctx, 50))

	src, err := sources.NewLedgerFeeSource(rptesting.NewLogger(), mem, account, vault)
	require.NoError(t, err)
	sim := sources.NewSimulatedFeeSource(src, accrual)

	pending, err := sim.PendingFees(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(50), pending)

	clock.Advance(150 * time.Second)
	pending, err = sim.PendingFees(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(250), pending)

	// The partial interval carries over.
	clock.Advance(30 * time.Second)
	pending, err = sim.PendingFees(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(350), pending)

	claimed, err := sim.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(350), claimed)
}

func TestRewardPool_Sources_StaticBalances(t *testing.T) {
	t.Parallel()

	wallets := rptesting.NewWallets(t, 4)
	s := sources.NewStaticBalances([]holders.Candidate{
		{Owner: wallets[0], Balance: 10},
		{Owner: wallets[1], Balance: 30},
		{Owner: wallets[2], Balance: 20},
		{Owner: wallets[3], Balance: 30},
	})

	top, err := s.TopHolders(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, []holders.Candidate{
		{Owner: wallets[1], Balance: 30},
		{Owner: wallets[3], Balance: 30},
		{Owner: wallets[2], Balance: 20},
	}, top)

	top, err = s.TopHolders(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, top, 4)

	_, err = s.TopHolders(context.Background(), 0)
	require.Error(t, err)
}

func TestRewardPool_Sources_Simulation(t *testing.T) {
	t.Parallel()

	_, err := sources.NewSimulation(rptesting.NewLogger(), sources.SimulationConfig{})
	require.Error(t, err)

	sim, err := sources.NewSimulation(rptesting.NewLogger(), sources.SimulationConfig{
		Holders:      25,
		BaseBalance:  1_000,
		ProgramOwned: 2,
		Seed:         42,
	})
	require.NoError(t, err)
	require.Len(t, sim.Wallets(), 25)

	all := sim.Candidates()
	require.Len(t, all, 27)
	for i := 1; i < len(all); i++ {
		require.GreaterOrEqual(t, all[i-1].Balance, all[i].Balance)
	}

	// Program-owned holders rank highest and are filtered by the registry.
	top, err := sim.TopHolders(context.Background(), 2*ledger.HardMaxHolders)
	require.NoError(t, err)
	require.False(t, holders.DirectTransferEligible(top[0].Owner))
	refreshed, err := holders.Refresh(top, ledger.HardMaxHolders, holders.DirectTransferEligible)
	require.NoError(t, err)
	require.Len(t, refreshed, ledger.HardMaxHolders)
	for _, h := range refreshed {
		require.True(t, holders.DirectTransferEligible(h.Address))
	}

	ctx := context.Background()
	mem := ledger.NewMemory(nil)
	funder := rptesting.NewWallet(t)
	require.NoError(t, mem.Airdrop(ctx, funder, 25*1_000))
	require.NoError(t, sim.Fund(ctx, mem, funder, 1_000))
	require.Zero(t, mem.Balance(funder))
	for _, w := range sim.Wallets() {
		require.Equal(t, uint64(1_000), mem.Balance(w))
	}
	require.Error(t, sim.Fund(ctx, mem, funder, 1))
}
