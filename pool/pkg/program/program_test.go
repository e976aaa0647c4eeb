package program_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"github.com/malbeclabs/rewardpool/pool/pkg/program"
	rptesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

const (
	testReserve = 1_000
	solLamports = 1_000_000_000
)

type fixture struct {
	mem     *ledger.Memory
	prog    *program.Program
	addrs   ledger.Addresses
	owner   solana.PublicKey
	payer   solana.PublicKey
	holders []ledger.Holder
}

func newFixture(t *testing.T, params program.InitializeParams, holderCount int) *fixture {
	t.Helper()

	mem := ledger.NewMemory(clockwork.NewFakeClock())
	mint := rptesting.NewWallet(t)
	addrs, err := ledger.DeriveAddresses(ledger.DefaultProgramID, &mint)
	require.NoError(t, err)

	prog, err := program.New(program.Config{
		Logger:         rptesting.NewLogger(),
		Ledger:         mem,
		Addresses:      addrs,
		MinimumReserve: testReserve,
	})
	require.NoError(t, err)

	f := &fixture{
		mem:   mem,
		prog:  prog,
		addrs: addrs,
		owner: rptesting.NewWallet(t),
		payer: rptesting.NewWallet(t),
	}
	require.NoError(t, mem.Airdrop(context.Background(), f.payer, 10*solLamports))
	require.NoError(t, mem.Airdrop(context.Background(), f.owner, solLamports))

	params.Payer = f.payer
	params.Owner = f.owner
	_, err = prog.InitializePool(context.Background(), params)
	require.NoError(t, err)

	for i, addr := range rptesting.NewWallets(t, holderCount) {
		f.holders = append(f.holders, ledger.Holder{Address: addr, Balance: uint64(1000 - 200*i)})
	}
	return f
}

func (f *fixture) state(t *testing.T) *program.State {
	t.Helper()
	st, err := f.prog.State(context.Background())
	require.NoError(t, err)
	return st
}

func (f *fixture) recipients() []solana.PublicKey {
	out := make([]solana.PublicKey, len(f.holders))
	for i, h := range f.holders {
		out[i] = h.Address
	}
	return out
}

func TestRewardPool_Program_Config(t *testing.T) {
	t.Parallel()

	_, err := program.New(program.Config{})
	require.Error(t, err)

	_, err = program.New(program.Config{Logger: rptesting.NewLogger()})
	require.ErrorContains(t, err, "ledger is required")

	_, err = program.New(program.Config{Logger: rptesting.NewLogger(), Ledger: ledger.NewMemory(nil)})
	require.ErrorContains(t, err, "pool and vault addresses are required")
}

func TestRewardPool_Program_InitializePool(t *testing.T) {
	t.Parallel()

	t.Run("creates empty pool and funds reserve", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 0)
		st := f.state(t)
		require.Equal(t, f.owner, st.Pool.Owner)
		require.Empty(t, st.Pool.TopHolders)
		require.Equal(t, uint8(ledger.HardMaxHolders), st.Pool.MaxHolders)
		require.Zero(t, st.Pool.TotalRewardsReceived)
		require.Zero(t, st.Pool.TotalDistributed)
		require.Zero(t, st.Pool.TotalWithdrawn)
		require.Equal(t, uint64(testReserve), st.VaultBalance)
		require.Zero(t, st.Spendable)
		require.Equal(t, f.addrs.PoolBump, st.Pool.Bump)
		require.Equal(t, f.addrs.VaultBump, st.Pool.VaultBump)
	})

	t.Run("second initialize fails", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 0)
		_, err := f.prog.InitializePool(context.Background(), program.InitializeParams{
			Payer: f.payer,
			Owner: rptesting.NewWallet(t),
			Mode:  ledger.ModeProportional,
		})
		require.ErrorIs(t, err, poolerr.ErrAlreadyInitialized)
		require.Equal(t, f.owner, f.state(t).Pool.Owner)
	})

	t.Run("rejects max holders above hard cap", func(t *testing.T) {
		t.Parallel()

		mem := ledger.NewMemory(nil)
		addrs, err := ledger.DeriveAddresses(ledger.DefaultProgramID, nil)
		require.NoError(t, err)
		prog, err := program.New(program.Config{Logger: rptesting.NewLogger(), Ledger: mem, Addresses: addrs})
		require.NoError(t, err)

		_, err = prog.InitializePool(context.Background(), program.InitializeParams{
			Owner:      rptesting.NewWallet(t),
			Mode:       ledger.ModeEqual,
			MaxHolders: ledger.HardMaxHolders + 1,
		})
		require.ErrorIs(t, err, poolerr.ErrHolderListTooLarge)

		_, err = prog.State(context.Background())
		require.ErrorIs(t, err, poolerr.ErrNotInitialized)
	})

	t.Run("payer without reserve leaves nothing behind", func(t *testing.T) {
		t.Parallel()

		mem := ledger.NewMemory(nil)
		addrs, err := ledger.DeriveAddresses(ledger.DefaultProgramID, nil)
		require.NoError(t, err)
		prog, err := program.New(program.Config{Logger: rptesting.NewLogger(), Ledger: mem, Addresses: addrs, MinimumReserve: testReserve})
		require.NoError(t, err)

		_, err = prog.InitializePool(context.Background(), program.InitializeParams{
			Payer: rptesting.NewWallet(t),
			Owner: rptesting.NewWallet(t),
			Mode:  ledger.ModeEqual,
		})
		require.ErrorIs(t, err, poolerr.ErrInsufficientFunds)

		_, err = prog.State(context.Background())
		require.ErrorIs(t, err, poolerr.ErrNotInitialized)
	})
}

func TestRewardPool_Program_UpdateTopHolders(t *testing.T) {
	t.Parallel()

	t.Run("operations before initialize fail", func(t *testing.T) {
		t.Parallel()

		addrs, err := ledger.DeriveAddresses(ledger.DefaultProgramID, nil)
		require.NoError(t, err)
		prog, err := program.New(program.Config{Logger: rptesting.NewLogger(), Ledger: ledger.NewMemory(nil), Addresses: addrs})
		require.NoError(t, err)

		err = prog.UpdateTopHolders(context.Background(), rptesting.NewWallet(t), nil)
		require.ErrorIs(t, err, poolerr.ErrNotInitialized)
		_, err = prog.DistributeRewards(context.Background(), rptesting.NewWallet(t), nil)
		require.ErrorIs(t, err, poolerr.ErrNotInitialized)
	})

	t.Run("owner replaces list sorted by balance", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 3)
		reversed := []ledger.Holder{f.holders[2], f.holders[0], f.holders[1]}
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, reversed))
		require.Equal(t, f.holders, f.state(t).Pool.TopHolders)

		// Wholesale replacement.
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders[:1]))
		require.Equal(t, f.holders[:1], f.state(t).Pool.TopHolders)
	})

	t.Run("non-owner is rejected and list unchanged", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 3)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))

		err := f.prog.UpdateTopHolders(context.Background(), rptesting.NewWallet(t), f.holders[:1])
		require.ErrorIs(t, err, poolerr.ErrUnauthorized)
		require.Equal(t, f.holders, f.state(t).Pool.TopHolders)
	})

	t.Run("list above configured maximum", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual, MaxHolders: 2}, 3)
		err := f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders)
		require.ErrorIs(t, err, poolerr.ErrHolderListTooLarge)
	})

	t.Run("list above hard cap", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 0)
		list := make([]ledger.Holder, ledger.HardMaxHolders+1)
		for i, addr := range rptesting.NewWallets(t, len(list)) {
			list[i] = ledger.Holder{Address: addr, Balance: 1}
		}
		err := f.prog.UpdateTopHolders(context.Background(), f.owner, list)
		require.ErrorIs(t, err, poolerr.ErrHolderListTooLarge)
	})

	t.Run("duplicate address", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 2)
		err := f.prog.UpdateTopHolders(context.Background(), f.owner, []ledger.Holder{f.holders[0], f.holders[1], f.holders[0]})
		require.ErrorIs(t, err, poolerr.ErrDuplicateHolder)
		require.Empty(t, f.state(t).Pool.TopHolders)
	})

	t.Run("program derived address is rejected", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 1)
		list := append(f.holders, ledger.Holder{Address: rptesting.NewProgramAddress(t, "escrow"), Balance: 1})
		err := f.prog.UpdateTopHolders(context.Background(), f.owner, list)
		require.ErrorIs(t, err, poolerr.ErrRecipientValidationFailed)
	})
}

func TestRewardPool_Program_RecordDeposit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 0)
	depositor := rptesting.NewWallet(t)
	require.NoError(t, f.mem.Airdrop(context.Background(), depositor, 5_000))

	require.ErrorIs(t, f.prog.RecordDeposit(context.Background(), depositor, 0), poolerr.ErrInvalidAmount)
	require.ErrorIs(t, f.prog.RecordDeposit(context.Background(), depositor, 6_000), poolerr.ErrInsufficientFunds)

	require.NoError(t, f.prog.RecordDeposit(context.Background(), depositor, 3_000))
	st := f.state(t)
	require.Equal(t, uint64(3_000), st.Pool.TotalRewardsReceived)
	require.Equal(t, uint64(3_000), st.Spendable)
	require.Equal(t, uint64(2_000), f.mem.Balance(depositor))
}

func TestRewardPool_Program_DistributeRewards(t *testing.T) {
	t.Parallel()

	t.Run("equal split leaves remainder in vault", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 3)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 1_000))

		receipt, err := f.prog.DistributeRewards(context.Background(), f.owner, f.recipients())
		require.NoError(t, err)
		require.Equal(t, uint64(1_000), receipt.Spendable)
		require.Equal(t, uint64(999), receipt.Sum())
		require.Equal(t, uint64(1), receipt.Remainder)
		for _, h := range f.holders {
			require.Equal(t, uint64(333), f.mem.Balance(h.Address))
		}

		st := f.state(t)
		require.Equal(t, uint64(999), st.Pool.TotalDistributed)
		require.Equal(t, uint64(testReserve+1), st.VaultBalance)
		// Undeposited inflow is reconciled into the received counter.
		require.Equal(t, uint64(1_000), st.Pool.TotalRewardsReceived)
	})

	t.Run("proportional split", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeProportional}, 5)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 1_000))

		receipt, err := f.prog.DistributeRewards(context.Background(), f.owner, f.recipients())
		require.NoError(t, err)
		require.Equal(t, uint64(2), receipt.Remainder)
		want := []uint64{333, 266, 200, 133, 66}
		for i, h := range f.holders {
			require.Equal(t, want[i], f.mem.Balance(h.Address))
		}
	})

	t.Run("second call without inflow is insufficient", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 2)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 1_000))

		_, err := f.prog.DistributeRewards(context.Background(), f.owner, f.recipients())
		require.NoError(t, err)
		before := f.state(t)

		_, err = f.prog.DistributeRewards(context.Background(), f.owner, f.recipients())
		require.ErrorIs(t, err, poolerr.ErrInsufficientFunds)
		require.Equal(t, before, f.state(t))
	})

	t.Run("empty holder set leaves counters unchanged", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 0)
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 1_000))
		before := f.state(t)

		_, err := f.prog.DistributeRewards(context.Background(), f.owner, nil)
		require.ErrorIs(t, err, poolerr.ErrEmptyHolderSet)
		require.Equal(t, before, f.state(t))
	})

	t.Run("owner required unless permissionless", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 2)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 1_000))

		_, err := f.prog.DistributeRewards(context.Background(), rptesting.NewWallet(t), f.recipients())
		require.ErrorIs(t, err, poolerr.ErrUnauthorized)

		open := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual, PermissionlessDistribute: true}, 2)
		require.NoError(t, open.prog.UpdateTopHolders(context.Background(), open.owner, open.holders))
		require.NoError(t, open.mem.Airdrop(context.Background(), open.addrs.Vault, 1_000))
		_, err = open.prog.DistributeRewards(context.Background(), rptesting.NewWallet(t), open.recipients())
		require.NoError(t, err)
	})

	t.Run("recipient mismatch moves no funds", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 3)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 1_000))
		before := f.state(t)

		tampered := f.recipients()
		tampered[2] = rptesting.NewWallet(t)
		_, err := f.prog.DistributeRewards(context.Background(), f.owner, tampered)
		require.ErrorIs(t, err, poolerr.ErrRecipientValidationFailed)

		_, err = f.prog.DistributeRewards(context.Background(), f.owner, f.recipients()[:2])
		require.ErrorIs(t, err, poolerr.ErrRecipientValidationFailed)

		require.Equal(t, before, f.state(t))
		for _, h := range f.holders {
			require.Zero(t, f.mem.Balance(h.Address))
		}
	})

	t.Run("ineligible address in stored list moves no funds", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 3)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 1_000))

		// A list written before the eligibility rule, bypassing UpdateTopHolders.
		f.holders[1].Address = rptesting.NewProgramAddress(t, "amm")
		require.NoError(t, f.mem.Update(context.Background(), func(tx ledger.Tx) error {
			pool, err := ledger.LoadPool(tx, f.addrs.Pool)
			if err != nil {
				return err
			}
			pool.TopHolders = append([]ledger.Holder{}, f.holders...)
			return ledger.StorePool(tx, f.addrs.Pool, pool)
		}))
		before := f.state(t)

		_, err := f.prog.DistributeRewards(context.Background(), f.owner, f.recipients())
		require.ErrorIs(t, err, poolerr.ErrRecipientValidationFailed)
		require.ErrorContains(t, err, "cannot receive direct transfers")

		require.Equal(t, before, f.state(t))
		for _, h := range f.holders {
			require.Zero(t, f.mem.Balance(h.Address))
		}
	})

	t.Run("spendable too small to split", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 3)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))
		require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 2))

		_, err := f.prog.DistributeRewards(context.Background(), f.owner, f.recipients())
		require.ErrorIs(t, err, poolerr.ErrInsufficientFunds)
	})

	t.Run("total distributed sums sequential rounds", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, program.InitializeParams{Mode: ledger.ModeProportional}, 5)
		require.NoError(t, f.prog.UpdateTopHolders(context.Background(), f.owner, f.holders))

		var sum uint64
		for _, inflow := range []uint64{1_000, 7_777, 12, 999_999, 3} {
			require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, inflow))
			receipt, err := f.prog.DistributeRewards(context.Background(), f.owner, f.recipients())
			require.NoError(t, err)
			sum += receipt.Sum()
			require.Equal(t, sum, receipt.TotalDistributed)
		}
		st := f.state(t)
		require.Equal(t, sum, st.Pool.TotalDistributed)
		require.GreaterOrEqual(t, st.Pool.TotalRewardsReceived, st.Pool.TotalDistributed)
	})
}

func TestRewardPool_Program_OwnerWithdraw(t *testing.T) {
	t.Parallel()

	f := newFixture(t, program.InitializeParams{Mode: ledger.ModeEqual}, 0)
	require.NoError(t, f.mem.Airdrop(context.Background(), f.addrs.Vault, 5_000))
	ownerBefore := f.mem.Balance(f.owner)

	require.ErrorIs(t, f.prog.OwnerWithdraw(context.Background(), f.owner, 0), poolerr.ErrInvalidAmount)
	require.ErrorIs(t, f.prog.OwnerWithdraw(context.Background(), rptesting.NewWallet(t), 100), poolerr.ErrUnauthorized)
	// The reserve is not withdrawable.
	require.ErrorIs(t, f.prog.OwnerWithdraw(context.Background(), f.owner, 5_001), poolerr.ErrInsufficientFunds)

	require.NoError(t, f.prog.OwnerWithdraw(context.Background(), f.owner, 4_000))
	st := f.state(t)
	require.Equal(t, uint64(4_000), st.Pool.TotalWithdrawn)
	require.Zero(t, st.Pool.TotalDistributed)
	require.Equal(t, uint64(1_000), st.Spendable)
	require.Equal(t, ownerBefore+4_000, f.mem.Balance(f.owner))
}
