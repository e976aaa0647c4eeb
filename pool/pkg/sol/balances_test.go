package sol_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/rewardpool/pool/pkg/holders"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"github.com/malbeclabs/rewardpool/pool/pkg/sol"
	rptesting "github.com/malbeclabs/rewardpool/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockSolanaRPC struct {
	getTokenLargestAccountsFunc func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error)
	getMultipleAccountsFunc     func(context.Context, []solana.PublicKey, *solanarpc.GetMultipleAccountsOpts) (*solanarpc.GetMultipleAccountsResult, error)
	getProgramAccountsFunc      func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	getBalanceFunc              func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
}

func (m *mockSolanaRPC) GetTokenLargestAccounts(ctx context.Context, mint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error) {
	if m.getTokenLargestAccountsFunc != nil {
		return m.getTokenLargestAccountsFunc(ctx, mint, commitment)
	}
	return &solanarpc.GetTokenLargestAccountsResult{}, nil
}

func (m *mockSolanaRPC) GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *solanarpc.GetMultipleAccountsOpts) (*solanarpc.GetMultipleAccountsResult, error) {
	if m.getMultipleAccountsFunc != nil {
		return m.getMultipleAccountsFunc(ctx, accounts, opts)
	}
	return &solanarpc.GetMultipleAccountsResult{Value: make([]*solanarpc.Account, len(accounts))}, nil
}

func (m *mockSolanaRPC) GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
	if m.getProgramAccountsFunc != nil {
		return m.getProgramAccountsFunc(ctx, program, opts)
	}
	return nil, nil
}

func (m *mockSolanaRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, account, commitment)
	}
	return &solanarpc.GetBalanceResult{}, nil
}

// tokenAccountData lays out an initialized SPL token account.
func tokenAccountData(mint, owner solana.PublicKey, amount uint64) []byte {
	data := make([]byte, sol.TokenAccountSize)
	copy(data[0:32], mint[:])
	copy(data[32:64], owner[:])
	binary.LittleEndian.PutUint64(data[64:72], amount)
	data[108] = 1 // state: initialized
	return data
}

type position struct {
	tokenAccount solana.PublicKey
	owner        solana.PublicKey
	amount       uint64
}

func newLargestMock(mint solana.PublicKey, positions []position) *mockSolanaRPC {
	byAddr := make(map[solana.PublicKey]position, len(positions))
	for _, p := range positions {
		byAddr[p.tokenAccount] = p
	}
	return &mockSolanaRPC{
		getTokenLargestAccountsFunc: func(ctx context.Context, m solana.PublicKey, _ solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error) {
			res := &solanarpc.GetTokenLargestAccountsResult{}
			for _, p := range positions {
				res.Value = append(res.Value, &solanarpc.TokenLargestAccountsResult{Address: p.tokenAccount})
			}
			return res, nil
		},
		getMultipleAccountsFunc: func(ctx context.Context, accounts []solana.PublicKey, opts *solanarpc.GetMultipleAccountsOpts) (*solanarpc.GetMultipleAccountsResult, error) {
			res := &solanarpc.GetMultipleAccountsResult{}
			for _, a := range accounts {
				p, ok := byAddr[a]
				if !ok {
					res.Value = append(res.Value, nil)
					continue
				}
				res.Value = append(res.Value, &solanarpc.Account{
					Owner: solana.TokenProgramID,
					Data:  solanarpc.DataBytesOrJSONFromBytes(tokenAccountData(mint, p.owner, p.amount)),
				})
			}
			return res, nil
		},
	}
}

func TestRewardPool_Sol_BalanceSource_Config(t *testing.T) {
	t.Parallel()

	_, err := sol.NewBalanceSource(sol.Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = sol.NewBalanceSource(sol.Config{Logger: rptesting.NewLogger(), RPC: &mockSolanaRPC{}})
	require.ErrorContains(t, err, "token mint is required")
}

func TestRewardPool_Sol_BalanceSource_Largest(t *testing.T) {
	t.Parallel()

	t.Run("resolves owners and ranks positions", func(t *testing.T) {
		t.Parallel()

		mint := rptesting.NewWallet(t)
		wallets := rptesting.NewWallets(t, 3)
		lpVault := rptesting.NewProgramAddress(t, "amm")
		positions := []position{
			{tokenAccount: rptesting.NewWallet(t), owner: lpVault, amount: 9_000},
			{tokenAccount: rptesting.NewWallet(t), owner: wallets[0], amount: 500},
			{tokenAccount: rptesting.NewWallet(t), owner: wallets[1], amount: 800},
			{tokenAccount: rptesting.NewWallet(t), owner: wallets[0], amount: 400},
			{tokenAccount: rptesting.NewWallet(t), owner: wallets[2], amount: 0},
		}
		src, err := sol.NewBalanceSource(sol.Config{
			Logger: rptesting.NewLogger(),
			RPC:    newLargestMock(mint, positions),
			Mint:   mint,
		})
		require.NoError(t, err)

		got, err := src.TopHolders(context.Background(), 10)
		require.NoError(t, err)
		require.Equal(t, []holders.Candidate{
			{Owner: lpVault, Balance: 9_000},
			{Owner: wallets[1], Balance: 800},
			{Owner: wallets[0], Balance: 500},
			{Owner: wallets[0], Balance: 400},
		}, got)

		// The registry merges the wallet's two accounts and drops the pool vault.
		ranked, err := holders.Refresh(got, 2, holders.DirectTransferEligible)
		require.NoError(t, err)
		require.Equal(t, wallets[0], ranked[0].Address)
		require.Equal(t, uint64(900), ranked[0].Balance)
		require.Equal(t, wallets[1], ranked[1].Address)

		got, err = src.TopHolders(context.Background(), 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("skips accounts closed after indexing", func(t *testing.T) {
		t.Parallel()

		mint := rptesting.NewWallet(t)
		owner := rptesting.NewWallet(t)
		rpc := newLargestMock(mint, []position{{tokenAccount: rptesting.NewWallet(t), owner: owner, amount: 10}})
		inner := rpc.getTokenLargestAccountsFunc
		rpc.getTokenLargestAccountsFunc = func(ctx context.Context, m solana.PublicKey, c solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error) {
			res, err := inner(ctx, m, c)
			res.Value = append(res.Value, &solanarpc.TokenLargestAccountsResult{Address: rptesting.NewWallet(t)})
			return res, err
		}
		src, err := sol.NewBalanceSource(sol.Config{Logger: rptesting.NewLogger(), RPC: rpc, Mint: mint})
		require.NoError(t, err)

		got, err := src.TopHolders(context.Background(), 5)
		require.NoError(t, err)
		require.Equal(t, []holders.Candidate{{Owner: owner, Balance: 10}}, got)
	})

	t.Run("rejects accounts of another mint", func(t *testing.T) {
		t.Parallel()

		mint := rptesting.NewWallet(t)
		rpc := newLargestMock(rptesting.NewWallet(t), []position{{tokenAccount: rptesting.NewWallet(t), owner: rptesting.NewWallet(t), amount: 10}})
		src, err := sol.NewBalanceSource(sol.Config{Logger: rptesting.NewLogger(), RPC: rpc, Mint: mint})
		require.NoError(t, err)

		_, err = src.TopHolders(context.Background(), 5)
		require.ErrorIs(t, err, poolerr.ErrBalanceSourceUnavailable)
	})

	t.Run("rpc failure is retryable", func(t *testing.T) {
		t.Parallel()

		rpc := &mockSolanaRPC{
			getTokenLargestAccountsFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error) {
				return nil, errors.New("503 service unavailable")
			},
		}
		src, err := sol.NewBalanceSource(sol.Config{Logger: rptesting.NewLogger(), RPC: rpc, Mint: rptesting.NewWallet(t)})
		require.NoError(t, err)

		_, err = src.TopHolders(context.Background(), 5)
		require.ErrorIs(t, err, poolerr.ErrBalanceSourceUnavailable)
		require.True(t, poolerr.IsRetryable(err))
	})
}

func TestRewardPool_Sol_BalanceSource_FullScan(t *testing.T) {
	t.Parallel()

	mint := rptesting.NewWallet(t)
	wallets := rptesting.NewWallets(t, 30)

	var calls atomic.Int32
	rpc := &mockSolanaRPC{
		getProgramAccountsFunc: func(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
			calls.Add(1)
			if program != solana.TokenProgramID {
				return nil, errors.New("unexpected program")
			}
			if len(opts.Filters) != 2 || opts.Filters[0].DataSize != sol.TokenAccountSize {
				return nil, errors.New("unexpected filters")
			}
			var res solanarpc.GetProgramAccountsResult
			for i, w := range wallets {
				res = append(res, &solanarpc.KeyedAccount{
					Pubkey: rptesting.NewWallet(t),
					Account: &solanarpc.Account{
						Data: solanarpc.DataBytesOrJSONFromBytes(tokenAccountData(mint, w, uint64(i))),
					},
				})
			}
			return res, nil
		},
	}
	src, err := sol.NewBalanceSource(sol.Config{
		Logger:            rptesting.NewLogger(),
		RPC:               rpc,
		Mint:              mint,
		FullScan:          true,
		RequestsPerSecond: 100,
	})
	require.NoError(t, err)

	got, err := src.TopHolders(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, got, 25)
	require.Equal(t, wallets[29], got[0].Owner)
	require.Equal(t, uint64(29), got[0].Balance)
	// The zero balance account is dropped.
	require.Equal(t, uint64(5), got[24].Balance)
	require.Equal(t, int32(1), calls.Load())
}

func TestRewardPool_Sol_BalanceSource_ScansAboveLargestCap(t *testing.T) {
	t.Parallel()

	mint := rptesting.NewWallet(t)
	wallets := rptesting.NewWallets(t, 40)
	amm := rptesting.NewProgramAddress(t, "amm")

	var largestCalls, scanCalls atomic.Int32
	rpc := &mockSolanaRPC{
		getTokenLargestAccountsFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error) {
			largestCalls.Add(1)
			return &solanarpc.GetTokenLargestAccountsResult{}, nil
		},
		getProgramAccountsFunc: func(context.Context, solana.PublicKey, *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error) {
			scanCalls.Add(1)
			res := solanarpc.GetProgramAccountsResult{&solanarpc.KeyedAccount{
				Pubkey:  rptesting.NewWallet(t),
				Account: &solanarpc.Account{Data: solanarpc.DataBytesOrJSONFromBytes(tokenAccountData(mint, amm, 1_000_000))},
			}}
			for i, w := range wallets {
				res = append(res, &solanarpc.KeyedAccount{
					Pubkey:  rptesting.NewWallet(t),
					Account: &solanarpc.Account{Data: solanarpc.DataBytesOrJSONFromBytes(tokenAccountData(mint, w, uint64(1_000+i)))},
				})
			}
			return res, nil
		},
	}
	src, err := sol.NewBalanceSource(sol.Config{Logger: rptesting.NewLogger(), RPC: rpc, Mint: mint})
	require.NoError(t, err)

	// 20 holders oversampled by 3.
	got, err := src.TopHolders(context.Background(), 60)
	require.NoError(t, err)
	require.Len(t, got, 41)
	require.Equal(t, int32(1), scanCalls.Load())
	require.Equal(t, int32(0), largestCalls.Load())

	// An AMM vault in the ranking still leaves a full holder list.
	ranked, err := holders.Refresh(got, 20, holders.DirectTransferEligible)
	require.NoError(t, err)
	require.Len(t, ranked, 20)
	require.Equal(t, wallets[39], ranked[0].Address)

	// Small requests keep using the largest accounts index.
	_, err = src.TopHolders(context.Background(), 20)
	require.NoError(t, err)
	require.Equal(t, int32(1), largestCalls.Load())
	require.Equal(t, int32(1), scanCalls.Load())
}

func TestRewardPool_Sol_BalanceSource_Balance(t *testing.T) {
	t.Parallel()

	vault := rptesting.NewProgramAddress(t, "vault")
	rpc := &mockSolanaRPC{
		getBalanceFunc: func(ctx context.Context, account solana.PublicKey, _ solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
			if account != vault {
				return nil, errors.New("unexpected account")
			}
			return &solanarpc.GetBalanceResult{Value: 1_234}, nil
		},
	}
	src, err := sol.NewBalanceSource(sol.Config{Logger: rptesting.NewLogger(), RPC: rpc, Mint: rptesting.NewWallet(t)})
	require.NoError(t, err)

	bal, err := src.Balance(context.Background(), vault)
	require.NoError(t, err)
	require.Equal(t, uint64(1_234), bal)
}

func TestRewardPool_Sol_DecodeTokenAccount(t *testing.T) {
	t.Parallel()

	mint, owner := rptesting.NewWallet(t), rptesting.NewWallet(t)
	acct, err := sol.DecodeTokenAccount(tokenAccountData(mint, owner, 42))
	require.NoError(t, err)
	require.Equal(t, mint, acct.Mint)
	require.Equal(t, owner, acct.Owner)
	require.Equal(t, uint64(42), acct.Amount)

	_, err = sol.DecodeTokenAccount(make([]byte, 10))
	require.Error(t, err)
}
