// Package sol reads token holder balances from a Solana RPC node.
package sol

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/rewardpool/pool/pkg/holders"
	"github.com/malbeclabs/rewardpool/pool/pkg/metrics"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// TokenAccountSize is the length of an SPL token account.
	TokenAccountSize = 165

	// maxMultipleAccounts is the per-request cap of getMultipleAccounts.
	maxMultipleAccounts = 100

	// largestAccountsCap is how many accounts getTokenLargestAccounts returns.
	largestAccountsCap = 20
)

// SolanaRPC is the subset of the RPC client used to read balances.
type SolanaRPC interface {
	GetTokenLargestAccounts(ctx context.Context, mint solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetTokenLargestAccountsResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *solanarpc.GetMultipleAccountsOpts) (*solanarpc.GetMultipleAccountsResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
}

type Config struct {
	Logger     *slog.Logger
	RPC        SolanaRPC
	Mint       solana.PublicKey
	Commitment solanarpc.CommitmentType
	// FullScan always reads every token account of the mint. Without it the
	// largest accounts index is used and requests above its cap of 20 fall
	// back to a scan.
	FullScan bool
	// RequestsPerSecond limits RPC calls; zero disables limiting.
	RequestsPerSecond float64
	Concurrency       int
	RequestTimeout    time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("token mint is required")
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	return nil
}

// BalanceSource ranks holders of one SPL token by balance.
type BalanceSource struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func NewBalanceSource(cfg Config) (*BalanceSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}
	return &BalanceSource{log: cfg.Logger, cfg: cfg, limiter: limiter}, nil
}

// TopHolders returns up to limit token positions keyed by owning wallet,
// largest first. An owner holding several token accounts appears once per
// account.
func (s *BalanceSource) TopHolders(ctx context.Context, limit int) ([]holders.Candidate, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}
	var (
		out []holders.Candidate
		err error
	)
	switch {
	case s.cfg.FullScan:
		out, err = s.scan(ctx)
	case limit > largestAccountsCap:
		s.log.Warn("sol: largest accounts index is capped, scanning all token accounts", "requested", limit, "cap", largestAccountsCap)
		out, err = s.scan(ctx)
	default:
		out, err = s.largest(ctx)
	}
	if err != nil {
		return nil, poolerr.Wrap(poolerr.ErrBalanceSourceUnavailable, err)
	}
	sortCandidates(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// largest reads the largest token accounts and resolves their owners.
func (s *BalanceSource) largest(ctx context.Context) ([]holders.Candidate, error) {
	var res *solanarpc.GetTokenLargestAccountsResult
	err := s.call(ctx, "getTokenLargestAccounts", func(ctx context.Context) error {
		var err error
		res, err = s.cfg.RPC.GetTokenLargestAccounts(ctx, s.cfg.Mint, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get largest token accounts: %w", err)
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}

	tokenAccounts := make([]solana.PublicKey, 0, len(res.Value))
	for _, acct := range res.Value {
		if acct == nil {
			continue
		}
		tokenAccounts = append(tokenAccounts, acct.Address)
	}

	decoded, err := s.fetchTokenAccounts(ctx, tokenAccounts)
	if err != nil {
		return nil, err
	}

	out := make([]holders.Candidate, 0, len(decoded))
	for _, acct := range res.Value {
		if acct == nil {
			continue
		}
		ta, ok := decoded[acct.Address]
		if !ok {
			continue
		}
		if ta.Amount == 0 {
			continue
		}
		out = append(out, holders.Candidate{Owner: ta.Owner, Balance: ta.Amount})
	}
	return out, nil
}

// fetchTokenAccounts loads and decodes token accounts in concurrent batches.
func (s *BalanceSource) fetchTokenAccounts(ctx context.Context, addrs []solana.PublicKey) (map[solana.PublicKey]*token.Account, error) {
	var (
		mu  sync.Mutex
		out = make(map[solana.PublicKey]*token.Account, len(addrs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for start := 0; start < len(addrs); start += maxMultipleAccounts {
		batch := addrs[start:min(start+maxMultipleAccounts, len(addrs))]
		g.Go(func() error {
			var res *solanarpc.GetMultipleAccountsResult
			err := s.call(gctx, "getMultipleAccounts", func(ctx context.Context) error {
				var err error
				res, err = s.cfg.RPC.GetMultipleAccountsWithOpts(ctx, batch, &solanarpc.GetMultipleAccountsOpts{
					Encoding:   solana.EncodingBase64,
					Commitment: s.cfg.Commitment,
				})
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to get token accounts: %w", err)
			}
			if res == nil || len(res.Value) != len(batch) {
				return fmt.Errorf("unexpected account count in response")
			}
			for i, acct := range res.Value {
				if acct == nil || acct.Data == nil {
					// Closed since the index was read.
					continue
				}
				ta, err := DecodeTokenAccount(acct.Data.GetBinary())
				if err != nil {
					return fmt.Errorf("failed to decode token account %s: %w", batch[i], err)
				}
				if ta.Mint != s.cfg.Mint {
					return fmt.Errorf("token account %s belongs to mint %s", batch[i], ta.Mint)
				}
				mu.Lock()
				out[batch[i]] = ta
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// scan reads every token account of the mint.
func (s *BalanceSource) scan(ctx context.Context) ([]holders.Candidate, error) {
	var res solanarpc.GetProgramAccountsResult
	err := s.call(ctx, "getProgramAccounts", func(ctx context.Context) error {
		var err error
		res, err = s.cfg.RPC.GetProgramAccountsWithOpts(ctx, solana.TokenProgramID, &solanarpc.GetProgramAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: s.cfg.Commitment,
			Filters: []solanarpc.RPCFilter{
				{DataSize: TokenAccountSize},
				{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(s.cfg.Mint.Bytes())}},
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan token accounts: %w", err)
	}

	out := make([]holders.Candidate, 0, len(res))
	for _, keyed := range res {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		ta, err := DecodeTokenAccount(keyed.Account.Data.GetBinary())
		if err != nil {
			return nil, fmt.Errorf("failed to decode token account %s: %w", keyed.Pubkey, err)
		}
		if ta.Amount == 0 {
			continue
		}
		out = append(out, holders.Candidate{Owner: ta.Owner, Balance: ta.Amount})
	}
	return out, nil
}

// Balance returns the lamport balance of addr.
func (s *BalanceSource) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	var res *solanarpc.GetBalanceResult
	err := s.call(ctx, "getBalance", func(ctx context.Context) error {
		var err error
		res, err = s.cfg.RPC.GetBalance(ctx, addr, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return 0, poolerr.Wrap(poolerr.ErrBalanceSourceUnavailable, fmt.Errorf("failed to get balance of %s: %w", addr, err))
	}
	return res.Value, nil
}

func (s *BalanceSource) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	err := fn(ctx)
	metrics.RecordRPC(method, err)
	return err
}

// DecodeTokenAccount decodes SPL token account data.
func DecodeTokenAccount(data []byte) (*token.Account, error) {
	if len(data) < TokenAccountSize {
		return nil, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	var acct token.Account
	if err := acct.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, err
	}
	return &acct, nil
}

// sortCandidates orders by balance descending, keeping response order for
// equal balances.
func sortCandidates(c []holders.Candidate) {
	slices.SortStableFunc(c, func(a, b holders.Candidate) int {
		return cmp.Compare(b.Balance, a.Balance)
	})
}
