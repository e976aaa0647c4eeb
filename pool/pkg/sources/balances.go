package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/rewardpool/pool/pkg/holders"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
)

const memoFund = "fund"

// StaticBalances serves a fixed candidate list, largest balances first.
type StaticBalances struct {
	mu         sync.RWMutex
	candidates []holders.Candidate
}

func NewStaticBalances(candidates []holders.Candidate) *StaticBalances {
	s := &StaticBalances{}
	s.Set(candidates)
	return s
}

// Set replaces the candidate list.
func (s *StaticBalances) Set(candidates []holders.Candidate) {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b holders.Candidate) int {
		switch {
		case a.Balance > b.Balance:
			return -1
		case a.Balance < b.Balance:
			return 1
		default:
			return 0
		}
	})
	s.mu.Lock()
	s.candidates = sorted
	s.mu.Unlock()
}

// Candidates returns a copy of the full list.
func (s *StaticBalances) Candidates() []holders.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.candidates)
}

func (s *StaticBalances) TopHolders(ctx context.Context, limit int) ([]holders.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("invalid limit %d", limit)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.candidates[:min(limit, len(s.candidates))]), nil
}

// SimulationConfig describes a synthetic token distribution.
type SimulationConfig struct {
	Holders int
	// BaseBalance is the token balance of the smallest holder; larger holders
	// receive multiples of it.
	BaseBalance uint64
	// ProgramOwned is the number of off-curve holders mixed in, such as
	// liquidity pool vaults, which must never be paid.
	ProgramOwned int
	Seed         uint64
}

func (cfg *SimulationConfig) Validate() error {
	if cfg.Holders <= 0 {
		return errors.New("simulated holder count must be greater than 0")
	}
	if cfg.BaseBalance == 0 {
		return errors.New("simulated base balance must be greater than 0")
	}
	if cfg.ProgramOwned < 0 {
		return errors.New("simulated program-owned count must not be negative")
	}
	return nil
}

// Simulation is a synthetic holder set with deterministic balances.
type Simulation struct {
	*StaticBalances
	log     *slog.Logger
	wallets []solana.PublicKey
}

func NewSimulation(log *slog.Logger, cfg SimulationConfig) (*Simulation, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	candidates := make([]holders.Candidate, 0, cfg.Holders+cfg.ProgramOwned)
	wallets := make([]solana.PublicKey, 0, cfg.Holders)
	for i := range cfg.Holders {
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate simulated wallet: %w", err)
		}
		weight := uint64(cfg.Holders-i) + rng.Uint64N(uint64(cfg.Holders))
		wallets = append(wallets, key.PublicKey())
		candidates = append(candidates, holders.Candidate{Owner: key.PublicKey(), Balance: weight * cfg.BaseBalance})
	}
	for i := range cfg.ProgramOwned {
		addr, _, err := solana.FindProgramAddress([][]byte{[]byte("simulated-pool"), []byte(strconv.Itoa(i))}, solana.SystemProgramID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive simulated program address: %w", err)
		}
		// Liquidity vaults tend to hold the largest positions.
		candidates = append(candidates, holders.Candidate{Owner: addr, Balance: uint64(cfg.Holders*2) * cfg.BaseBalance})
	}

	return &Simulation{
		StaticBalances: NewStaticBalances(candidates),
		log:            log,
		wallets:        wallets,
	}, nil
}

// Wallets returns the simulated on-curve holder wallets.
func (s *Simulation) Wallets() []solana.PublicKey {
	return slices.Clone(s.wallets)
}

// Fund sends lamports from funder to every simulated wallet in one request,
// so each starts as an existing system account.
func (s *Simulation) Fund(ctx context.Context, l ledger.Substrate, funder solana.PublicKey, lamports uint64) error {
	if lamports == 0 {
		return nil
	}
	err := l.Update(ctx, func(tx ledger.Tx) error {
		for _, w := range s.wallets {
			if err := tx.Transfer(funder, w, lamports, memoFund); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to fund simulated wallets: %w", err)
	}
	s.log.Info("sources: funded simulated wallets", "wallets", len(s.wallets), "lamports", lamports)
	return nil
}
