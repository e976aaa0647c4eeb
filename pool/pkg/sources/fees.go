// Package sources provides fee and holder balance sources that live on the
// same ledger substrate as the pool.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/metrics"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

const memoClaim = "claim"

// LedgerFeeSource models the upstream fee protocol as an account on the
// ledger. Claiming sweeps the whole account into the vault without going
// through the pool program, the same way upstream payouts arrive.
type LedgerFeeSource struct {
	log     *slog.Logger
	ledger  ledger.Substrate
	account solana.PublicKey
	vault   solana.PublicKey
}

func NewLedgerFeeSource(log *slog.Logger, l ledger.Substrate, account, vault solana.PublicKey) (*LedgerFeeSource, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if account.IsZero() || vault.IsZero() {
		return nil, errors.New("fee account and vault are required")
	}
	if account == vault {
		return nil, errors.New("fee account must differ from vault")
	}
	return &LedgerFeeSource{log: log, ledger: l, account: account, vault: vault}, nil
}

// Account is the upstream fee account.
func (s *LedgerFeeSource) Account() solana.PublicKey {
	return s.account
}

func (s *LedgerFeeSource) PendingFees(ctx context.Context) (uint64, error) {
	var pending uint64
	err := s.ledger.View(ctx, func(tx ledger.Tx) error {
		var err error
		pending, err = ledger.Balance(tx, s.account)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read pending fees: %w", err)
	}
	metrics.PendingFeesLamports.Set(float64(pending))
	return pending, nil
}

// Claim moves every pending lamport into the vault and returns the amount
// moved. Claiming an empty account is a no-op, so repeating it is safe.
func (s *LedgerFeeSource) Claim(ctx context.Context) (uint64, error) {
	var claimed uint64
	err := s.ledger.Update(ctx, func(tx ledger.Tx) error {
		pending, err := ledger.Balance(tx, s.account)
		if err != nil {
			return err
		}
		claimed = pending
		if pending == 0 {
			return nil
		}
		return tx.Transfer(s.account, s.vault, pending, memoClaim)
	})
	if err != nil {
		return 0, poolerr.Wrap(poolerr.ErrUpstreamClaimFailed, err)
	}
	s.log.Debug("sources: claimed upstream fees", "amount", claimed, "vault", s.vault)
	return claimed, nil
}

// FeeAccrual credits the upstream fee account on a schedule, standing in for
// trading fees in simulation runs.
type FeeAccrual struct {
	log      *slog.Logger
	faucet   ledger.Faucet
	clock    clockwork.Clock
	account  solana.PublicKey
	amount   uint64
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewFeeAccrual(log *slog.Logger, faucet ledger.Faucet, clock clockwork.Clock, account solana.PublicKey, amount uint64, interval time.Duration) (*FeeAccrual, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if faucet == nil {
		return nil, errors.New("faucet is required")
	}
	if interval <= 0 {
		return nil, errors.New("accrual interval must be greater than 0")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FeeAccrual{
		log:      log,
		faucet:   faucet,
		clock:    clock,
		account:  account,
		amount:   amount,
		interval: interval,
		last:     clock.Now(),
	}, nil
}

// Seed credits the fee account once, immediately.
func (a *FeeAccrual) Seed(ctx context.Context, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := a.faucet.Airdrop(ctx, a.account, amount); err != nil {
		return fmt.Errorf("failed to seed fee account: %w", err)
	}
	a.log.Info("sources: seeded simulated fees", "account", a.account, "amount", amount)
	return nil
}

// Accrue credits one amount per whole interval elapsed since the previous
// accrual and returns the total credited.
func (a *FeeAccrual) Accrue(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	periods := uint64(a.clock.Since(a.last) / a.interval)
	if periods == 0 || a.amount == 0 {
		return 0, nil
	}
	total := periods * a.amount
	if total/periods != a.amount {
		return 0, poolerr.ErrArithmeticOverflow
	}
	if err := a.faucet.Airdrop(ctx, a.account, total); err != nil {
		return 0, fmt.Errorf("failed to accrue simulated fees: %w", err)
	}
	a.last = a.last.Add(time.Duration(periods) * a.interval)
	a.log.Debug("sources: accrued simulated fees", "periods", periods, "amount", total)
	return total, nil
}

// SimulatedFeeSource accrues simulated fees before reporting them.
type SimulatedFeeSource struct {
	*LedgerFeeSource
	accrual *FeeAccrual
}

func NewSimulatedFeeSource(src *LedgerFeeSource, accrual *FeeAccrual) *SimulatedFeeSource {
	return &SimulatedFeeSource{LedgerFeeSource: src, accrual: accrual}
}

func (s *SimulatedFeeSource) PendingFees(ctx context.Context) (uint64, error) {
	if _, err := s.accrual.Accrue(ctx); err != nil {
		return 0, err
	}
	return s.LedgerFeeSource.PendingFees(ctx)
}
