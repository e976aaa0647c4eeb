// Package program implements the reward pool instructions. Each operation
// is one atomic request against the ledger substrate: it loads the pool
// record, validates authority and funds, and either commits every effect or
// none.
package program

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/rewardpool/pool/pkg/distribution"
	"github.com/malbeclabs/rewardpool/pool/pkg/holders"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/metrics"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

const (
	memoInitialize = "initialize"
	memoDeposit    = "deposit"
	memoDistribute = "distribute"
	memoWithdraw   = "withdraw"
)

type Config struct {
	Logger         *slog.Logger
	Ledger         ledger.Substrate
	Addresses      ledger.Addresses
	MinimumReserve uint64
	// Eligible defaults to holders.DirectTransferEligible.
	Eligible holders.Eligibility
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Addresses.Pool.IsZero() || cfg.Addresses.Vault.IsZero() {
		return errors.New("pool and vault addresses are required")
	}
	if cfg.Addresses.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Eligible == nil {
		cfg.Eligible = holders.DirectTransferEligible
	}
	return nil
}

type Program struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Program, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Program{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (p *Program) Addresses() ledger.Addresses {
	return p.cfg.Addresses
}

func (p *Program) MinimumReserve() uint64 {
	return p.cfg.MinimumReserve
}

type InitializeParams struct {
	Payer                    solana.PublicKey
	Owner                    solana.PublicKey
	Mode                     ledger.Mode
	MaxHolders               uint8
	PermissionlessDistribute bool
}

// InitializePool creates the pool record and funds the vault up to the
// minimum reserve from the payer.
func (p *Program) InitializePool(ctx context.Context, params InitializeParams) (*ledger.Pool, error) {
	var created *ledger.Pool
	err := p.update(ctx, "initialize", func(tx ledger.Tx) error {
		if params.Owner.IsZero() {
			return fmt.Errorf("%w: owner is required", poolerr.ErrUnauthorized)
		}
		if !params.Mode.Valid() {
			return poolerr.ErrUnknownMode
		}
		maxHolders := params.MaxHolders
		if maxHolders == 0 {
			maxHolders = ledger.HardMaxHolders
		}
		if maxHolders > ledger.HardMaxHolders {
			return fmt.Errorf("%w: max holders %d exceeds %d", poolerr.ErrHolderListTooLarge, maxHolders, ledger.HardMaxHolders)
		}

		existing, err := tx.Account(p.cfg.Addresses.Pool)
		if err != nil {
			return err
		}
		if existing != nil {
			return poolerr.ErrAlreadyInitialized
		}

		pool := &ledger.Pool{
			Owner:                    params.Owner,
			TokenMint:                p.cfg.Addresses.TokenMint,
			Mode:                     params.Mode,
			MaxHolders:               maxHolders,
			PermissionlessDistribute: params.PermissionlessDistribute,
			TopHolders:               []ledger.Holder{},
			Bump:                     p.cfg.Addresses.PoolBump,
			VaultBump:                p.cfg.Addresses.VaultBump,
		}
		data, err := ledger.EncodePool(pool)
		if err != nil {
			return err
		}
		if err := tx.CreateAccount(p.cfg.Addresses.Pool, p.cfg.Addresses.ProgramID, data); err != nil {
			if errors.Is(err, ledger.ErrAccountExists) {
				return poolerr.ErrAlreadyInitialized
			}
			return err
		}

		vaultBalance, err := ledger.Balance(tx, p.cfg.Addresses.Vault)
		if err != nil {
			return err
		}
		if vaultBalance < p.cfg.MinimumReserve {
			if err := tx.Transfer(params.Payer, p.cfg.Addresses.Vault, p.cfg.MinimumReserve-vaultBalance, memoInitialize); err != nil {
				return fmt.Errorf("failed to fund vault reserve: %w", err)
			}
		}
		created = pool
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pool: %w", err)
	}

	p.log.Info("program: pool initialized",
		"pool", p.cfg.Addresses.Pool,
		"vault", p.cfg.Addresses.Vault,
		"owner", params.Owner,
		"mode", created.Mode,
		"max_holders", created.MaxHolders,
		"permissionless_distribute", created.PermissionlessDistribute)
	return created, nil
}

// UpdateTopHolders replaces the registered holder list wholesale.
func (p *Program) UpdateTopHolders(ctx context.Context, authority solana.PublicKey, list []ledger.Holder) error {
	err := p.update(ctx, "update_top_holders", func(tx ledger.Tx) error {
		pool, err := ledger.LoadPool(tx, p.cfg.Addresses.Pool)
		if err != nil {
			return err
		}
		if authority != pool.Owner {
			return poolerr.ErrUnauthorized
		}
		if len(list) > int(pool.MaxHolders) {
			return fmt.Errorf("%w: %d > %d", poolerr.ErrHolderListTooLarge, len(list), pool.MaxHolders)
		}
		if dup, ok := holders.FindDuplicate(list); ok {
			return fmt.Errorf("%w: %s", poolerr.ErrDuplicateHolder, dup)
		}
		for _, h := range list {
			if !p.cfg.Eligible(h.Address) {
				return fmt.Errorf("%w: %s cannot receive direct transfers", poolerr.ErrRecipientValidationFailed, h.Address)
			}
		}

		sorted := append([]ledger.Holder{}, list...)
		holders.SortDescending(sorted)
		pool.TopHolders = sorted
		return ledger.StorePool(tx, p.cfg.Addresses.Pool, pool)
	})
	if err != nil {
		return fmt.Errorf("failed to update top holders: %w", err)
	}
	metrics.RegisteredHolders.Set(float64(len(list)))
	p.log.Info("program: updated top holders", "count", len(list))
	return nil
}

// RecordDeposit moves amount from depositor into the vault and counts it as
// received rewards.
func (p *Program) RecordDeposit(ctx context.Context, depositor solana.PublicKey, amount uint64) error {
	err := p.update(ctx, "record_deposit", func(tx ledger.Tx) error {
		if amount == 0 {
			return poolerr.ErrInvalidAmount
		}
		pool, err := ledger.LoadPool(tx, p.cfg.Addresses.Pool)
		if err != nil {
			return err
		}
		received, err := checkedAdd(pool.TotalRewardsReceived, amount)
		if err != nil {
			return err
		}
		if err := tx.Transfer(depositor, p.cfg.Addresses.Vault, amount, memoDeposit); err != nil {
			return err
		}
		pool.TotalRewardsReceived = received
		return ledger.StorePool(tx, p.cfg.Addresses.Pool, pool)
	})
	if err != nil {
		return fmt.Errorf("failed to record deposit: %w", err)
	}
	p.log.Info("program: recorded deposit", "depositor", depositor, "amount", amount)
	return nil
}

// Receipt describes a committed distribution.
type Receipt struct {
	distribution.Result
	Spendable        uint64 `json:"spendable"`
	VaultBalance     uint64 `json:"vault_balance"`
	TotalDistributed uint64 `json:"total_distributed"`
}

// DistributeRewards pays the spendable vault balance out to the registered
// holders. recipients are the accounts attached to the request and must match
// the registered holders one for one. Any mismatch aborts the whole request.
func (p *Program) DistributeRewards(ctx context.Context, authority solana.PublicKey, recipients []solana.PublicKey) (*Receipt, error) {
	var receipt *Receipt
	err := p.update(ctx, "distribute_rewards", func(tx ledger.Tx) error {
		pool, err := ledger.LoadPool(tx, p.cfg.Addresses.Pool)
		if err != nil {
			return err
		}
		if !pool.PermissionlessDistribute && authority != pool.Owner {
			return poolerr.ErrUnauthorized
		}

		vaultBalance, err := ledger.Balance(tx, p.cfg.Addresses.Vault)
		if err != nil {
			return err
		}
		spendable := ledger.Spendable(vaultBalance, p.cfg.MinimumReserve)
		if spendable == 0 {
			return fmt.Errorf("%w: vault holds %d lamports, reserve is %d", poolerr.ErrInsufficientFunds, vaultBalance, p.cfg.MinimumReserve)
		}
		if len(pool.TopHolders) == 0 {
			return poolerr.ErrEmptyHolderSet
		}
		if err := p.validateRecipients(pool.TopHolders, recipients); err != nil {
			return err
		}

		res, err := distribution.ComputeShares(spendable, pool.TopHolders, pool.Mode)
		if err != nil {
			return err
		}
		paid := res.Sum()
		if paid == 0 {
			return fmt.Errorf("%w: %d lamports is too small to split across %d holders", poolerr.ErrInsufficientFunds, spendable, len(pool.TopHolders))
		}

		observed, err := checkedAdd(spendable, pool.TotalDistributed)
		if err != nil {
			return err
		}
		if observed, err = checkedAdd(observed, pool.TotalWithdrawn); err != nil {
			return err
		}
		distributed, err := checkedAdd(pool.TotalDistributed, paid)
		if err != nil {
			return err
		}

		for _, payout := range res.Payouts {
			if payout.Amount == 0 {
				continue
			}
			if err := tx.Transfer(p.cfg.Addresses.Vault, payout.Address, payout.Amount, memoDistribute); err != nil {
				return err
			}
		}

		// Funds that reached the vault without a deposit call are only seen
		// here, so the counter catches up before it is compared to payouts.
		if observed > pool.TotalRewardsReceived {
			pool.TotalRewardsReceived = observed
		}
		pool.TotalDistributed = distributed
		if err := ledger.StorePool(tx, p.cfg.Addresses.Pool, pool); err != nil {
			return err
		}

		receipt = &Receipt{
			Result:           res,
			Spendable:        spendable,
			VaultBalance:     vaultBalance,
			TotalDistributed: distributed,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to distribute rewards: %w", err)
	}

	p.log.Info("program: distributed rewards",
		"mode", receipt.Mode,
		"holders", len(receipt.Payouts),
		"distributed", receipt.Sum(),
		"remainder", receipt.Remainder,
		"total_distributed", receipt.TotalDistributed)
	return receipt, nil
}

func (p *Program) validateRecipients(registered []ledger.Holder, recipients []solana.PublicKey) error {
	if len(recipients) != len(registered) {
		return fmt.Errorf("%w: %d recipient accounts for %d holders", poolerr.ErrRecipientValidationFailed, len(recipients), len(registered))
	}
	for i, h := range registered {
		if recipients[i] != h.Address {
			return fmt.Errorf("%w: recipient %d is %s, expected %s", poolerr.ErrRecipientValidationFailed, i, recipients[i], h.Address)
		}
		if !p.cfg.Eligible(recipients[i]) {
			return fmt.Errorf("%w: %s cannot receive direct transfers", poolerr.ErrRecipientValidationFailed, recipients[i])
		}
	}
	return nil
}

// OwnerWithdraw drains amount from the vault to the owner. Withdrawals are
// counted in TotalWithdrawn, never in TotalDistributed.
func (p *Program) OwnerWithdraw(ctx context.Context, owner solana.PublicKey, amount uint64) error {
	err := p.update(ctx, "owner_withdraw", func(tx ledger.Tx) error {
		if amount == 0 {
			return poolerr.ErrInvalidAmount
		}
		pool, err := ledger.LoadPool(tx, p.cfg.Addresses.Pool)
		if err != nil {
			return err
		}
		if owner != pool.Owner {
			return poolerr.ErrUnauthorized
		}
		vaultBalance, err := ledger.Balance(tx, p.cfg.Addresses.Vault)
		if err != nil {
			return err
		}
		if spendable := ledger.Spendable(vaultBalance, p.cfg.MinimumReserve); amount > spendable {
			return fmt.Errorf("%w: requested %d, spendable %d", poolerr.ErrInsufficientFunds, amount, spendable)
		}
		withdrawn, err := checkedAdd(pool.TotalWithdrawn, amount)
		if err != nil {
			return err
		}
		if err := tx.Transfer(p.cfg.Addresses.Vault, owner, amount, memoWithdraw); err != nil {
			return err
		}
		pool.TotalWithdrawn = withdrawn
		return ledger.StorePool(tx, p.cfg.Addresses.Pool, pool)
	})
	if err != nil {
		return fmt.Errorf("failed to withdraw: %w", err)
	}
	p.log.Warn("program: owner withdrew from vault", "owner", owner, "amount", amount)
	return nil
}

// State is a read-only snapshot of the pool and its vault.
type State struct {
	PoolAddress    solana.PublicKey `json:"pool_address"`
	VaultAddress   solana.PublicKey `json:"vault_address"`
	Pool           *ledger.Pool     `json:"pool"`
	VaultBalance   uint64           `json:"vault_balance"`
	Spendable      uint64           `json:"spendable"`
	MinimumReserve uint64           `json:"minimum_reserve"`
}

func (p *Program) State(ctx context.Context) (*State, error) {
	var state *State
	err := p.cfg.Ledger.View(ctx, func(tx ledger.Tx) error {
		pool, err := ledger.LoadPool(tx, p.cfg.Addresses.Pool)
		if err != nil {
			return err
		}
		vaultBalance, err := ledger.Balance(tx, p.cfg.Addresses.Vault)
		if err != nil {
			return err
		}
		state = &State{
			PoolAddress:    p.cfg.Addresses.Pool,
			VaultAddress:   p.cfg.Addresses.Vault,
			Pool:           pool,
			VaultBalance:   vaultBalance,
			Spendable:      ledger.Spendable(vaultBalance, p.cfg.MinimumReserve),
			MinimumReserve: p.cfg.MinimumReserve,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pool state: %w", err)
	}
	metrics.VaultBalanceLamports.Set(float64(state.VaultBalance))
	return state, nil
}

func (p *Program) update(ctx context.Context, op string, fn func(tx ledger.Tx) error) error {
	err := p.cfg.Ledger.Update(ctx, fn)
	metrics.ProgramOperationsTotal.WithLabelValues(op, poolerr.Code(err)).Inc()
	if err != nil {
		p.log.Debug("program: operation rejected", "operation", op, "code", poolerr.Code(err), "error", err)
	}
	return err
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, poolerr.ErrArithmeticOverflow
	}
	return sum, nil
}
