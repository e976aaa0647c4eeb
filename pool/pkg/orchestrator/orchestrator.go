// Package orchestrator runs distribution cycles: claim upstream fees into the
// vault, refresh the holder ranking and pay it out. Every step re-reads the
// ledger instead of trusting the previous step, so a cycle interrupted at any
// point can simply be run again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/distribution"
	"github.com/malbeclabs/rewardpool/pool/pkg/holders"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/metrics"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"github.com/malbeclabs/rewardpool/pool/pkg/program"
	"github.com/malbeclabs/rewardpool/utils/pkg/retry"
)

const DefaultOversampleFactor = 3

// FeeSource is the upstream protocol accruing fees for the pool.
type FeeSource interface {
	PendingFees(ctx context.Context) (uint64, error)
	// Claim moves pending fees into the vault and returns the amount moved.
	Claim(ctx context.Context) (uint64, error)
}

// BalanceSource reports token positions, largest first.
type BalanceSource interface {
	TopHolders(ctx context.Context, limit int) ([]holders.Candidate, error)
}

// Program is the pool state machine.
type Program interface {
	State(ctx context.Context) (*program.State, error)
	UpdateTopHolders(ctx context.Context, authority solana.PublicKey, list []ledger.Holder) error
	DistributeRewards(ctx context.Context, authority solana.PublicKey, recipients []solana.PublicKey) (*program.Receipt, error)
}

// Locker keeps a single cycle in flight.
type Locker interface {
	// TryLock returns poolerr.ErrCycleInProgress if the lock is held.
	TryLock(ctx context.Context) (unlock func(), err error)
}

// Recorder persists cycle reports.
type Recorder interface {
	RecordCycle(ctx context.Context, report *CycleReport) error
}

// LocalLocker guards cycles within one process.
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) TryLock(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, poolerr.ErrCycleInProgress
	}
	return l.mu.Unlock, nil
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Program  Program
	Fees     FeeSource
	Balances BalanceSource
	Locker   Locker
	Recorder Recorder // optional

	// Authority signs holder updates and distributions.
	Authority       solana.PublicKey
	RewardThreshold uint64
	// HolderLimit caps the ranking below the pool's MaxHolders; zero uses
	// MaxHolders.
	HolderLimit      int
	OversampleFactor int
	Eligible         holders.Eligibility
	Retry            retry.Config
	RefreshInterval  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Program == nil {
		return errors.New("program is required")
	}
	if cfg.Fees == nil {
		return errors.New("fee source is required")
	}
	if cfg.Balances == nil {
		return errors.New("balance source is required")
	}
	if cfg.Authority.IsZero() {
		return errors.New("authority is required")
	}
	if cfg.HolderLimit < 0 || cfg.HolderLimit > ledger.HardMaxHolders {
		return fmt.Errorf("holder limit must be between 0 and %d", ledger.HardMaxHolders)
	}
	if cfg.OversampleFactor < 0 {
		return errors.New("oversample factor must not be negative")
	}
	if cfg.RefreshInterval < 0 {
		return errors.New("refresh interval must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Locker == nil {
		cfg.Locker = &LocalLocker{}
	}
	if cfg.OversampleFactor == 0 {
		cfg.OversampleFactor = DefaultOversampleFactor
	}
	if cfg.Eligible == nil {
		cfg.Eligible = holders.DirectTransferEligible
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type Orchestrator struct {
	log *slog.Logger
	cfg Config

	mu         sync.RWMutex
	lastReport *CycleReport

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Ready reports whether at least one cycle has finished.
func (o *Orchestrator) Ready() bool {
	select {
	case <-o.readyCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) WaitReady(ctx context.Context) error {
	select {
	case <-o.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for first cycle: %w", ctx.Err())
	}
}

// LastReport returns the most recent finished cycle, or nil.
func (o *Orchestrator) LastReport() *CycleReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastReport
}

// Start runs a cycle immediately and then once per refresh interval until
// ctx is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	go func() {
		o.log.Info("orchestrator: starting cycle loop", "interval", o.cfg.RefreshInterval)

		o.safeRunCycle(ctx)

		ticker := o.cfg.Clock.NewTicker(o.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				o.safeRunCycle(ctx)
			}
		}
	}()
	return nil
}

func (o *Orchestrator) safeRunCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("orchestrator: cycle panicked", "panic", r)
			metrics.CyclesTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := o.RunCycle(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, poolerr.ErrCycleInProgress) {
			o.log.Info("orchestrator: previous cycle still running, skipping tick")
			return
		}
		o.log.Error("orchestrator: cycle failed", "step", poolerr.Step(err), "error", err)
	}
}

// RunCycle runs one distribution cycle. A cycle that ends early because
// there is nothing to do returns a skipped report and no error. A failed
// cycle returns its report together with a *poolerr.StepError.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	unlock, err := o.cfg.Locker.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report := &CycleReport{
		ID:        uuid.New(),
		StartedAt: o.cfg.Clock.Now().UTC(),
	}
	log := o.log.With("cycle", report.ID.String())
	log.Debug("orchestrator: cycle started")

	err = o.runSteps(ctx, log, report)
	o.finish(ctx, log, report, err)
	return report, err
}

func (o *Orchestrator) runSteps(ctx context.Context, log *slog.Logger, report *CycleReport) error {
	// 1. Pending fees. Spendable lamports already in the vault count toward
	// the threshold so that a cycle interrupted after claiming still pays out.
	var state *program.State
	if err := o.step(ctx, log, StepPendingFees, func(ctx context.Context) error {
		pending, err := o.cfg.Fees.PendingFees(ctx)
		if err != nil {
			return err
		}
		report.PendingFees = pending
		state, err = o.cfg.Program.State(ctx)
		return err
	}); err != nil {
		return err
	}
	if report.PendingFees < o.cfg.RewardThreshold && state.Spendable < o.cfg.RewardThreshold-report.PendingFees {
		log.Info("orchestrator: pending rewards below threshold",
			"pending", report.PendingFees,
			"spendable", state.Spendable,
			"threshold", o.cfg.RewardThreshold)
		report.Outcome = OutcomeSkipped
		report.SkipReason = poolerr.ErrThresholdNotMet.Code()
		return nil
	}

	// 2. Claim.
	if report.PendingFees > 0 {
		if err := o.step(ctx, log, StepClaim, func(ctx context.Context) error {
			claimed, err := o.cfg.Fees.Claim(ctx)
			if err != nil {
				return err
			}
			report.Claimed = claimed
			return nil
		}); err != nil {
			return err
		}
	}

	// 3. Refresh the ranking from the balance source.
	var ranked []ledger.Holder
	if err := o.step(ctx, log, StepRefreshHolders, func(ctx context.Context) error {
		st, err := o.cfg.Program.State(ctx)
		if err != nil {
			return err
		}
		limit := o.holderLimit(st.Pool)
		candidates, err := o.cfg.Balances.TopHolders(ctx, limit*o.cfg.OversampleFactor)
		if err != nil {
			return err
		}
		report.Candidates = len(candidates)
		ranked, err = holders.Refresh(candidates, limit, o.cfg.Eligible)
		return err
	}); err != nil {
		if !errors.Is(err, poolerr.ErrEmptyCandidateSet) {
			return err
		}
		// Keep paying the registered list rather than replacing it with
		// nothing.
		log.Warn("orchestrator: no eligible holders from balance source, keeping registered list")
		ranked = nil
	}

	// 4. Update the registered list when it changed.
	if ranked != nil {
		if err := o.step(ctx, log, StepUpdateHolders, func(ctx context.Context) error {
			st, err := o.cfg.Program.State(ctx)
			if err != nil {
				return err
			}
			if holders.Equal(st.Pool.TopHolders, ranked) {
				log.Debug("orchestrator: holders unchanged, skipping update")
				return nil
			}
			if err := o.cfg.Program.UpdateTopHolders(ctx, o.cfg.Authority, ranked); err != nil {
				return err
			}
			report.HoldersUpdated = true
			return nil
		}); err != nil {
			return err
		}
	}

	// 5. Distribute to the list as registered on the ledger.
	return o.step(ctx, log, StepDistribute, func(ctx context.Context) error {
		st, err := o.cfg.Program.State(ctx)
		if err != nil {
			return err
		}
		report.Mode = st.Pool.Mode
		report.Holders = st.Pool.TopHolders
		report.Spendable = st.Spendable
		report.TotalDistributed = st.Pool.TotalDistributed
		if st.Spendable == 0 || !paysOut(st) {
			report.Outcome = OutcomeSkipped
			report.SkipReason = SkipNothingToPay
			return nil
		}

		receipt, err := o.cfg.Program.DistributeRewards(ctx, o.cfg.Authority, st.Pool.HolderAddresses())
		if err != nil {
			return err
		}
		report.Outcome = OutcomeDistributed
		report.Payouts = receipt.Payouts
		report.Spendable = receipt.Spendable
		report.Distributed = receipt.Sum()
		report.Remainder = receipt.Remainder
		report.TotalDistributed = receipt.TotalDistributed
		return nil
	})
}

// paysOut reports whether splitting the spendable balance gives any holder a
// non-zero amount. Errors are left for DistributeRewards to report.
func paysOut(st *program.State) bool {
	res, err := distribution.ComputeShares(st.Spendable, st.Pool.TopHolders, st.Pool.Mode)
	return err != nil || res.Sum() > 0
}

func (o *Orchestrator) holderLimit(pool *ledger.Pool) int {
	limit := int(pool.MaxHolders)
	if o.cfg.HolderLimit > 0 && o.cfg.HolderLimit < limit {
		limit = o.cfg.HolderLimit
	}
	return limit
}

// step runs fn under the retry policy. Transient errors are retried; ledger
// violations fail the step at once.
func (o *Orchestrator) step(ctx context.Context, log *slog.Logger, name string, fn func(ctx context.Context) error) error {
	start := o.cfg.Clock.Now()
	cfg := o.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		metrics.StepRetriesTotal.WithLabelValues(name).Inc()
		log.Warn("orchestrator: retrying step", "step", name, "attempt", attempt, "backoff", backoff.String(), "error", err)
	}
	err := retry.Do(ctx, cfg, fn)
	metrics.StepDuration.WithLabelValues(name).Observe(o.cfg.Clock.Since(start).Seconds())
	if err != nil {
		return &poolerr.StepError{Step: name, Err: err}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, report *CycleReport, err error) {
	report.FinishedAt = o.cfg.Clock.Now().UTC()
	if err != nil {
		report.Outcome = OutcomeFailed
		report.FailedStep = poolerr.Step(err)
		report.ErrorCode = poolerr.Code(err)
		report.Error = err.Error()
	}

	metrics.CyclesTotal.WithLabelValues(string(report.Outcome)).Inc()
	metrics.CycleDuration.Observe(report.Duration().Seconds())
	if report.Outcome == OutcomeDistributed {
		metrics.DistributedLamportsTotal.Add(float64(report.Distributed))
	}

	switch report.Outcome {
	case OutcomeDistributed:
		log.Info("orchestrator: cycle completed",
			"outcome", report.Outcome,
			"claimed", report.Claimed,
			"holders", len(report.Payouts),
			"distributed", report.Distributed,
			"remainder", report.Remainder,
			"holders_updated", report.HoldersUpdated,
			"duration", report.Duration().String())
	case OutcomeSkipped:
		log.Info("orchestrator: cycle skipped", "reason", report.SkipReason, "pending", report.PendingFees)
	default:
		log.Error("orchestrator: cycle failed", "step", report.FailedStep, "code", report.ErrorCode, "error", report.Error)
	}

	if o.cfg.Recorder != nil {
		// Recording must not be cut short by the cycle's own cancellation.
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.cfg.Recorder.RecordCycle(recCtx, report); err != nil {
			log.Warn("orchestrator: failed to record cycle", "error", err)
		}
	}

	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()
	o.readyOnce.Do(func() { close(o.readyCh) })
}
