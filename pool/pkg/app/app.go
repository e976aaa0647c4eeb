// Package app assembles a running reward pool from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/audit"
	"github.com/malbeclabs/rewardpool/pool/pkg/config"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger/pgledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/orchestrator"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
	"github.com/malbeclabs/rewardpool/pool/pkg/program"
	"github.com/malbeclabs/rewardpool/pool/pkg/server"
	"github.com/malbeclabs/rewardpool/pool/pkg/sol"
	"github.com/malbeclabs/rewardpool/pool/pkg/sources"
	"github.com/malbeclabs/rewardpool/utils/pkg/retry"
)

// Lock namespaces for Postgres advisory locks, keyed by pool address.
const (
	LedgerLockNamespace = "rewardpool-ledger"
	CycleLockNamespace  = "rewardpool-cycle"
)

// bootstrapLamports funds the generated authority of an in-memory pool.
const bootstrapLamports = 100 * solana.LAMPORTS_PER_SOL

// Ledger is a substrate that can also mint lamports, used for simulation.
type Ledger interface {
	ledger.Substrate
	ledger.Faucet
}

type App struct {
	log *slog.Logger
	cfg *config.Config

	Addresses    ledger.Addresses
	Authority    solana.PublicKey
	Ledger       Ledger
	Program      *program.Program
	Recorder     audit.Recorder
	Orchestrator *orchestrator.Orchestrator
	Server       *server.Server
	// Simulation is set when holders are synthetic.
	Simulation *sources.Simulation

	closers []func()
}

// Options carries process-level dependencies.
type Options struct {
	Clock   clockwork.Clock
	Version server.VersionInfo
}

func New(ctx context.Context, log *slog.Logger, cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	a := &App{log: log, cfg: cfg}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	addrs, err := ledger.DeriveAddresses(a.cfg.ProgramID, a.cfg.TokenMint)
	if err != nil {
		return err
	}
	a.Addresses = addrs

	var locker orchestrator.Locker
	switch a.cfg.LedgerBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pgledger.Up(ctx, a.log, a.cfg.PostgresDSN); err != nil {
			return err
		}
		pl, err := pgledger.New(pgledger.Config{
			Logger:  a.log,
			Pool:    pool,
			Clock:   opts.Clock,
			LockKey: pgledger.LockKey(LedgerLockNamespace, addrs.Pool),
		})
		if err != nil {
			return err
		}
		a.Ledger = pl
		if locker, err = pgledger.NewLocker(a.log, pool, pgledger.LockKey(CycleLockNamespace, addrs.Pool)); err != nil {
			return err
		}
	default:
		a.Ledger = ledger.NewMemory(opts.Clock)
	}

	if a.Program, err = program.New(program.Config{
		Logger:         a.log,
		Ledger:         a.Ledger,
		Addresses:      addrs,
		MinimumReserve: a.cfg.MinimumReserve,
	}); err != nil {
		return err
	}

	if err := a.ensurePool(ctx); err != nil {
		return err
	}

	var balances orchestrator.BalanceSource
	if a.cfg.Simulated() {
		if balances, err = a.simulateHolders(ctx); err != nil {
			return err
		}
	} else {
		src, err := sol.NewBalanceSource(sol.Config{
			Logger:            a.log,
			RPC:               solanarpc.New(a.cfg.RPCURL),
			Mint:              *a.cfg.TokenMint,
			FullScan:          a.cfg.FullScan,
			RequestsPerSecond: a.cfg.RPCRequestsPerSecond,
			Concurrency:       a.cfg.RPCConcurrency,
			RequestTimeout:    a.cfg.StepTimeout,
		})
		if err != nil {
			return err
		}
		balances = src
	}

	fees, err := a.feeSource(ctx, opts.Clock)
	if err != nil {
		return err
	}

	if err := a.buildRecorder(ctx); err != nil {
		return err
	}

	if a.Orchestrator, err = orchestrator.New(orchestrator.Config{
		Logger:           a.log,
		Clock:            opts.Clock,
		Program:          a.Program,
		Fees:             fees,
		Balances:         balances,
		Locker:           locker,
		Recorder:         &alertingRecorder{next: a.Recorder},
		Authority:        a.Authority,
		RewardThreshold:  a.cfg.RewardThreshold,
		HolderLimit:      a.cfg.HolderLimit,
		OversampleFactor: a.cfg.OversampleFactor,
		RefreshInterval:  a.cfg.RefreshInterval,
		Retry: retry.Config{
			MaxAttempts:    a.cfg.RetryAttempts,
			BaseBackoff:    a.cfg.RetryBackoff,
			MaxBackoff:     10 * a.cfg.RetryBackoff,
			AttemptTimeout: a.cfg.StepTimeout,
			Clock:          opts.Clock,
		},
	}); err != nil {
		return err
	}

	a.Server, err = server.New(server.Config{
		Logger:         a.log,
		Clock:          opts.Clock,
		ListenAddr:     a.cfg.ListenAddr,
		VersionInfo:    opts.Version,
		Program:        a.Program,
		Cycles:         a.Orchestrator,
		Recorder:       a.Recorder,
		AllowedOrigins: a.cfg.AllowedOrigins,
	})
	return err
}

// ensurePool initializes a fresh in-memory pool, or checks that a persistent
// one exists and is owned by the configured authority.
func (a *App) ensurePool(ctx context.Context) error {
	if a.cfg.LedgerBackend != config.BackendMemory {
		a.Authority = a.cfg.Authority
		state, err := a.Program.State(ctx)
		if errors.Is(err, poolerr.ErrNotInitialized) {
			return fmt.Errorf("pool %s is not initialized; run rewardpool-admin init first: %w", a.Addresses.Pool, err)
		}
		if err != nil {
			return err
		}
		if state.Pool.Owner != a.Authority {
			return fmt.Errorf("%w: authority %s does not own pool %s", poolerr.ErrUnauthorized, a.Authority, a.Addresses.Pool)
		}
		return nil
	}

	a.Authority = a.cfg.Authority
	if a.Authority.IsZero() {
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return fmt.Errorf("failed to generate authority: %w", err)
		}
		a.Authority = key.PublicKey()
	}
	if err := a.Ledger.Airdrop(ctx, a.Authority, bootstrapLamports); err != nil {
		return err
	}
	_, err := a.Program.InitializePool(ctx, program.InitializeParams{
		Payer:                    a.Authority,
		Owner:                    a.Authority,
		Mode:                     a.cfg.Mode,
		MaxHolders:               uint8(a.cfg.HolderLimit),
		PermissionlessDistribute: a.cfg.PermissionlessDistribute,
	})
	return err
}

func (a *App) simulateHolders(ctx context.Context) (*sources.Simulation, error) {
	sim, err := sources.NewSimulation(a.log, sources.SimulationConfig{
		Holders:      a.cfg.SimHolders,
		BaseBalance:  a.cfg.SimHolderTokens,
		ProgramOwned: a.cfg.SimProgramOwned,
		Seed:         a.cfg.SimSeed,
	})
	if err != nil {
		return nil, err
	}
	if a.cfg.SimHolderFunding > 0 {
		funder, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate funder: %w", err)
		}
		total := a.cfg.SimHolderFunding * uint64(a.cfg.SimHolders)
		if total/uint64(a.cfg.SimHolders) != a.cfg.SimHolderFunding {
			return nil, poolerr.ErrArithmeticOverflow
		}
		if err := a.Ledger.Airdrop(ctx, funder.PublicKey(), total); err != nil {
			return nil, err
		}
		if err := sim.Fund(ctx, a.Ledger, funder.PublicKey(), a.cfg.SimHolderFunding); err != nil {
			return nil, err
		}
	}
	a.Simulation = sim
	return sim, nil
}

func (a *App) feeSource(ctx context.Context, clock clockwork.Clock) (orchestrator.FeeSource, error) {
	account := a.cfg.FeeAccount
	if account.IsZero() {
		key, err := solana.NewRandomPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate fee account: %w", err)
		}
		account = key.PublicKey()
	}
	src, err := sources.NewLedgerFeeSource(a.log, a.Ledger, account, a.Addresses.Vault)
	if err != nil {
		return nil, err
	}
	if !a.cfg.Simulated() || a.cfg.SimFeePerInterval == 0 {
		return src, nil
	}

	interval := a.cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}
	accrual, err := sources.NewFeeAccrual(a.log, a.Ledger, clock, account, a.cfg.SimFeePerInterval, interval)
	if err != nil {
		return nil, err
	}
	// The first cycle has one interval's worth of fees to pay out.
	if err := accrual.Seed(ctx, a.cfg.SimFeePerInterval); err != nil {
		return nil, err
	}
	return sources.NewSimulatedFeeSource(src, accrual), nil
}

func (a *App) buildRecorder(ctx context.Context) error {
	if !a.cfg.AuditEnabled() {
		a.Recorder = audit.NewLogRecorder(a.log)
		return nil
	}
	if err := audit.Up(ctx, a.log, a.cfg.ClickHouse); err != nil {
		return err
	}
	conn, err := audit.Open(ctx, a.log, a.cfg.ClickHouse)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = conn.Close() })
	a.Recorder, err = audit.NewClickHouseRecorder(audit.ClickHouseRecorderConfig{
		Logger:    a.log,
		Conn:      conn,
		ProgramID: a.Addresses.ProgramID,
		Pool:      a.Addresses.Pool,
	})
	return err
}

// RunOnce runs a single cycle.
func (a *App) RunOnce(ctx context.Context) (*orchestrator.CycleReport, error) {
	return a.Orchestrator.RunCycle(ctx)
}

// Run starts the cycle loop and serves HTTP until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return err
	}
	return a.Server.Run(ctx)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
