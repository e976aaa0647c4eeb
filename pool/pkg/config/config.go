// Package config loads orchestrator settings from flags, environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/malbeclabs/rewardpool/pool/pkg/audit"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	flag "github.com/spf13/pflag"
)

const EnvPrefix = "REWARDPOOL_"

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Verbose    bool
	Once       bool
	ListenAddr string
	SentryDSN  string
	SentryEnv  string

	LedgerBackend string
	PostgresDSN   string

	ProgramID solana.PublicKey
	TokenMint *solana.PublicKey
	// Authority is the pool owner the orchestrator acts as.
	Authority  solana.PublicKey
	FeeAccount solana.PublicKey

	RPCURL               string
	RPCRequestsPerSecond float64
	RPCConcurrency       int
	FullScan             bool

	Mode                     ledger.Mode
	PermissionlessDistribute bool
	RewardThreshold          uint64
	MinimumReserve           uint64
	HolderLimit              int
	OversampleFactor         int

	RefreshInterval time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	StepTimeout     time.Duration

	SimHolders        int
	SimProgramOwned   int
	SimHolderFunding  uint64
	SimHolderTokens   uint64
	SimFeePerInterval uint64
	SimSeed           uint64

	ClickHouse     audit.ClickHouseConfig
	AllowedOrigins []string
}

// Simulated reports whether holders come from a synthetic distribution
// rather than a Solana RPC endpoint.
func (c *Config) Simulated() bool {
	return c.RPCURL == ""
}

// AuditEnabled reports whether cycles are recorded to ClickHouse.
func (c *Config) AuditEnabled() bool {
	return c.ClickHouse.Addr != ""
}

// EnvName is the environment variable that overrides flag name.
func EnvName(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

type rawFlags struct {
	programID  string
	mint       string
	authority  string
	feeAccount string
	mode       string
}

// Load parses args. A flag given on the command line wins; otherwise its
// REWARDPOOL_* environment variable applies, then the .env file named by
// --env-file, then the flag default.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	fs := flag.NewFlagSet("rewardpool", flag.ContinueOnError)
	var c Config
	var raw rawFlags
	envFile := fs.String("env-file", ".env", "optional dotenv file with REWARDPOOL_* settings")

	fs.BoolVar(&c.Verbose, "verbose", false, "enable verbose (debug) logging")
	fs.BoolVar(&c.Once, "once", false, "run a single cycle and exit")
	fs.StringVar(&c.ListenAddr, "listen-addr", ":8080", "HTTP listen address for health, metrics and the pool API")
	fs.StringVar(&c.SentryDSN, "sentry-dsn", "", "Sentry DSN; error reporting is disabled when empty")
	fs.StringVar(&c.SentryEnv, "sentry-environment", "development", "Sentry environment")

	fs.StringVar(&c.LedgerBackend, "ledger", BackendMemory, "ledger backend (memory, postgres)")
	fs.StringVar(&c.PostgresDSN, "postgres-dsn", "", "PostgreSQL connection string for the postgres ledger")

	fs.StringVar(&raw.programID, "program-id", ledger.DefaultProgramID.String(), "reward pool program ID")
	fs.StringVar(&raw.mint, "token-mint", "", "SPL token mint whose holders are rewarded")
	fs.StringVar(&raw.authority, "authority", "", "pool owner public key (generated in memory mode when empty)")
	fs.StringVar(&raw.feeAccount, "fee-account", "", "upstream fee account claimed into the vault (generated in memory mode when empty)")

	fs.StringVar(&c.RPCURL, "rpc-url", "", "Solana RPC endpoint; holders are simulated when empty")
	fs.Float64Var(&c.RPCRequestsPerSecond, "rpc-rps", 10, "Solana RPC requests per second (0 = unlimited)")
	fs.IntVar(&c.RPCConcurrency, "rpc-concurrency", 4, "concurrent Solana RPC requests")
	fs.BoolVar(&c.FullScan, "full-scan", false, "always scan every token account; otherwise the largest-accounts index is used when at most 20 candidates are needed")

	fs.StringVar(&raw.mode, "mode", ledger.ModeEqual.String(), "distribution mode (equal, proportional)")
	fs.BoolVar(&c.PermissionlessDistribute, "permissionless-distribute", false, "allow any caller to trigger distributions")
	fs.Uint64Var(&c.RewardThreshold, "reward-threshold", 1_000_000_000, "minimum lamports before a distribution runs")
	fs.Uint64Var(&c.MinimumReserve, "fee-reserve", 10_000_000, "lamports kept in the vault for fees and rent")
	fs.IntVar(&c.HolderLimit, "holder-limit", ledger.HardMaxHolders, "number of holders rewarded per cycle")
	fs.IntVar(&c.OversampleFactor, "oversample-factor", 3, "candidates fetched per holder slot before eligibility filtering")

	fs.DurationVar(&c.RefreshInterval, "refresh-interval", 5*time.Minute, "time between cycles")
	fs.IntVar(&c.RetryAttempts, "retry-attempts", 3, "attempts per step for transient failures")
	fs.DurationVar(&c.RetryBackoff, "retry-backoff", 500*time.Millisecond, "base backoff between attempts")
	fs.DurationVar(&c.StepTimeout, "step-timeout", 30*time.Second, "timeout for each step attempt")

	fs.IntVar(&c.SimHolders, "sim-holders", 25, "simulated wallet holders")
	fs.IntVar(&c.SimProgramOwned, "sim-program-owned", 2, "simulated program-owned holders that must never be paid")
	fs.Uint64Var(&c.SimHolderFunding, "sim-holder-funding", 1_000_000, "lamports sent to each simulated wallet at startup")
	fs.Uint64Var(&c.SimHolderTokens, "sim-holder-tokens", 1_000_000, "token balance unit of the smallest simulated holder")
	fs.Uint64Var(&c.SimFeePerInterval, "sim-fee", 2_000_000_000, "simulated fees accrued per refresh interval")
	fs.Uint64Var(&c.SimSeed, "sim-seed", 1, "seed for simulated balances")

	fs.StringVar(&c.ClickHouse.Addr, "clickhouse-addr", "", "ClickHouse address (host:port); audit goes to the log when empty")
	fs.StringVar(&c.ClickHouse.Database, "clickhouse-database", "default", "ClickHouse database name")
	fs.StringVar(&c.ClickHouse.Username, "clickhouse-username", "default", "ClickHouse username")
	fs.StringVar(&c.ClickHouse.Password, "clickhouse-password", "", "ClickHouse password")
	fs.BoolVar(&c.ClickHouse.Secure, "clickhouse-secure", false, "enable TLS for ClickHouse")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", nil, "CORS origins allowed to call the API")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	dotenv := map[string]string{}
	if *envFile != "" {
		m, err := godotenv.Read(*envFile)
		switch {
		case err == nil:
			dotenv = m
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read %s: %w", *envFile, err)
		}
	}

	var setErr error
	fs.VisitAll(func(f *flag.Flag) {
		if setErr != nil || f.Changed || f.Name == "env-file" {
			return
		}
		name := EnvName(f.Name)
		val := getenv(name)
		if val == "" {
			val = dotenv[name]
		}
		if val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			setErr = fmt.Errorf("invalid %s: %w", name, err)
		}
	})
	if setErr != nil {
		return nil, setErr
	}

	if err := c.apply(raw); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) apply(raw rawFlags) error {
	var err error
	if c.ProgramID, err = solana.PublicKeyFromBase58(raw.programID); err != nil {
		return fmt.Errorf("invalid program id: %w", err)
	}
	if raw.mint != "" {
		mint, err := solana.PublicKeyFromBase58(raw.mint)
		if err != nil {
			return fmt.Errorf("invalid token mint: %w", err)
		}
		c.TokenMint = &mint
	}
	if raw.authority != "" {
		if c.Authority, err = solana.PublicKeyFromBase58(raw.authority); err != nil {
			return fmt.Errorf("invalid authority: %w", err)
		}
	}
	if raw.feeAccount != "" {
		if c.FeeAccount, err = solana.PublicKeyFromBase58(raw.feeAccount); err != nil {
			return fmt.Errorf("invalid fee account: %w", err)
		}
	}
	if c.Mode, err = ledger.ParseMode(raw.mode); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("--postgres-dsn is required for the postgres ledger")
		}
		if c.Authority.IsZero() {
			return errors.New("--authority is required for the postgres ledger")
		}
		if c.FeeAccount.IsZero() {
			return errors.New("--fee-account is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}
	if !c.Simulated() && c.TokenMint == nil {
		return errors.New("--token-mint is required with --rpc-url")
	}
	if c.RewardThreshold == 0 {
		return errors.New("reward threshold must be greater than 0")
	}
	if c.HolderLimit < 1 || c.HolderLimit > ledger.HardMaxHolders {
		return fmt.Errorf("holder limit must be between 1 and %d", ledger.HardMaxHolders)
	}
	if c.OversampleFactor < 1 {
		return errors.New("oversample factor must be at least 1")
	}
	if c.RetryAttempts < 1 {
		return errors.New("retry attempts must be at least 1")
	}
	if !c.Once && c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if c.RPCRequestsPerSecond < 0 {
		return errors.New("rpc requests per second must not be negative")
	}
	if c.Simulated() && c.SimHolders < 1 {
		return errors.New("simulated holder count must be at least 1")
	}
	return nil
}
