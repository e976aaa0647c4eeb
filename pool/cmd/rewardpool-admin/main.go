package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/rewardpool/pool/pkg/app"
	"github.com/malbeclabs/rewardpool/pool/pkg/audit"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger/pgledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/program"
	"github.com/malbeclabs/rewardpool/pool/pkg/sol"
	"github.com/malbeclabs/rewardpool/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string (or set REWARDPOOL_POSTGRES_DSN env var)")
	programIDFlag := flag.String("program-id", ledger.DefaultProgramID.String(), "reward pool program ID")
	mintFlag := flag.String("token-mint", "", "SPL token mint the pool is keyed by (or set REWARDPOOL_TOKEN_MINT env var)")
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC URL; with --status also reports the on-chain vault balance (or set REWARDPOOL_RPC_URL env var)")
	reserveFlag := flag.Uint64("fee-reserve", 10_000_000, "lamports kept in the vault for fees and rent")

	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set REWARDPOOL_CLICKHOUSE_ADDR env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set REWARDPOOL_CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "enable TLS for ClickHouse")

	// Commands
	postgresMigrateFlag := flag.Bool("postgres-migrate", false, "run ledger database migrations")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "run audit database migrations")
	initFlag := flag.Bool("init", false, "initialize the pool")
	statusFlag := flag.Bool("status", false, "print the pool state as JSON")
	withdrawFlag := flag.Bool("withdraw", false, "withdraw --amount lamports from the vault to --owner")
	creditFlag := flag.Bool("credit", false, "credit --amount lamports to --account (development ledgers only)")

	// Command options
	ownerFlag := flag.String("owner", "", "pool owner public key")
	payerFlag := flag.String("payer", "", "account funding the vault reserve at init (defaults to --owner)")
	modeFlag := flag.String("mode", ledger.ModeEqual.String(), "distribution mode (equal, proportional)")
	maxHoldersFlag := flag.Uint8("max-holders", ledger.HardMaxHolders, "maximum registered holders")
	permissionlessFlag := flag.Bool("permissionless-distribute", false, "allow any caller to trigger distributions")
	amountFlag := flag.Uint64("amount", 0, "lamports")
	accountFlag := flag.String("account", "", "account to credit")

	flag.Parse()

	log := logger.New(*verboseFlag)
	ctx := context.Background()

	if v := os.Getenv("REWARDPOOL_POSTGRES_DSN"); v != "" {
		*postgresDSNFlag = v
	}
	if v := os.Getenv("REWARDPOOL_TOKEN_MINT"); v != "" {
		*mintFlag = v
	}
	if v := os.Getenv("REWARDPOOL_RPC_URL"); v != "" {
		*rpcURLFlag = v
	}
	if v := os.Getenv("REWARDPOOL_CLICKHOUSE_ADDR"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("REWARDPOOL_CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}

	chCfg := audit.ClickHouseConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	if *clickhouseMigrateFlag {
		if chCfg.Addr == "" {
			return errors.New("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return audit.Up(ctx, log, chCfg)
	}

	if *postgresDSNFlag == "" {
		return errors.New("--postgres-dsn is required")
	}
	if *postgresMigrateFlag {
		return pgledger.Up(ctx, log, *postgresDSNFlag)
	}

	addrs, err := deriveAddresses(*programIDFlag, *mintFlag)
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, *postgresDSNFlag)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	defer pool.Close()
	l, err := pgledger.New(pgledger.Config{
		Logger:  log,
		Pool:    pool,
		LockKey: pgledger.LockKey(app.LedgerLockNamespace, addrs.Pool),
	})
	if err != nil {
		return err
	}
	prog, err := program.New(program.Config{
		Logger:         log,
		Ledger:         l,
		Addresses:      addrs,
		MinimumReserve: *reserveFlag,
	})
	if err != nil {
		return err
	}

	switch {
	case *initFlag:
		owner, err := requireKey("--owner", *ownerFlag)
		if err != nil {
			return err
		}
		payer := owner
		if *payerFlag != "" {
			if payer, err = requireKey("--payer", *payerFlag); err != nil {
				return err
			}
		}
		mode, err := ledger.ParseMode(*modeFlag)
		if err != nil {
			return err
		}
		if _, err := prog.InitializePool(ctx, program.InitializeParams{
			Payer:                    payer,
			Owner:                    owner,
			Mode:                     mode,
			MaxHolders:               *maxHoldersFlag,
			PermissionlessDistribute: *permissionlessFlag,
		}); err != nil {
			return err
		}
		return printStatus(ctx, log, prog, nil)

	case *statusFlag:
		if *rpcURLFlag == "" {
			return printStatus(ctx, log, prog, nil)
		}
		if addrs.TokenMint == nil {
			return errors.New("--token-mint is required with --rpc-url")
		}
		chain, err := sol.NewBalanceSource(sol.Config{
			Logger: log,
			RPC:    solanarpc.New(*rpcURLFlag),
			Mint:   *addrs.TokenMint,
		})
		if err != nil {
			return err
		}
		return printStatus(ctx, log, prog, chain)

	case *withdrawFlag:
		owner, err := requireKey("--owner", *ownerFlag)
		if err != nil {
			return err
		}
		return withdraw(ctx, log, prog, chCfg, addrs, owner, *amountFlag)

	case *creditFlag:
		account, err := requireKey("--account", *accountFlag)
		if err != nil {
			return err
		}
		if *amountFlag == 0 {
			return errors.New("--amount is required for --credit")
		}
		if err := l.Airdrop(ctx, account, *amountFlag); err != nil {
			return err
		}
		balance, err := l.Balance(ctx, account)
		if err != nil {
			return err
		}
		log.Info("admin: credited account", "account", account, "amount", *amountFlag, "balance", balance)
		return nil
	}

	flag.Usage()
	return errors.New("no command given")
}

func deriveAddresses(programID, mint string) (ledger.Addresses, error) {
	pid, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return ledger.Addresses{}, fmt.Errorf("invalid program id: %w", err)
	}
	var mintKey *solana.PublicKey
	if mint != "" {
		m, err := solana.PublicKeyFromBase58(mint)
		if err != nil {
			return ledger.Addresses{}, fmt.Errorf("invalid token mint: %w", err)
		}
		mintKey = &m
	}
	return ledger.DeriveAddresses(pid, mintKey)
}

func requireKey(name, value string) (solana.PublicKey, error) {
	if value == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", name)
	}
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return key, nil
}

type status struct {
	*program.State
	ChainVaultBalance *uint64 `json:"chain_vault_balance,omitempty"`
}

func printStatus(ctx context.Context, log *slog.Logger, prog *program.Program, chain *sol.BalanceSource) error {
	state, err := prog.State(ctx)
	if err != nil {
		return err
	}
	out := status{State: state}
	if chain != nil {
		bal, err := chain.Balance(ctx, state.VaultAddress)
		if err != nil {
			return err
		}
		out.ChainVaultBalance = &bal
		if bal != state.VaultBalance {
			log.Warn("admin: ledger and chain vault balances differ", "ledger", state.VaultBalance, "chain", bal)
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func withdraw(ctx context.Context, log *slog.Logger, prog *program.Program, chCfg audit.ClickHouseConfig, addrs ledger.Addresses, owner solana.PublicKey, amount uint64) error {
	if err := prog.OwnerWithdraw(ctx, owner, amount); err != nil {
		return err
	}
	state, err := prog.State(ctx)
	if err != nil {
		return err
	}

	var rec audit.Recorder = audit.NewLogRecorder(log)
	if chCfg.Addr != "" {
		conn, err := audit.Open(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		if rec, err = audit.NewClickHouseRecorder(audit.ClickHouseRecorderConfig{
			Logger:    log,
			Conn:      conn,
			ProgramID: addrs.ProgramID,
			Pool:      addrs.Pool,
		}); err != nil {
			return err
		}
	}
	return rec.RecordWithdrawal(ctx, audit.Withdrawal{
		ID:             uuid.New(),
		At:             time.Now().UTC(),
		Owner:          owner,
		Amount:         amount,
		TotalWithdrawn: state.Pool.TotalWithdrawn,
		Source:         "cli",
	})
}
