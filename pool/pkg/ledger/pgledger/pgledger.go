// Package pgledger is a PostgreSQL-backed ledger substrate. Accounts are
// rows; every Update runs in one database transaction holding a
// transaction-scoped advisory lock, so requests against the same ledger are
// applied one at a time and commit all-or-nothing.
package pgledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
	"github.com/malbeclabs/rewardpool/pool/pkg/poolerr"
)

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
	// LockKey is the advisory lock serializing updates. Ledgers sharing a
	// database but not accounts may use different keys.
	LockKey int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Ledger struct {
	log *slog.Logger
	cfg Config
}

var (
	_ ledger.Substrate = (*Ledger)(nil)
	_ ledger.Faucet    = (*Ledger)(nil)
)

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, cfg: cfg}, nil
}

// LockKey derives a stable advisory lock key for addr within namespace.
func LockKey(namespace string, addr solana.PublicKey) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write(addr[:])
	return int64(h.Sum64())
}

func (l *Ledger) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return l.run(ctx, false, fn)
}

func (l *Ledger) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return l.run(ctx, true, fn)
}

func (l *Ledger) run(ctx context.Context, readOnly bool, fn func(tx ledger.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	if readOnly {
		opts = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	}
	dbtx, err := l.cfg.Pool.BeginTx(ctx, opts)
	if err != nil {
		return poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = dbtx.Rollback(context.Background()) }()

	if !readOnly {
		if _, err := dbtx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", l.cfg.LockKey); err != nil {
			return poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to acquire ledger lock: %w", err))
		}
	}

	tx := &pgTx{ctx: ctx, tx: dbtx, readOnly: readOnly, now: l.cfg.Clock.Now().UTC()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Airdrop credits lamports to addr outside of any program instruction.
func (l *Ledger) Airdrop(ctx context.Context, addr solana.PublicKey, lamports uint64) error {
	return l.Update(ctx, func(tx ledger.Tx) error {
		return tx.(*pgTx).credit(addr, lamports)
	})
}

// Balance returns the committed balance of addr.
func (l *Ledger) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	var balance uint64
	err := l.View(ctx, func(tx ledger.Tx) error {
		var err error
		balance, err = ledger.Balance(tx, addr)
		return err
	})
	return balance, err
}

// Journal returns committed transfers involving addr, oldest first.
func (l *Ledger) Journal(ctx context.Context, addr solana.PublicKey) ([]ledger.Transfer, error) {
	rows, err := l.cfg.Pool.Query(ctx, `
		SELECT from_address, to_address, amount, memo, created_at
		FROM ledger_transfers
		WHERE from_address = $1 OR to_address = $1
		ORDER BY id`, addr.String())
	if err != nil {
		return nil, poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to query transfers: %w", err))
	}
	defer rows.Close()

	var out []ledger.Transfer
	for rows.Next() {
		var (
			from, to string
			amount   int64
			t        ledger.Transfer
		)
		if err := rows.Scan(&from, &to, &amount, &t.Memo, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		if t.From, err = solana.PublicKeyFromBase58(from); err != nil {
			return nil, fmt.Errorf("failed to parse transfer source: %w", err)
		}
		if t.To, err = solana.PublicKeyFromBase58(to); err != nil {
			return nil, fmt.Errorf("failed to parse transfer destination: %w", err)
		}
		t.Amount = uint64(amount)
		t.At = t.At.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	readOnly bool
	now      time.Time
}

func (t *pgTx) Account(addr solana.PublicKey) (*ledger.Account, error) {
	return t.load(addr)
}

// load reads addr, locking the row for the rest of a writable transaction.
func (t *pgTx) load(addr solana.PublicKey) (*ledger.Account, error) {
	query := "SELECT owner, lamports, data FROM ledger_accounts WHERE address = $1"
	if !t.readOnly {
		query += " FOR UPDATE"
	}
	var (
		owner    string
		lamports int64
		data     []byte
	)
	err := t.tx.QueryRow(t.ctx, query, addr.String()).Scan(&owner, &lamports, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to load account %s: %w", addr, err))
	}
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to parse owner of %s: %w", addr, err)
	}
	return &ledger.Account{
		Address:  addr,
		Owner:    ownerKey,
		Lamports: uint64(lamports),
		Data:     data,
	}, nil
}

func (t *pgTx) CreateAccount(addr, owner solana.PublicKey, data []byte) error {
	if t.readOnly {
		return ledger.ErrReadOnly
	}
	existing, err := t.load(addr)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	if existing != nil {
		if len(existing.Data) > 0 || existing.Owner != solana.SystemProgramID {
			return fmt.Errorf("%w: %s", ledger.ErrAccountExists, addr)
		}
		return t.exec(`UPDATE ledger_accounts SET owner = $2, data = $3, updated_at = $4 WHERE address = $1`,
			addr.String(), owner.String(), data, t.now)
	}
	return t.exec(`INSERT INTO ledger_accounts (address, owner, lamports, data, updated_at) VALUES ($1, $2, 0, $3, $4)`,
		addr.String(), owner.String(), data, t.now)
}

func (t *pgTx) SetData(addr solana.PublicKey, data []byte) error {
	if t.readOnly {
		return ledger.ErrReadOnly
	}
	if data == nil {
		data = []byte{}
	}
	tag, err := t.tx.Exec(t.ctx, `UPDATE ledger_accounts SET data = $2, updated_at = $3 WHERE address = $1`,
		addr.String(), data, t.now)
	if err != nil {
		return poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to write account %s: %w", addr, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, addr)
	}
	return nil
}

func (t *pgTx) Transfer(from, to solana.PublicKey, amount uint64, memo string) error {
	if t.readOnly {
		return ledger.ErrReadOnly
	}
	src, err := t.load(from)
	if err != nil {
		return err
	}
	if src == nil || src.Lamports < amount {
		return fmt.Errorf("%w: %s cannot send %d lamports", poolerr.ErrInsufficientFunds, from, amount)
	}
	if from == to {
		return nil
	}
	if err := t.credit(to, amount); err != nil {
		return err
	}
	if err := t.exec(`UPDATE ledger_accounts SET lamports = lamports - $2, updated_at = $3 WHERE address = $1`,
		from.String(), int64(amount), t.now); err != nil {
		return err
	}
	return t.exec(`INSERT INTO ledger_transfers (from_address, to_address, amount, memo, created_at) VALUES ($1, $2, $3, $4, $5)`,
		from.String(), to.String(), int64(amount), memo, t.now)
}

// credit adds lamports to addr, creating it as a system account if needed.
func (t *pgTx) credit(addr solana.PublicKey, amount uint64) error {
	dst, err := t.load(addr)
	if err != nil {
		return err
	}
	var balance uint64
	if dst != nil {
		balance = dst.Lamports
	}
	if amount > math.MaxInt64 || balance > math.MaxInt64-amount {
		return poolerr.ErrArithmeticOverflow
	}
	if dst == nil {
		return t.exec(`INSERT INTO ledger_accounts (address, owner, lamports, data, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			addr.String(), solana.SystemProgramID.String(), int64(amount), []byte{}, t.now)
	}
	return t.exec(`UPDATE ledger_accounts SET lamports = lamports + $2, updated_at = $3 WHERE address = $1`,
		addr.String(), int64(amount), t.now)
}

func (t *pgTx) exec(sql string, args ...any) error {
	if _, err := t.tx.Exec(t.ctx, sql, args...); err != nil {
		return poolerr.Wrap(poolerr.ErrLedgerUnavailable, fmt.Errorf("failed to write ledger: %w", err))
	}
	return nil
}
