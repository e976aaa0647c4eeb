// Package audit keeps a durable trail of distribution cycles, payouts and
// owner withdrawals.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/rewardpool/pool/pkg/metrics"
	"github.com/malbeclabs/rewardpool/pool/pkg/orchestrator"
)

// Withdrawal is one owner drain of the vault.
type Withdrawal struct {
	ID             uuid.UUID
	At             time.Time
	Owner          solana.PublicKey
	Amount         uint64
	TotalWithdrawn uint64
	// Source is where the request came from, such as "api" or "cli".
	Source string
}

// Recorder persists cycle reports and withdrawals.
type Recorder interface {
	RecordCycle(ctx context.Context, report *orchestrator.CycleReport) error
	RecordWithdrawal(ctx context.Context, w Withdrawal) error
}

var (
	_ Recorder = (*ClickHouseRecorder)(nil)
	_ Recorder = (*LogRecorder)(nil)
)

type ClickHouseRecorderConfig struct {
	Logger    *slog.Logger
	Conn      Connection
	ProgramID solana.PublicKey
	Pool      solana.PublicKey
}

func (cfg *ClickHouseRecorderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	if cfg.Pool.IsZero() {
		return errors.New("pool address is required")
	}
	return nil
}

// ClickHouseRecorder writes the audit trail to ClickHouse.
type ClickHouseRecorder struct {
	log *slog.Logger
	cfg ClickHouseRecorderConfig
}

func NewClickHouseRecorder(cfg ClickHouseRecorderConfig) (*ClickHouseRecorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouseRecorder{log: cfg.Logger, cfg: cfg}, nil
}

func (r *ClickHouseRecorder) RecordCycle(ctx context.Context, report *orchestrator.CycleReport) error {
	err := r.recordCycle(ctx, report)
	metrics.RecordAuditWrite("cycle", err)
	return err
}

func (r *ClickHouseRecorder) recordCycle(ctx context.Context, report *orchestrator.CycleReport) error {
	pool := r.cfg.Pool.String()
	cycle := []any{
		report.ID, r.cfg.ProgramID.String(), pool, report.StartedAt, report.FinishedAt,
		string(report.Outcome), report.SkipReason, report.FailedStep, report.ErrorCode, report.Error,
		report.PendingFees, report.Claimed, uint32(report.Candidates), report.HoldersUpdated,
		report.Mode.String(), uint16(len(report.Holders)), report.Spendable, report.Distributed,
		report.Remainder, report.TotalDistributed,
	}
	if err := r.insert(ctx, "reward_cycles", [][]any{cycle}); err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}

	if len(report.Payouts) == 0 {
		return nil
	}
	payouts := make([][]any, len(report.Payouts))
	for i, p := range report.Payouts {
		payouts[i] = []any{report.ID, pool, report.FinishedAt, uint16(i), p.Address.String(), p.Amount}
	}
	if err := r.insert(ctx, "reward_payouts", payouts); err != nil {
		return fmt.Errorf("failed to insert payouts: %w", err)
	}
	r.log.Debug("audit: recorded cycle", "cycle", report.ID, "payouts", len(report.Payouts))
	return nil
}

func (r *ClickHouseRecorder) RecordWithdrawal(ctx context.Context, w Withdrawal) error {
	row := []any{w.ID, r.cfg.Pool.String(), w.At, w.Owner.String(), w.Amount, w.TotalWithdrawn, w.Source}
	err := r.insert(ctx, "reward_withdrawals", [][]any{row})
	metrics.RecordAuditWrite("withdrawal", err)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (r *ClickHouseRecorder) insert(ctx context.Context, table string, rows [][]any) error {
	batch, err := r.cfg.Conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close() // Always release the connection back to the pool

	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// CycleSummary is one row of the cycle history.
type CycleSummary struct {
	ID          uuid.UUID `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	Outcome     string    `json:"outcome"`
	FailedStep  string    `json:"failed_step,omitempty"`
	Distributed uint64    `json:"distributed"`
	Remainder   uint64    `json:"remainder"`
}

// RecentCycles returns up to limit cycles, newest first.
func (r *ClickHouseRecorder) RecentCycles(ctx context.Context, limit int) ([]CycleSummary, error) {
	rows, err := r.cfg.Conn.Query(ctx, `
		SELECT cycle_id, started_at, outcome, failed_step, distributed, remainder
		FROM reward_cycles
		WHERE pool = ?
		ORDER BY started_at DESC
		LIMIT ?`, r.cfg.Pool.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleSummary
	for rows.Next() {
		var s CycleSummary
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.Outcome, &s.FailedStep, &s.Distributed, &s.Remainder); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		s.StartedAt = s.StartedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// PaidTo returns the total lamports paid to addr across all cycles.
func (r *ClickHouseRecorder) PaidTo(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	rows, err := r.cfg.Conn.Query(ctx, `
		SELECT sum(amount) FROM reward_payouts WHERE pool = ? AND address = ?`,
		r.cfg.Pool.String(), addr.String())
	if err != nil {
		return 0, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var total uint64
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, fmt.Errorf("failed to scan payout total: %w", err)
		}
	}
	return total, rows.Err()
}

// LogRecorder writes the audit trail to the log. It is used when no
// ClickHouse is configured.
type LogRecorder struct {
	log *slog.Logger
}

func NewLogRecorder(log *slog.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) RecordCycle(ctx context.Context, report *orchestrator.CycleReport) error {
	r.log.Info("audit: cycle",
		"cycle", report.ID.String(),
		"outcome", report.Outcome,
		"skip_reason", report.SkipReason,
		"failed_step", report.FailedStep,
		"claimed", report.Claimed,
		"distributed", report.Distributed,
		"remainder", report.Remainder,
		"total_distributed", report.TotalDistributed)
	for i, p := range report.Payouts {
		r.log.Debug("audit: payout", "cycle", report.ID.String(), "position", i, "address", p.Address, "amount", p.Amount)
	}
	metrics.RecordAuditWrite("cycle", nil)
	return nil
}

func (r *LogRecorder) RecordWithdrawal(ctx context.Context, w Withdrawal) error {
	r.log.Warn("audit: withdrawal",
		"withdrawal", w.ID.String(),
		"owner", w.Owner,
		"amount", w.Amount,
		"total_withdrawn", w.TotalWithdrawn,
		"source", w.Source)
	metrics.RecordAuditWrite("withdrawal", nil)
	return nil
}
