package app

import (
	"log/slog"

	"github.com/malbeclabs/rewardpool/pool/pkg/orchestrator"
)

// LogSummary logs the outcome of a cycle with one line per payout.
func LogSummary(log *slog.Logger, report *orchestrator.CycleReport) {
	switch report.Outcome {
	case orchestrator.OutcomeSkipped:
		log.Info("rewardpool: cycle skipped",
			"reason", report.SkipReason,
			"pending_fees", report.PendingFees,
			"spendable", report.Spendable)
		return
	case orchestrator.OutcomeFailed:
		log.Error("rewardpool: cycle failed",
			"step", report.FailedStep,
			"code", report.ErrorCode,
			"error", report.Error)
		return
	}

	log.Info("rewardpool: distribution complete",
		"mode", report.Mode,
		"holders", len(report.Payouts),
		"claimed", report.Claimed,
		"distributed", report.Distributed,
		"remainder", report.Remainder,
		"total_distributed", report.TotalDistributed,
		"duration", report.Duration())
	for i, p := range report.Payouts {
		var balance uint64
		if i < len(report.Holders) {
			balance = report.Holders[i].Balance
		}
		log.Info("rewardpool: payout", "rank", i+1, "holder", p.Address, "token_balance", balance, "lamports", p.Amount)
	}
}
