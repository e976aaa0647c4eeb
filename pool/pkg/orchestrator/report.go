package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/rewardpool/pool/pkg/distribution"
	"github.com/malbeclabs/rewardpool/pool/pkg/ledger"
)

type Outcome string

const (
	OutcomeDistributed Outcome = "distributed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
)

const (
	StepPendingFees    = "pending_fees"
	StepClaim          = "claim"
	StepRefreshHolders = "refresh_holders"
	StepUpdateHolders  = "update_holders"
	StepDistribute     = "distribute"
)

// Skip reasons. SkipThresholdNotMet matches poolerr.ErrThresholdNotMet's code.
const (
	SkipThresholdNotMet = "threshold_not_met"
	SkipNothingToPay    = "nothing_to_distribute"
)

// CycleReport describes one distribution cycle.
type CycleReport struct {
	ID         uuid.UUID `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	SkipReason string    `json:"skip_reason,omitempty"`
	FailedStep string    `json:"failed_step,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`

	PendingFees    uint64 `json:"pending_fees"`
	Claimed        uint64 `json:"claimed"`
	Candidates     int    `json:"candidates"`
	HoldersUpdated bool   `json:"holders_updated"`

	Mode             ledger.Mode           `json:"mode"`
	Holders          []ledger.Holder       `json:"holders,omitempty"`
	Payouts          []distribution.Payout `json:"payouts,omitempty"`
	Spendable        uint64                `json:"spendable"`
	Distributed      uint64                `json:"distributed"`
	Remainder        uint64                `json:"remainder"`
	TotalDistributed uint64                `json:"total_distributed"`
}

// Duration is the wall time the cycle took.
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
