package app

import (
	"context"
	"errors"

	"github.com/getsentry/sentry-go"
	"github.com/malbeclabs/rewardpool/pool/pkg/audit"
	"github.com/malbeclabs/rewardpool/pool/pkg/orchestrator"
)

// alertingRecorder reports failed cycles to Sentry before recording them.
// Sentry calls are no-ops until sentry.Init has run.
type alertingRecorder struct {
	next audit.Recorder
}

func (r *alertingRecorder) RecordCycle(ctx context.Context, report *orchestrator.CycleReport) error {
	if report.Outcome == orchestrator.OutcomeFailed {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("step", report.FailedStep)
			scope.SetTag("code", report.ErrorCode)
			scope.SetExtra("cycle", report.ID.String())
			scope.SetExtra("claimed", report.Claimed)
			sentry.CaptureException(errors.New(report.FailedStep + ": " + report.Error))
		})
	}
	return r.next.RecordCycle(ctx, report)
}
