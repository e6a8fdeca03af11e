package analysis

import (
	"context"
	"fmt"
	"time"

	"chipledger/pkg/task"
	"chipledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func NewReconcileTask(interval time.Duration) *asynq.Task {
	opts := []asynq.Option{
		asynq.Queue(task.QueueLow),
		asynq.MaxRetry(0),
	}
	if interval > 0 {
		opts = append(opts, asynq.Unique(interval))
	}
	return asynq.NewTask(taskname.AnalysisReconcileRun, nil, opts...)
}

// ReconcilePeriodic schedules the sweep every interval.
func ReconcilePeriodic(interval time.Duration) task.Periodic {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return task.Periodic{
		Cronspec: fmt.Sprintf("@every %s", interval),
		Task:     NewReconcileTask(interval),
	}
}

type ReconcileProcessor struct {
	sweeper *Sweeper
	log     *zap.Logger
}

func NewReconcileProcessor(sweeper *Sweeper, log *zap.Logger) *ReconcileProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconcileProcessor{sweeper: sweeper, log: log.Named("analysis.reconcile")}
}

func (p *ReconcileProcessor) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	report, err := p.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	if report.Scanned > 0 {
		p.log.Info("reconciliation sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("refunded", report.Refunded),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("failed", report.Failed),
		)
	}
	return nil
}
