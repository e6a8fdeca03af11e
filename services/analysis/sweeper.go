package analysis

import (
	"context"
	"errors"
	"time"

	"chipledger/services/ledger"

	"go.uber.org/zap"
)

// EntryFinder looks up ledger entries by idempotency key.
type EntryFinder interface {
	FindByExternalRef(ctx context.Context, ref string) (*ledger.LedgerEntry, error)
}

// Sweeper closes runs that stopped without an outcome, typically because
// the process died between debit and refund.
type Sweeper struct {
	repo       *Repository
	ledger     Ledger
	entries    EntryFinder
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	log        *zap.Logger
}

func NewSweeper(repo *Repository, l Ledger, entries EntryFinder, staleAfter time.Duration, batchSize int, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		repo:       repo,
		ledger:     l,
		entries:    entries,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
		log:        log.Named("analysis.sweeper"),
	}
}

// Sweep handles one batch of stale runs. Paid runs with a spend entry are
// refunded; everything else is abandoned. The video claim is released either
// way.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	runs, err := s.repo.StaleRuns(ctx, s.now().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{Scanned: len(runs)}
	for i := range runs {
		run := &runs[i]
		log := s.log.With(zap.String("run_id", run.ID), zap.String("video_id", run.VideoID), zap.String("status", string(run.Status)))

		status, err := s.settle(ctx, run)
		switch {
		case errors.Is(err, errRunTaken):
			log.Info("run moved on before reconciliation")
			continue
		case err != nil:
			report.Failed++
			log.Error("run reconciliation failed", zap.Error(err))
			continue
		}

		switch status {
		case RunRefunded:
			report.Refunded++
		case RunAbandoned:
			report.Abandoned++
		}
		runsTotal.WithLabelValues(mode(run), "reconciled_"+string(status)).Inc()
		log.Warn("stale run reconciled", zap.String("outcome", string(status)))
	}
	return report, nil
}

func (s *Sweeper) settle(ctx context.Context, run *Run) (RunStatus, error) {
	// take the run away from a late orchestrator first; Complete requires
	// in_flight
	if run.Status != RunFailed {
		if err := s.repo.Transition(ctx, run.ID, []RunStatus{run.Status}, RunFailed, "reconciling stale run"); err != nil {
			return "", err
		}
	}

	outcome := RunAbandoned
	if !run.Trial && run.AccountID != nil {
		_, err := s.entries.FindByExternalRef(ctx, run.SpendRef())
		switch {
		case err == nil:
			if _, err := refund(ctx, s.ledger, run, "refund: analysis did not complete"); err != nil {
				return "", err
			}
			outcome = RunRefunded
		case !errors.Is(err, ledger.ErrEntryNotFound):
			return "", err
		}
	}

	if err := s.repo.Transition(ctx, run.ID, []RunStatus{RunFailed}, outcome, "reconciled stale run"); err != nil && !errors.Is(err, errRunTaken) {
		return "", err
	}
	if err := s.repo.ReleaseVideo(ctx, run.VideoID, run.ID); err != nil {
		return "", err
	}
	return outcome, nil
}

func mode(run *Run) string {
	if run.Trial {
		return modeTrial
	}
	return modePaid
}
