package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chipledger/pkg/featureflags"
	"chipledger/pkg/logger"
	"chipledger/services/ledger"
	"chipledger/services/pricing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "analysis_runs_total",
	Help: "Analysis runs by mode and outcome.",
}, []string{"mode", "outcome"})

func init() {
	prometheus.MustRegister(runsTotal)
}

const (
	modePaid  = "paid"
	modeTrial = "trial"
)

// Ledger is the slice of the balance guard the orchestrator needs.
type Ledger interface {
	Debit(ctx context.Context, p ledger.DebitParams) (*ledger.Receipt, error)
	Credit(ctx context.Context, p ledger.CreditParams) (*ledger.Receipt, error)
}

type Orchestrator struct {
	repo     *Repository
	ledger   Ledger
	provider Provider
	limiter  Limiter
	flags    featureflags.FeatureFlag
	timeout  time.Duration
	log      *zap.Logger
	tracer   trace.Tracer
}

type OrchestratorParams struct {
	Repo            *Repository
	Ledger          Ledger
	Provider        Provider
	Limiter         Limiter
	Flags           featureflags.FeatureFlag
	ProviderTimeout time.Duration
	Logger          *zap.Logger
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Flags == nil {
		p.Flags = featureflags.Static{}
	}
	return &Orchestrator{
		repo:     p.Repo,
		ledger:   p.Ledger,
		provider: p.Provider,
		limiter:  p.Limiter,
		flags:    p.Flags,
		timeout:  providerTimeout(p.ProviderTimeout),
		log:      p.Logger.Named("analysis.orchestrator"),
		tracer:   otel.Tracer("chipledger/services/analysis"),
	}
}

// RunPaidAction charges the account for analysing the video and refunds the
// charge when the analysis does not complete. Once the debit is attempted the
// run continues even if ctx is cancelled.
func (o *Orchestrator) RunPaidAction(ctx context.Context, req PaidActionRequest) (*Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "analysis.run_paid_action", trace.WithAttributes(
		attribute.String("account_id", req.AccountID),
		attribute.String("video_id", req.VideoID),
	))
	defer span.End()

	log := o.log.With(logger.TraceFields(ctx)...).With(zap.String("account_id", req.AccountID), zap.String("video_id", req.VideoID))

	if req.AccountID == "" {
		return nil, ledger.ErrAccountNotFound
	}

	video, err := o.repo.GetVideo(ctx, req.VideoID)
	if err != nil {
		return nil, err
	}
	if video.Processed() {
		runsTotal.WithLabelValues(modePaid, "already_processed").Inc()
		return nil, ErrAlreadyProcessed
	}

	cost, err := pricing.Cost(video.DurationSeconds)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("cost", cost))

	run := &Run{AccountID: &req.AccountID, VideoID: video.ID, Cost: cost}
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	log = log.With(zap.String("run_id", run.ID), zap.Int64("cost", cost))

	if err := o.repo.ClaimVideo(ctx, video.ID, run.ID); err != nil {
		o.reject(context.WithoutCancel(ctx), run, err)
		runsTotal.WithLabelValues(modePaid, outcomeOf(err)).Inc()
		return nil, err
	}

	work := context.WithoutCancel(ctx)

	receipt, err := o.ledger.Debit(work, ledger.DebitParams{
		AccountID:   req.AccountID,
		Amount:      cost,
		Description: "analysis: " + video.label(),
		Category:    ledger.CategoryAnalysisSpend,
		ResourceRef: video.ID,
		ExternalRef: run.SpendRef(),
	})
	if err != nil {
		runsTotal.WithLabelValues(modePaid, outcomeOf(err)).Inc()
		if errors.Is(err, ledger.ErrStorage) {
			// the debit may have committed; reconciliation settles it
			if terr := o.repo.Transition(work, run.ID, []RunStatus{RunRequested}, RunFailed, err.Error()); terr != nil {
				log.Warn("failed to mark run failed", zap.Error(terr))
			}
			log.Error("debit failed", zap.Error(err))
			return nil, err
		}
		o.reject(work, run, err)
		log.Info("paid analysis rejected", zap.Error(err))
		return nil, err
	}

	if err := o.repo.Transition(work, run.ID, []RunStatus{RunRequested}, RunDebited, ""); err != nil {
		return nil, o.refundFailed(work, run, log, err)
	}

	result, err := o.analyze(work, run, video, req.Instructions)
	if err == nil {
		err = o.repo.Complete(work, run, result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		return nil, o.refundFailed(work, run, log, err)
	}

	runsTotal.WithLabelValues(modePaid, "completed").Inc()
	log.Info("paid analysis completed", zap.String("result_id", result.ID), zap.Int64("balance", receipt.Balance))

	return &Outcome{Run: run, Result: result, Cost: cost, Balance: receipt.Balance}, nil
}

// RunTrial analyses a video for an unauthenticated caller. Trials are gated by
// a feature flag and a per-caller cooldown and never touch the ledger.
func (o *Orchestrator) RunTrial(ctx context.Context, req TrialRequest) (*Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "analysis.run_trial", trace.WithAttributes(
		attribute.String("caller_id", req.CallerID),
		attribute.String("video_id", req.VideoID),
	))
	defer span.End()

	log := o.log.With(logger.TraceFields(ctx)...).With(zap.String("caller_id", req.CallerID), zap.String("video_id", req.VideoID))

	if !o.flags.IsEnabled(ctx, req.CallerID, featureflags.TrialAnalysis, true) {
		runsTotal.WithLabelValues(modeTrial, "disabled").Inc()
		return nil, ErrTrialDisabled
	}

	video, err := o.repo.GetVideo(ctx, req.VideoID)
	if err != nil {
		return nil, err
	}
	if video.Processed() {
		runsTotal.WithLabelValues(modeTrial, "already_processed").Inc()
		return nil, ErrAlreadyProcessed
	}
	if _, err := pricing.Cost(video.DurationSeconds); err != nil {
		return nil, err
	}

	run := &Run{CallerID: &req.CallerID, VideoID: video.ID, Trial: true}
	if err := o.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	log = log.With(zap.String("run_id", run.ID))

	// The claim comes first so a request that cannot run never spends the
	// caller's cooldown.
	if err := o.repo.ClaimVideo(ctx, video.ID, run.ID); err != nil {
		o.reject(context.WithoutCancel(ctx), run, err)
		runsTotal.WithLabelValues(modeTrial, outcomeOf(err)).Inc()
		return nil, err
	}

	wait, err := o.limiter.Allow(ctx, req.CallerID)
	if err != nil {
		err = fmt.Errorf("trial limiter: %w", err)
		o.reject(context.WithoutCancel(ctx), run, err)
		return nil, err
	}
	if wait > 0 {
		limited := &RateLimitedError{RetryAfter: wait}
		o.reject(context.WithoutCancel(ctx), run, limited)
		runsTotal.WithLabelValues(modeTrial, "rate_limited").Inc()
		log.Info("trial rate limited", zap.Duration("retry_after", wait))
		return nil, limited
	}

	work := context.WithoutCancel(ctx)

	result, err := o.analyze(work, run, video, req.Instructions)
	if err == nil {
		err = o.repo.Complete(work, run, result)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		if terr := o.repo.Transition(work, run.ID, []RunStatus{RunRequested, RunInFlight}, RunAbandoned, err.Error()); terr != nil && !errors.Is(terr, errRunTaken) {
			log.Warn("failed to close trial run", zap.Error(terr))
		}
		o.release(work, run, log)
		runsTotal.WithLabelValues(modeTrial, "failed").Inc()
		log.Warn("trial analysis failed", zap.Error(err))
		return nil, &ExternalWorkError{Cause: err}
	}

	runsTotal.WithLabelValues(modeTrial, "completed").Inc()
	log.Info("trial analysis completed", zap.String("result_id", result.ID))
	return &Outcome{Run: run, Result: result}, nil
}

func (o *Orchestrator) analyze(ctx context.Context, run *Run, video *Video, instructions string) (*Result, error) {
	if err := o.repo.Transition(ctx, run.ID, []RunStatus{RunRequested, RunDebited}, RunInFlight, ""); err != nil {
		return nil, err
	}
	run.Status = RunInFlight

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	summary, err := o.provider.Analyze(callCtx, AnalyzeRequest{
		VideoID:         video.ID,
		ExternalID:      video.ExternalID,
		DurationSeconds: video.DurationSeconds,
		Instructions:    instructions,
	})
	if err != nil {
		return nil, err
	}
	if err := ValidateSummary(summary, video.DurationSeconds); err != nil {
		return nil, err
	}

	timestamps, err := json.Marshal(summary.Timestamps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &Result{
		Summary:      summary.Summary,
		ShortSummary: summary.ShortSummary,
		Timestamps:   datatypes.JSON(timestamps),
		Instructions: instructions,
	}, nil
}

// refundFailed returns the run's chips and wraps cause in an
// ExternalWorkError. When the refund itself fails the run is left failed
// and the video held, so the sweeper picks it up.
func (o *Orchestrator) refundFailed(ctx context.Context, run *Run, log *zap.Logger, cause error) error {
	failure := &ExternalWorkError{Cause: cause}

	err := o.repo.Transition(ctx, run.ID, []RunStatus{RunRequested, RunDebited, RunInFlight}, RunFailed, cause.Error())
	if err != nil && !errors.Is(err, errRunTaken) {
		log.Warn("failed to mark run failed", zap.Error(err))
	}

	receipt, err := refund(ctx, o.ledger, run, "refund: analysis failed")
	if err != nil {
		runsTotal.WithLabelValues(modePaid, "refund_failed").Inc()
		log.Error("refund failed, left for reconciliation", zap.NamedError("cause", cause), zap.Error(err))
		return failure
	}

	if err := o.repo.Transition(ctx, run.ID, []RunStatus{RunFailed}, RunRefunded, cause.Error()); err != nil && !errors.Is(err, errRunTaken) {
		log.Warn("failed to mark run refunded", zap.Error(err))
	}
	o.release(ctx, run, log)
	failure.Refunded = true

	runsTotal.WithLabelValues(modePaid, "refunded").Inc()
	log.Warn("paid analysis failed, chips refunded",
		zap.NamedError("cause", cause),
		zap.Int64("balance", receipt.Balance),
		zap.Bool("replayed", receipt.Replayed),
	)
	return failure
}

func (o *Orchestrator) reject(ctx context.Context, run *Run, cause error) {
	if err := o.repo.Transition(ctx, run.ID, []RunStatus{RunRequested}, RunRejected, cause.Error()); err != nil && !errors.Is(err, errRunTaken) {
		o.log.Warn("failed to mark run rejected", zap.String("run_id", run.ID), zap.Error(err))
	}
	run.Status = RunRejected
	if !errors.Is(cause, ErrInProgress) && !errors.Is(cause, ErrAlreadyProcessed) {
		o.release(ctx, run, o.log)
	}
}

func (o *Orchestrator) release(ctx context.Context, run *Run, log *zap.Logger) {
	if err := o.repo.ReleaseVideo(ctx, run.VideoID, run.ID); err != nil {
		log.Warn("failed to release video", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// refund credits the run's cost back under the run's refund reference, so
// retried refunds never pay twice.
func refund(ctx context.Context, l Ledger, run *Run, description string) (*ledger.Receipt, error) {
	if run.AccountID == nil {
		return nil, fmt.Errorf("run %s has no account", run.ID)
	}
	return l.Credit(ctx, ledger.CreditParams{
		AccountID:   *run.AccountID,
		Amount:      run.Cost,
		Description: description,
		Category:    ledger.CategoryRefund,
		ExternalRef: run.RefundRef(),
		ResourceRef: run.VideoID,
	})
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return "unknown_account"
	}
	return "error"
}

func (v *Video) label() string {
	if v.Title != "" {
		return v.Title
	}
	return v.ExternalID
}
