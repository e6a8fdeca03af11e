package analysis

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"chipledger/pkg/featureflags"
	"chipledger/services/ledger"
	"chipledger/services/pricing"
	"chipledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// 90 minutes costs 3 chips.
const threeChipSeconds = 5400

type stubLimiter struct {
	mu   sync.Mutex
	seen map[string]bool
	wait time.Duration
}

func (l *stubLimiter) Allow(_ context.Context, callerID string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	if l.seen[callerID] {
		return l.wait, nil
	}
	l.seen[callerID] = true
	return 0, nil
}

type env struct {
	repo     *Repository
	store    *ledger.Store
	guard    *ledger.Guard
	provider *MockProvider
	limiter  *stubLimiter
	orch     *Orchestrator
}

func newEnv(t *testing.T, flags featureflags.FeatureFlag) *env {
	t.Helper()

	db := testutil.NewTestDB(t, &ledger.Account{}, &ledger.LedgerEntry{}, &Video{}, &Result{}, &Run{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})
	guard := ledger.NewGuard(ledger.GuardParams{Store: store})
	repo := NewRepository(RepositoryParams{DB: db, Node: node})
	provider := NewMockProvider(gomock.NewController(t))
	limiter := &stubLimiter{wait: time.Hour}

	orch := NewOrchestrator(OrchestratorParams{
		Repo:            repo,
		Ledger:          guard,
		Provider:        provider,
		Limiter:         limiter,
		Flags:           flags,
		ProviderTimeout: time.Second,
	})
	return &env{repo: repo, store: store, guard: guard, provider: provider, limiter: limiter, orch: orch}
}

func (e *env) fund(t *testing.T, accountID string, chips int64) {
	t.Helper()

	ctx := context.Background()
	_, err := e.store.EnsureAccount(ctx, accountID)
	require.NoError(t, err)
	if chips > 0 {
		_, err = e.guard.Credit(ctx, ledger.CreditParams{AccountID: accountID, Amount: chips, Category: ledger.CategoryPurchase, Description: "seed"})
		require.NoError(t, err)
	}
}

func (e *env) video(t *testing.T, externalID string, seconds int64) *Video {
	t.Helper()

	v, err := e.repo.RegisterVideo(context.Background(), RegisterVideoParams{ExternalID: externalID, Title: externalID, DurationSeconds: seconds})
	require.NoError(t, err)
	return v
}

func (e *env) balance(t *testing.T, accountID string) int64 {
	t.Helper()

	b, err := e.store.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func (e *env) entries(t *testing.T, accountID string) []ledger.LedgerEntry {
	t.Helper()

	out, err := e.store.ListRecent(context.Background(), accountID, 100, 0)
	require.NoError(t, err)
	return out
}

func (e *env) requireConsistent(t *testing.T, accountID string) {
	t.Helper()

	audit, err := e.store.Audit(context.Background(), accountID)
	require.NoError(t, err)
	require.True(t, audit.Consistent)
}

var okSummary = &Summary{
	Summary:      "A talk about ledgers.",
	ShortSummary: "Ledgers.",
	Timestamps:   []Timestamp{{Seconds: 0, Description: "intro"}, {Seconds: 600, Description: "hash chains"}},
}

func TestRunPaidActionSuccess(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.fund(t, "acc_1", 5)
	v := e.video(t, "yt_1", threeChipSeconds)

	e.provider.EXPECT().
		Analyze(gomock.Any(), AnalyzeRequest{VideoID: v.ID, ExternalID: "yt_1", DurationSeconds: threeChipSeconds, Instructions: "focus on storage"}).
		Return(okSummary, nil)

	out, err := e.orch.RunPaidAction(ctx, PaidActionRequest{AccountID: "acc_1", VideoID: v.ID, Instructions: "focus on storage"})
	require.NoError(t, err)
	require.Equal(t, int64(3), out.Cost)
	require.Equal(t, int64(2), out.Balance)
	require.Equal(t, RunCompleted, out.Run.Status)
	require.Equal(t, "A talk about ledgers.", out.Result.Summary)

	require.Equal(t, int64(2), e.balance(t, "acc_1"))
	entries := e.entries(t, "acc_1")
	require.Len(t, entries, 2)
	require.Equal(t, ledger.CategoryAnalysisSpend, entries[0].Category)
	require.Equal(t, int64(-3), entries[0].Delta)
	require.Equal(t, v.ID, *entries[0].ResourceRef)
	require.Equal(t, out.Run.SpendRef(), *entries[0].ExternalRef)

	stored, err := e.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, stored.Processed())
	require.Nil(t, stored.ProcessingRunID)

	res, err := e.repo.GetResult(ctx, v.ID)
	require.NoError(t, err)
	require.JSONEq(t, `[{"seconds":0,"description":"intro"},{"seconds":600,"description":"hash chains"}]`, string(res.Timestamps))

	e.requireConsistent(t, "acc_1")
}

func TestRunPaidActionInsufficientBalance(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, "acc_1", 1)
	v := e.video(t, "yt_1", threeChipSeconds)

	_, err := e.orch.RunPaidAction(context.Background(), PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(2), insufficient.Shortfall())

	require.Equal(t, int64(1), e.balance(t, "acc_1"))
	require.Len(t, e.entries(t, "acc_1"), 1, "only the seed entry")

	// the claim is released so a later attempt can proceed
	stored, err := e.repo.GetVideo(context.Background(), v.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ProcessingRunID)
}

func TestRunPaidActionRefundsOnProviderFailure(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.fund(t, "acc_1", 5)
	v := e.video(t, "yt_1", threeChipSeconds)
	seed := e.entries(t, "acc_1")

	boom := errors.New("provider exploded")
	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).Return(nil, boom)

	_, err := e.orch.RunPaidAction(ctx, PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	require.ErrorIs(t, err, ErrExternalWorkFailed)
	require.ErrorIs(t, err, boom)
	var failed *ExternalWorkError
	require.ErrorAs(t, err, &failed)
	require.True(t, failed.Refunded)

	require.Equal(t, int64(5), e.balance(t, "acc_1"))
	entries := e.entries(t, "acc_1")
	require.Len(t, entries, len(seed)+2)
	require.Equal(t, ledger.CategoryRefund, entries[0].Category)
	require.Equal(t, int64(3), entries[0].Delta)
	require.Equal(t, ledger.CategoryAnalysisSpend, entries[1].Category)
	require.Equal(t, int64(-3), entries[1].Delta)

	stored, err := e.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	require.False(t, stored.Processed())
	require.Nil(t, stored.ProcessingRunID)

	e.requireConsistent(t, "acc_1")
}

func TestRunPaidActionRefundsOnMalformedResponse(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, "acc_1", 3)
	v := e.video(t, "yt_1", threeChipSeconds)

	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).Return(&Summary{
		Summary:    "ok",
		Timestamps: []Timestamp{{Seconds: threeChipSeconds + 1}},
	}, nil)

	_, err := e.orch.RunPaidAction(context.Background(), PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	require.ErrorIs(t, err, ErrExternalWorkFailed)
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.Equal(t, int64(3), e.balance(t, "acc_1"))
}

func TestRunPaidActionAlreadyProcessed(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.fund(t, "acc_1", 10)
	v := e.video(t, "yt_1", threeChipSeconds)

	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).Return(okSummary, nil).Times(1)

	_, err := e.orch.RunPaidAction(ctx, PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	require.NoError(t, err)
	before := e.entries(t, "acc_1")

	_, err = e.orch.RunPaidAction(ctx, PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	require.Equal(t, int64(7), e.balance(t, "acc_1"))
	require.Len(t, e.entries(t, "acc_1"), len(before))
}

func TestRunPaidActionSurvivesCallerCancellation(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, "acc_1", 5)
	v := e.video(t, "yt_1", threeChipSeconds)

	ctx, cancel := context.WithCancel(context.Background())
	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).DoAndReturn(func(callCtx context.Context, _ AnalyzeRequest) (*Summary, error) {
		cancel()
		require.NoError(t, callCtx.Err(), "provider call must not inherit caller cancellation")
		return nil, errors.New("provider timeout")
	})

	_, err := e.orch.RunPaidAction(ctx, PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	require.ErrorIs(t, err, ErrExternalWorkFailed)
	require.Error(t, ctx.Err())

	require.Equal(t, int64(5), e.balance(t, "acc_1"))
	require.Len(t, e.entries(t, "acc_1"), 3)
	e.requireConsistent(t, "acc_1")
}

func TestRunPaidActionProviderTimeoutRefunds(t *testing.T) {
	e := newEnv(t, nil)
	e.orch.timeout = 20 * time.Millisecond
	e.fund(t, "acc_1", 3)
	v := e.video(t, "yt_1", threeChipSeconds)

	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).DoAndReturn(func(callCtx context.Context, _ AnalyzeRequest) (*Summary, error) {
		<-callCtx.Done()
		return nil, callCtx.Err()
	})

	_, err := e.orch.RunPaidAction(context.Background(), PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	require.ErrorIs(t, err, ErrExternalWorkFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int64(3), e.balance(t, "acc_1"))
}

func TestRunPaidActionConcurrentSameVideo(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, "acc_1", 10)
	e.fund(t, "acc_2", 10)
	v := e.video(t, "yt_1", threeChipSeconds)

	started := make(chan struct{})
	release := make(chan struct{})
	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, AnalyzeRequest) (*Summary, error) {
		close(started)
		<-release
		return okSummary, nil
	}).Times(1)

	done := make(chan error, 1)
	go func() {
		_, err := e.orch.RunPaidAction(context.Background(), PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
		done <- err
	}()
	<-started

	_, err := e.orch.RunPaidAction(context.Background(), PaidActionRequest{AccountID: "acc_2", VideoID: v.ID})
	require.ErrorIs(t, err, ErrInProgress)
	require.Equal(t, int64(10), e.balance(t, "acc_2"))

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int64(7), e.balance(t, "acc_1"))
}

func TestRunPaidActionUnknownVideo(t *testing.T) {
	e := newEnv(t, nil)
	e.fund(t, "acc_1", 5)

	_, err := e.orch.RunPaidAction(context.Background(), PaidActionRequest{AccountID: "acc_1", VideoID: "nope"})
	require.ErrorIs(t, err, ErrVideoNotFound)
}

func TestRunTrial(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	v1 := e.video(t, "yt_1", 600)
	v2 := e.video(t, "yt_2", 600)

	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).Return(okSummary, nil)

	out, err := e.orch.RunTrial(ctx, TrialRequest{CallerID: "203.0.113.7", VideoID: v1.ID})
	require.NoError(t, err)
	require.True(t, out.Run.Trial)
	require.Zero(t, out.Cost)

	_, err = e.orch.RunTrial(ctx, TrialRequest{CallerID: "203.0.113.7", VideoID: v2.ID})
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, time.Hour, limited.RetryAfter)

	stored, err := e.repo.GetVideo(ctx, v2.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ProcessingRunID)

	_, err = e.orch.RunTrial(ctx, TrialRequest{CallerID: "198.51.100.1", VideoID: v1.ID})
	require.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestRunTrialDisabled(t *testing.T) {
	e := newEnv(t, featureflags.Static{featureflags.TrialAnalysis: false})
	v := e.video(t, "yt_1", 600)

	_, err := e.orch.RunTrial(context.Background(), TrialRequest{CallerID: "c1", VideoID: v.ID})
	require.ErrorIs(t, err, ErrTrialDisabled)
}

func TestRunTrialFailureReleasesVideo(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	v := e.video(t, "yt_1", 600)

	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).Return(nil, errors.New("down"))

	out, err := e.orch.RunTrial(ctx, TrialRequest{CallerID: "c1", VideoID: v.ID})
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrExternalWorkFailed)
	var failed *ExternalWorkError
	require.ErrorAs(t, err, &failed)
	require.False(t, failed.Refunded)

	stored, err := e.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ProcessingRunID)
}

// creditDown debits through the guard but fails every credit.
type creditDown struct {
	*ledger.Guard
}

func (creditDown) Credit(context.Context, ledger.CreditParams) (*ledger.Receipt, error) {
	return nil, ledger.ErrStorage
}

func TestRunPaidActionRefundFailureLeavesRunForSweeper(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.fund(t, "acc_1", 5)
	v := e.video(t, "yt_1", threeChipSeconds)

	orch := NewOrchestrator(OrchestratorParams{
		Repo:            e.repo,
		Ledger:          creditDown{e.guard},
		Provider:        e.provider,
		Limiter:         e.limiter,
		ProviderTimeout: time.Second,
	})
	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).Return(nil, errors.New("down"))

	_, err := orch.RunPaidAction(ctx, PaidActionRequest{AccountID: "acc_1", VideoID: v.ID})
	var failed *ExternalWorkError
	require.ErrorAs(t, err, &failed)
	require.False(t, failed.Refunded)
	require.Equal(t, int64(2), e.balance(t, "acc_1"))

	stored, err := e.repo.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessingRunID)

	run, err := e.repo.GetRun(ctx, *stored.ProcessingRunID)
	require.NoError(t, err)
	require.Equal(t, RunFailed, run.Status)
}

func TestRegisterVideoRejectsOutOfRangeDuration(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	for _, secs := range []int64{0, pricing.MaxDurationSeconds + 1, math.MaxInt64} {
		_, err := e.repo.RegisterVideo(ctx, RegisterVideoParams{ExternalID: "yt_long", DurationSeconds: secs})
		require.ErrorIs(t, err, ErrInvalidVideo)
	}
}

func TestRunTrialInProgressKeepsCooldown(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	busy := e.video(t, "yt_busy", 600)
	free := e.video(t, "yt_free", 600)

	require.NoError(t, e.repo.ClaimVideo(ctx, busy.ID, "run_other"))

	_, err := e.orch.RunTrial(ctx, TrialRequest{CallerID: "c1", VideoID: busy.ID})
	require.ErrorIs(t, err, ErrInProgress)

	e.provider.EXPECT().Analyze(gomock.Any(), gomock.Any()).Return(okSummary, nil)
	out, err := e.orch.RunTrial(ctx, TrialRequest{CallerID: "c1", VideoID: free.ID})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, out.Run.Status)
}
