package taskname

const (
	// Ledger tasks
	LedgerAuditAccount = "ledger:audit:account"

	// Analysis tasks
	AnalysisReconcileRun = "analysis:reconcile:run"
)
