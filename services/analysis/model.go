package analysis

import (
	"time"

	"gorm.io/datatypes"
)

// Video is the analysed resource. DurationSeconds drives the chip cost.
// ProcessingRunID is set while a run holds the video and cleared when it ends.
type Video struct {
	ID              string    `gorm:"column:id;primaryKey;size:32" json:"id"`
	ExternalID      string    `gorm:"column:external_id;size:191;not null;uniqueIndex" json:"external_id"`
	Title           string    `gorm:"column:title;size:255" json:"title"`
	DurationSeconds int64     `gorm:"column:duration_seconds;not null" json:"duration_seconds"`
	ResultID        *string   `gorm:"column:result_id;size:32" json:"result_id,omitempty"`
	ProcessingRunID *string   `gorm:"column:processing_run_id;size:32;index" json:"-"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (v *Video) Processed() bool {
	return v.ResultID != nil && *v.ResultID != ""
}

type Result struct {
	ID           string         `gorm:"column:id;primaryKey;size:32" json:"id"`
	VideoID      string         `gorm:"column:video_id;size:32;not null;uniqueIndex" json:"video_id"`
	RunID        string         `gorm:"column:run_id;size:32;not null" json:"run_id"`
	Summary      string         `gorm:"column:summary;type:text" json:"summary"`
	ShortSummary string         `gorm:"column:short_summary;type:text" json:"short_summary"`
	Timestamps   datatypes.JSON `gorm:"column:timestamps" json:"timestamps"`
	Instructions string         `gorm:"column:instructions;type:text" json:"instructions,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"created_at"`
}

type RunStatus string

const (
	RunRequested RunStatus = "requested"
	RunDebited   RunStatus = "debited"
	RunInFlight  RunStatus = "in_flight"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunRefunded  RunStatus = "refunded"
	RunRejected  RunStatus = "rejected"
	RunAbandoned RunStatus = "abandoned"
)

// Open reports whether the run still owes an outcome.
func (s RunStatus) Open() bool {
	switch s {
	case RunRequested, RunDebited, RunInFlight, RunFailed:
		return true
	}
	return false
}

var openStatuses = []RunStatus{RunRequested, RunDebited, RunInFlight, RunFailed}

// Run is one orchestration attempt. Paid runs carry AccountID and Cost;
// trial runs carry CallerID and never touch the ledger.
type Run struct {
	ID        string    `gorm:"column:id;primaryKey;size:32" json:"id"`
	AccountID *string   `gorm:"column:account_id;size:64;index" json:"account_id,omitempty"`
	CallerID  *string   `gorm:"column:caller_id;size:191" json:"caller_id,omitempty"`
	VideoID   string    `gorm:"column:video_id;size:32;not null;index" json:"video_id"`
	Cost      int64     `gorm:"column:cost;not null" json:"cost"`
	Status    RunStatus `gorm:"column:status;size:20;not null;index" json:"status"`
	Trial     bool      `gorm:"column:trial;not null" json:"trial"`
	Error     string    `gorm:"column:error;size:500" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;index" json:"updated_at"`
}

func (r *Run) SpendRef() string  { return "spend:" + r.ID }
func (r *Run) RefundRef() string { return "refund:" + r.ID }

type Timestamp struct {
	Seconds     int64  `json:"seconds"`
	Description string `json:"description"`
}

type AnalyzeRequest struct {
	VideoID         string `json:"video_id"`
	ExternalID      string `json:"external_id"`
	DurationSeconds int64  `json:"duration_seconds"`
	Instructions    string `json:"instructions,omitempty"`
}

type Summary struct {
	Summary      string      `json:"summary"`
	ShortSummary string      `json:"short_summary"`
	Timestamps   []Timestamp `json:"timestamps"`
}

type RegisterVideoParams struct {
	ExternalID      string
	Title           string
	DurationSeconds int64
}

type PaidActionRequest struct {
	AccountID    string
	VideoID      string
	Instructions string
}

type TrialRequest struct {
	CallerID     string
	VideoID      string
	Instructions string
}

// Outcome is a completed run. Balance is only meaningful for paid runs.
type Outcome struct {
	Run     *Run    `json:"run"`
	Result  *Result `json:"result"`
	Cost    int64   `json:"cost"`
	Balance int64   `json:"balance"`
}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Refunded  int `json:"refunded"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
}
