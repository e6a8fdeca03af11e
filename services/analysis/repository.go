package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chipledger/services/ledger"
	"chipledger/services/pricing"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists videos, results and runs.
type Repository struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time
}

type RepositoryParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewRepository(p RepositoryParams) *Repository {
	return &Repository{db: p.DB, node: p.Node, now: time.Now}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ledger.ErrStorage, err)
}

// RegisterVideo upserts a video by external id. Duration and title follow
// the latest registration.
func (r *Repository) RegisterVideo(ctx context.Context, p RegisterVideoParams) (*Video, error) {
	if p.ExternalID == "" || p.DurationSeconds <= 0 || p.DurationSeconds > pricing.MaxDurationSeconds {
		return nil, ErrInvalidVideo
	}

	v := Video{
		ID:              r.node.Generate().String(),
		ExternalID:      p.ExternalID,
		Title:           p.Title,
		DurationSeconds: p.DurationSeconds,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "duration_seconds", "updated_at"}),
	}).Create(&v).Error
	if err != nil {
		return nil, storageErr(err)
	}

	var out Video
	if err := r.db.WithContext(ctx).Where("external_id = ?", p.ExternalID).Take(&out).Error; err != nil {
		return nil, storageErr(err)
	}
	return &out, nil
}

func (r *Repository) GetVideo(ctx context.Context, id string) (*Video, error) {
	var v Video
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVideoNotFound
		}
		return nil, storageErr(err)
	}
	return &v, nil
}

func (r *Repository) GetResult(ctx context.Context, videoID string) (*Result, error) {
	var res Result
	if err := r.db.WithContext(ctx).Where("video_id = ?", videoID).Take(&res).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResultNotFound
		}
		return nil, storageErr(err)
	}
	return &res, nil
}

func (r *Repository) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = r.node.Generate().String()
	}
	if run.Status == "" {
		run.Status = RunRequested
	}
	now := r.now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return storageErr(err)
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		return nil, storageErr(err)
	}
	return &run, nil
}

// Transition moves the run to status `to` only while it is in one of
// `from`. It returns errRunTaken when the run had already moved on.
func (r *Repository) Transition(ctx context.Context, runID string, from []RunStatus, to RunStatus, reason string) error {
	res := r.db.WithContext(ctx).Model(&Run{}).
		Where("id = ? AND status IN ?", runID, from).
		Updates(map[string]any{
			"status":     to,
			"error":      truncate(reason, 500),
			"updated_at": r.now().UTC(),
		})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return errRunTaken
	}
	return nil
}

// ClaimVideo marks the video as held by runID. It fails with
// ErrAlreadyProcessed when a result is attached and ErrInProgress when
// another run holds it.
func (r *Repository) ClaimVideo(ctx context.Context, videoID, runID string) error {
	res := r.db.WithContext(ctx).Model(&Video{}).
		Where("id = ? AND result_id IS NULL AND processing_run_id IS NULL", videoID).
		Updates(map[string]any{
			"processing_run_id": runID,
			"updated_at":        r.now().UTC(),
		})
	if res.Error != nil {
		return storageErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	v, err := r.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if v.Processed() {
		return ErrAlreadyProcessed
	}
	return ErrInProgress
}

func (r *Repository) ReleaseVideo(ctx context.Context, videoID, runID string) error {
	err := r.db.WithContext(ctx).Model(&Video{}).
		Where("id = ? AND processing_run_id = ?", videoID, runID).
		Updates(map[string]any{
			"processing_run_id": nil,
			"updated_at":        r.now().UTC(),
		}).Error
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// Complete stores the result, attaches it to the video and closes the run in
// one transaction. The run must still be in flight.
func (r *Repository) Complete(ctx context.Context, run *Run, result *Result) error {
	if result.ID == "" {
		result.ID = r.node.Generate().String()
	}
	result.RunID, result.VideoID = run.ID, run.VideoID
	now := r.now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Run{}).
			Where("id = ? AND status = ?", run.ID, RunInFlight).
			Updates(map[string]any{"status": RunCompleted, "error": "", "updated_at": now})
		if res.Error != nil {
			return storageErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return errRunTaken
		}

		if err := tx.Create(result).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyProcessed
			}
			return storageErr(err)
		}

		res = tx.Model(&Video{}).
			Where("id = ? AND processing_run_id = ?", run.VideoID, run.ID).
			Updates(map[string]any{
				"result_id":         result.ID,
				"processing_run_id": nil,
				"updated_at":        now,
			})
		if res.Error != nil {
			return storageErr(res.Error)
		}
		if res.RowsAffected == 0 {
			return errRunTaken
		}
		return nil
	})
	if err != nil {
		return err
	}
	run.Status = RunCompleted
	return nil
}

// StaleRuns lists open runs whose last update is older than before, oldest
// first.
func (r *Repository) StaleRuns(ctx context.Context, before time.Time, limit int) ([]Run, error) {
	var runs []Run
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", openStatuses, before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, storageErr(err)
	}
	return runs, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
