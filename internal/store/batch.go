package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopfloor-backend/internal/model"
)

// BatchStore persists batch documents. Worker membership changes are atomic
// per element: AddWorker is add-if-absent and RemoveWorker is pull-by-key, so
// concurrent joins and leaves on one batch never clobber each other's entry.
var (
	// ErrBatchCompleted is returned by AddWorker when the batch was completed.
	ErrBatchCompleted = errors.New("batch is completed")
	// ErrInvalidKey is returned for stage or item ids that cannot be used as
	// document keys.
	ErrInvalidKey = errors.New("invalid document key")
)

// ValidKey reports whether k can be stored as a stage progress key. Keys must
// be non-empty, must not contain '.' or NUL, and must not start with '$'.
func ValidKey(k string) bool {
	return k != "" && !strings.HasPrefix(k, "$") && !strings.ContainsAny(k, ".\x00")
}

type BatchStore interface {
	CreateBatch(ctx context.Context, b *model.Batch) error
	GetBatch(ctx context.Context, id string) (*model.Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.Batch, error)

	// AddWorker inserts w unless the user is already active on the batch, then
	// sets timer_started_at (first active worker), time_started (first ever)
	// and assigned_to (if empty). It reports false if the user was present and
	// fails with ErrBatchCompleted once the batch is completed.
	AddWorker(ctx context.Context, batchID string, w model.BatchWorker, now time.Time) (bool, error)
	// UpdateWorker replaces the segment fields of an active entry. It reports
	// false if the entry is gone or no longer in the wasPaused state.
	UpdateWorker(ctx context.Context, batchID string, w model.BatchWorker, wasPaused bool) (bool, error)
	// RemoveWorker removes the user's entry, appends entry to the ledger and
	// adds entry.Minutes to the batch total. It reports false if the entry was
	// already gone.
	RemoveWorker(ctx context.Context, batchID, userID string, entry model.BatchWorkerSession) (bool, error)
	ListActiveWorkers(ctx context.Context, workflow model.Workflow) ([]ActiveBatchWorker, error)
	LedgerForUser(ctx context.Context, userID string, endedFrom, endedTo time.Time) ([]model.BatchWorkerSession, error)

	MoveStage(ctx context.Context, batchID, stageID, stageName string, now time.Time) error
	CompleteItem(ctx context.Context, batchID, stageID, itemID string, now time.Time) error
	MarkCompleted(ctx context.Context, batchID string, now time.Time) (bool, error)
}

type gormBatchStore struct {
	db *gorm.DB
}

// NewGormBatchStore creates a batch store over the relational database. Active
// workers are rows keyed by (batch_id, user_id).
func NewGormBatchStore(db *gorm.DB) BatchStore {
	return &gormBatchStore{db: db}
}

func (s *gormBatchStore) CreateBatch(ctx context.Context, b *model.Batch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.StageProgress == nil {
		b.StageProgress = model.StageProgress{}
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(b).Error; err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (s *gormBatchStore) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	b, err := first[model.Batch](s.db.WithContext(ctx).
		Preload("ActiveWorkers", func(db *gorm.DB) *gorm.DB { return db.Order("started_at") }).
		Preload("Ledger", func(db *gorm.DB) *gorm.DB { return db.Order("ended_at") }).
		Where("id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

func (s *gormBatchStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.Batch, error) {
	q := s.db.WithContext(ctx).Preload("ActiveWorkers")
	if f.Workflow != "" {
		q = q.Where("workflow = ?", f.Workflow)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.StageID != "" {
		q = q.Where("current_stage_id = ?", f.StageID)
	}
	if f.WithActiveWorkers {
		q = q.Where("EXISTS (SELECT 1 FROM batch_workers bw WHERE bw.batch_id = batches.id)")
	}
	var batches []model.Batch
	if err := q.Order("created_at DESC").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

func (s *gormBatchStore) AddWorker(ctx context.Context, batchID string, w model.BatchWorker, now time.Time) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := func() *gorm.DB { return tx.Model(&model.Batch{}).Where("id = ?", batchID) }
		open := row().Where("status <> ?", model.BatchStatusCompleted).Update("updated_at", now)
		if open.Error != nil {
			return fmt.Errorf("touch batch %s: %w", batchID, open.Error)
		}
		if open.RowsAffected == 0 {
			return ErrBatchCompleted
		}

		w.BatchID = batchID
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&w)
		if res.Error != nil {
			return fmt.Errorf("add worker %s to batch %s: %w", w.UserID, batchID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		added = true

		var active int64
		if err := tx.Model(&model.BatchWorker{}).Where("batch_id = ?", batchID).Count(&active).Error; err != nil {
			return err
		}
		if active == 1 {
			if err := row().Update("timer_started_at", now).Error; err != nil {
				return err
			}
		}
		if err := row().Where("time_started IS NULL").Update("time_started", now).Error; err != nil {
			return err
		}
		return row().Where("assigned_to = ''").Update("assigned_to", w.UserID).Error
	})
	return added, err
}

func (s *gormBatchStore) UpdateWorker(ctx context.Context, batchID string, w model.BatchWorker, wasPaused bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.BatchWorker{}).
		Where("batch_id = ? AND user_id = ? AND is_paused = ?", batchID, w.UserID, wasPaused).
		Updates(map[string]any{
			"started_at":          w.StartedAt,
			"accumulated_minutes": w.AccumulatedMinutes,
			"is_paused":           w.IsPaused,
		})
	if res.Error != nil {
		return false, fmt.Errorf("update worker %s on batch %s: %w", w.UserID, batchID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *gormBatchStore) RemoveWorker(ctx context.Context, batchID, userID string, entry model.BatchWorkerSession) (bool, error) {
	removed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("batch_id = ? AND user_id = ?", batchID, userID).Delete(&model.BatchWorker{})
		if res.Error != nil {
			return fmt.Errorf("remove worker %s from batch %s: %w", userID, batchID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		removed = true

		if entry.ID == "" {
			entry.ID = uuid.New().String()
		}
		entry.BatchID = batchID
		entry.UserID = userID
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("append ledger for %s: %w", userID, err)
		}
		return tx.Model(&model.Batch{}).Where("id = ?", batchID).UpdateColumns(map[string]any{
			"accumulated_minutes": gorm.Expr("accumulated_minutes + ?", entry.Minutes),
			"updated_at":          entry.EndedAt,
		}).Error
	})
	return removed, err
}

func (s *gormBatchStore) ListActiveWorkers(ctx context.Context, workflow model.Workflow) ([]ActiveBatchWorker, error) {
	filter := BatchFilter{Workflow: workflow, WithActiveWorkers: true}
	batches, err := s.ListBatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	return flattenActive(batches), nil
}

func (s *gormBatchStore) LedgerForUser(ctx context.Context, userID string, endedFrom, endedTo time.Time) ([]model.BatchWorkerSession, error) {
	var rows []model.BatchWorkerSession
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND ended_at >= ? AND ended_at < ?", userID, endedFrom.UTC(), endedTo.UTC()).
		Order("ended_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger for %s: %w", userID, err)
	}
	return rows, nil
}

// MoveStage changes the batch's current stage and resets per-stage progress.
// Active workers are not touched.
func (s *gormBatchStore) MoveStage(ctx context.Context, batchID, stageID, stageName string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Batch{ID: batchID}).
		Select("current_stage_id", "current_stage_name", "stage_progress", "updated_at").
		Updates(&model.Batch{
			CurrentStageID:   stageID,
			CurrentStageName: stageName,
			StageProgress:    model.StageProgress{},
			UpdatedAt:        now,
		})
	if res.Error != nil {
		return fmt.Errorf("move batch %s: %w", batchID, res.Error)
	}
	return nil
}

// CompleteItem marks itemID done at stageID. The document is rewritten inside
// a transaction so concurrent completions serialize on the row.
func (s *gormBatchStore) CompleteItem(ctx context.Context, batchID, stageID, itemID string, now time.Time) error {
	if !ValidKey(stageID) || !ValidKey(itemID) {
		return fmt.Errorf("complete item %q at %q: %w", itemID, stageID, ErrInvalidKey)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ?", batchID)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var b model.Batch
		if err := q.First(&b).Error; err != nil {
			return fmt.Errorf("load batch %s: %w", batchID, err)
		}
		if b.StageProgress == nil {
			b.StageProgress = model.StageProgress{}
		}
		if b.StageProgress[stageID] == nil {
			b.StageProgress[stageID] = map[string]bool{}
		}
		b.StageProgress[stageID][itemID] = true
		b.UpdatedAt = now
		return tx.Model(&b).Select("stage_progress", "updated_at").Updates(&b).Error
	})
}

func (s *gormBatchStore) MarkCompleted(ctx context.Context, batchID string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Batch{}).
		Where("id = ? AND status <> ?", batchID, model.BatchStatusCompleted).
		Updates(map[string]any{"status": model.BatchStatusCompleted, "completed_at": now, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("complete batch %s: %w", batchID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func flattenActive(batches []model.Batch) []ActiveBatchWorker {
	var out []ActiveBatchWorker
	for _, b := range batches {
		for _, w := range b.ActiveWorkers {
			out = append(out, ActiveBatchWorker{
				Worker:    w,
				BatchID:   b.ID,
				BatchName: b.Name,
				Workflow:  b.Workflow,
				StageID:   b.CurrentStageID,
				StageName: b.CurrentStageName,
			})
		}
	}
	return out
}
