package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shopfloor-backend/internal/model"
)

// Store defines the relational operations behind the timer services.
type Store interface {
	DB() *gorm.DB

	ListStages(ctx context.Context, workflow model.Workflow) ([]model.Stage, error)
	GetStage(ctx context.Context, workflow model.Workflow, stageID string) (*model.Stage, error)
	SeedStages(ctx context.Context, stages []model.Stage) error

	GetOpenTimer(ctx context.Context, userID string) (*model.OpenTimer, error)
	ClaimTimer(ctx context.Context, claim *model.OpenTimer) (bool, error)
	ReleaseTimer(ctx context.Context, userID string, kind model.TimerKind, ref string) error

	StartSession(ctx context.Context, claim *model.OpenTimer, session *model.TimeSession) (bool, error)
	GetSession(ctx context.Context, id string) (*model.TimeSession, error)
	FindOpenSession(ctx context.Context, userID string, workflow model.Workflow, stageID string) (*model.TimeSession, error)
	UpdateOpenSession(ctx context.Context, session *model.TimeSession, wasPaused bool) (bool, error)
	CloseSession(ctx context.Context, session *model.TimeSession) (bool, error)
	IncrementSessionCounters(ctx context.Context, sessionID string, items, orders int) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.TimeSession, error)
	CreateSession(ctx context.Context, session *model.TimeSession) error
	SaveSession(ctx context.Context, session *model.TimeSession) error
	DeleteSession(ctx context.Context, session *model.TimeSession) error

	RecordEvent(ctx context.Context, event *model.TimerEvent) error

	GetUserRates(ctx context.Context, userIDs []string) (map[string]float64, error)
	UpsertUserRate(ctx context.Context, rate *model.UserRate) error

	CreateAck(ctx context.Context, ack *model.DailyLimitAck) error
	LatestAck(ctx context.Context, userID, date string) (*model.DailyLimitAck, error)

	MoveBatchOrders(ctx context.Context, batchID, stageID, stageName string, now time.Time) (int64, error)
	FulfillBatchOrders(ctx context.Context, batchID string, now time.Time) (int64, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for simple CRUD handlers.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// first runs a First query, mapping "no rows" to a nil result.
func first[T any](q *gorm.DB) (*T, error) {
	var out T
	err := q.First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *gormStore) ListStages(ctx context.Context, workflow model.Workflow) ([]model.Stage, error) {
	var stages []model.Stage
	if err := s.db.WithContext(ctx).Where("workflow = ?", workflow).Order("position").Find(&stages).Error; err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return stages, nil
}

func (s *gormStore) GetStage(ctx context.Context, workflow model.Workflow, stageID string) (*model.Stage, error) {
	stage, err := first[model.Stage](s.db.WithContext(ctx).Where("id = ? AND workflow = ?", stageID, workflow))
	if err != nil {
		return nil, fmt.Errorf("get stage %s: %w", stageID, err)
	}
	return stage, nil
}

// SeedStages inserts missing stages and leaves existing ones untouched.
func (s *gormStore) SeedStages(ctx context.Context, stages []model.Stage) error {
	if len(stages) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&stages).Error
}

func (s *gormStore) GetOpenTimer(ctx context.Context, userID string) (*model.OpenTimer, error) {
	claim, err := first[model.OpenTimer](s.db.WithContext(ctx).Where("user_id = ?", userID))
	if err != nil {
		return nil, fmt.Errorf("get open timer for %s: %w", userID, err)
	}
	return claim, nil
}

// ClaimTimer inserts the user's current-timer row if none exists. It reports
// false when another timer already holds the claim.
func (s *gormStore) ClaimTimer(ctx context.Context, claim *model.OpenTimer) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(claim)
	if res.Error != nil {
		return false, fmt.Errorf("claim timer for %s: %w", claim.UserID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseTimer drops the user's claim if it still refers to ref (a session ID
// for stage timers, a batch ID for batch timers).
func (s *gormStore) ReleaseTimer(ctx context.Context, userID string, kind model.TimerKind, ref string) error {
	return releaseTimer(s.db.WithContext(ctx), userID, kind, ref)
}

func releaseTimer(tx *gorm.DB, userID string, kind model.TimerKind, ref string) error {
	q := tx.Where("user_id = ? AND kind = ?", userID, kind)
	if kind == model.TimerKindStage {
		q = q.Where("session_id = ?", ref)
	} else {
		q = q.Where("batch_id = ?", ref)
	}
	if err := q.Delete(&model.OpenTimer{}).Error; err != nil {
		return fmt.Errorf("release timer for %s: %w", userID, err)
	}
	return nil
}

// StartSession claims the user's timer and inserts the session in one
// transaction. It reports false, and writes nothing, if the claim is taken.
func (s *gormStore) StartSession(ctx context.Context, claim *model.OpenTimer, session *model.TimeSession) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(claim)
		if res.Error != nil {
			return fmt.Errorf("claim timer for %s: %w", claim.UserID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("create session for %s: %w", session.UserID, err)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (s *gormStore) GetSession(ctx context.Context, id string) (*model.TimeSession, error) {
	session, err := first[model.TimeSession](s.db.WithContext(ctx).Where("id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return session, nil
}

// FindOpenSession returns the user's open stage session. An empty workflow or
// stageID widens the match.
func (s *gormStore) FindOpenSession(ctx context.Context, userID string, workflow model.Workflow, stageID string) (*model.TimeSession, error) {
	q := s.db.WithContext(ctx).Where("user_id = ? AND completed_at IS NULL", userID)
	if workflow != "" {
		q = q.Where("workflow = ?", workflow)
	}
	if stageID != "" {
		q = q.Where("stage_id = ?", stageID)
	}
	session, err := first[model.TimeSession](q.Order("started_at DESC"))
	if err != nil {
		return nil, fmt.Errorf("find open session for %s: %w", userID, err)
	}
	return session, nil
}

// UpdateOpenSession writes the running/paused fields only if the session is
// still open and still in the wasPaused state it was read in.
func (s *gormStore) UpdateOpenSession(ctx context.Context, session *model.TimeSession, wasPaused bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.TimeSession{}).
		Where("id = ? AND completed_at IS NULL AND is_paused = ?", session.ID, wasPaused).
		Updates(map[string]any{
			"started_at":          session.StartedAt,
			"accumulated_minutes": session.AccumulatedMinutes,
			"is_paused":           session.IsPaused,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("update session %s: %w", session.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CloseSession persists the completed session and releases the user's claim.
// It reports false if the session had already been closed.
func (s *gormStore) CloseSession(ctx context.Context, session *model.TimeSession) (bool, error) {
	closed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.TimeSession{}).
			Where("id = ? AND completed_at IS NULL", session.ID).
			Updates(map[string]any{
				"accumulated_minutes": session.AccumulatedMinutes,
				"is_paused":           false,
				"completed_at":        session.CompletedAt,
				"duration_minutes":    session.DurationMinutes,
				"items_processed":     session.ItemsProcessed,
				"orders_processed":    session.OrdersProcessed,
				"auto_stopped":        session.AutoStopped,
				"auto_stop_reason":    session.AutoStopReason,
				"updated_at":          time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("close session %s: %w", session.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		closed = true
		return releaseTimer(tx, session.UserID, model.TimerKindStage, session.ID)
	})
	return closed, err
}

// IncrementSessionCounters adds to the counters of an open session in place.
func (s *gormStore) IncrementSessionCounters(ctx context.Context, sessionID string, items, orders int) error {
	res := s.db.WithContext(ctx).Model(&model.TimeSession{}).
		Where("id = ? AND completed_at IS NULL", sessionID).
		UpdateColumns(map[string]any{
			"items_processed":  gorm.Expr("items_processed + ?", items),
			"orders_processed": gorm.Expr("orders_processed + ?", orders),
		})
	if res.Error != nil {
		return fmt.Errorf("increment counters on %s: %w", sessionID, res.Error)
	}
	return nil
}

func (s *gormStore) ListSessions(ctx context.Context, f SessionFilter) ([]model.TimeSession, error) {
	q := s.db.WithContext(ctx).Model(&model.TimeSession{})
	if f.Workflow != "" {
		q = q.Where("workflow = ?", f.Workflow)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.StageID != "" {
		q = q.Where("stage_id = ?", f.StageID)
	}
	if f.BatchID != "" {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	switch {
	case f.OpenOnly:
		q = q.Where("completed_at IS NULL")
	case f.ClosedOnly:
		q = q.Where("completed_at IS NOT NULL")
	}
	if f.CompletedFrom != nil {
		q = q.Where("completed_at >= ?", f.CompletedFrom.UTC())
	}
	if f.CompletedTo != nil {
		q = q.Where("completed_at < ?", f.CompletedTo.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var sessions []model.TimeSession
	if err := q.Order("started_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *gormStore) CreateSession(ctx context.Context, session *model.TimeSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(session).Error
}

// SaveSession overwrites every column and releases the user's claim when the
// session is no longer open.
func (s *gormStore) SaveSession(ctx context.Context, session *model.TimeSession) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(session).Error; err != nil {
			return fmt.Errorf("save session %s: %w", session.ID, err)
		}
		if session.IsOpen() {
			return nil
		}
		return releaseTimer(tx, session.UserID, model.TimerKindStage, session.ID)
	})
}

func (s *gormStore) DeleteSession(ctx context.Context, session *model.TimeSession) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.TimeSession{}, "id = ?", session.ID).Error; err != nil {
			return fmt.Errorf("delete session %s: %w", session.ID, err)
		}
		return releaseTimer(tx, session.UserID, model.TimerKindStage, session.ID)
	})
}

func (s *gormStore) RecordEvent(ctx context.Context, event *model.TimerEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *gormStore) GetUserRates(ctx context.Context, userIDs []string) (map[string]float64, error) {
	rates := make(map[string]float64, len(userIDs))
	if len(userIDs) == 0 {
		return rates, nil
	}
	var rows []model.UserRate
	if err := s.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get user rates: %w", err)
	}
	for _, r := range rows {
		rates[r.UserID] = r.HourlyRate
	}
	return rates, nil
}

func (s *gormStore) UpsertUserRate(ctx context.Context, rate *model.UserRate) error {
	rate.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hourly_rate", "updated_at"}),
	}).Create(rate).Error
}

func (s *gormStore) CreateAck(ctx context.Context, ack *model.DailyLimitAck) error {
	if ack.ID == "" {
		ack.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(ack).Error
}

func (s *gormStore) LatestAck(ctx context.Context, userID, date string) (*model.DailyLimitAck, error) {
	ack, err := first[model.DailyLimitAck](s.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		Order("acknowledged_at DESC"))
	if err != nil {
		return nil, fmt.Errorf("latest ack for %s: %w", userID, err)
	}
	return ack, nil
}

func (s *gormStore) MoveBatchOrders(ctx context.Context, batchID, stageID, stageName string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("batch_id = ?", batchID).
		Updates(map[string]any{"stage_id": stageID, "stage_name": stageName, "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("move orders of batch %s: %w", batchID, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *gormStore) FulfillBatchOrders(ctx context.Context, batchID string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("batch_id = ? AND status <> ?", batchID, model.OrderStatusFulfilled).
		Updates(map[string]any{"status": model.OrderStatusFulfilled, "fulfilled_at": now, "updated_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("fulfill orders of batch %s: %w", batchID, res.Error)
	}
	return res.RowsAffected, nil
}
