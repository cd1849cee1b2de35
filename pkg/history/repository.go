package history

import (
	"context"
	"time"

	"github.com/docflow-ai/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository is the append-only audit trail of everything that happens to a
// process. Rows are never updated or deleted.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type EventModel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	ProcessID   int64  `gorm:"index"`
	ActorID     *int64 `gorm:"index"`
	Action      string `gorm:"index"`
	StateBefore *string
	StateAfter  *string
	Description string
	Details     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

func (EventModel) TableName() string {
	return "process_history"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&EventModel{})
}

type AppendInput struct {
	ProcessID   int64
	ActorID     *int64
	Action      string
	StateBefore *models.ProcessState
	StateAfter  *models.ProcessState
	Description string
	Details     map[string]interface{}
}

func (r *Repository) Append(ctx context.Context, input AppendInput) error {
	return AppendTx(r.db.WithContext(ctx), input)
}

// AppendTx writes an event through the given handle, so callers holding a
// transaction can record the event atomically with their own writes.
func AppendTx(tx *gorm.DB, input AppendInput) error {
	event := EventModel{
		ProcessID:   input.ProcessID,
		ActorID:     input.ActorID,
		Action:      input.Action,
		StateBefore: stateString(input.StateBefore),
		StateAfter:  stateString(input.StateAfter),
		Description: input.Description,
		Details:     datatypes.JSONMap(input.Details),
		CreatedAt:   time.Now().UTC(),
	}
	return tx.Create(&event).Error
}

func (r *Repository) ListByProcess(ctx context.Context, processID int64, limit int) ([]models.HistoryEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []EventModel
	err := r.db.WithContext(ctx).
		Where("process_id = ?", processID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	events := make([]models.HistoryEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, mapEventModel(row))
	}
	return events, nil
}

func mapEventModel(row EventModel) models.HistoryEvent {
	return models.HistoryEvent{
		ID:          row.ID,
		ProcessID:   row.ProcessID,
		ActorID:     row.ActorID,
		Action:      row.Action,
		StateBefore: statePtr(row.StateBefore),
		StateAfter:  statePtr(row.StateAfter),
		Description: row.Description,
		Details:     map[string]interface{}(row.Details),
		CreatedAt:   row.CreatedAt,
	}
}

func stateString(s *models.ProcessState) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func statePtr(s *string) *models.ProcessState {
	if s == nil {
		return nil
	}
	v := models.ProcessState(*s)
	return &v
}
