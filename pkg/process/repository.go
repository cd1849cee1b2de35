package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/docflow-ai/platform/pkg/history"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProcessNotFound = errors.New("process not found")
	ErrProcessInactive = errors.New("process is no longer in flight")
)

const codePrefix = "COOP"

type Repository struct {
	db          *gorm.DB
	maxAttempts int
}

func NewRepository(db *gorm.DB, maxAttempts int) *Repository {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Repository{db: db, maxAttempts: maxAttempts}
}

type ProcessModel struct {
	ID       int64  `gorm:"primaryKey;autoIncrement"`
	Code     string `gorm:"uniqueIndex"`
	Kind     string `gorm:"index"`
	State    string `gorm:"index"`
	Priority int

	AnalysisAttempts int
	FillingAttempts  int
	MaxAttempts      int

	CreatedBy  int64
	AssignedTo *int64
	Notes      string

	AnalysisExecutionID  *string
	FillingExecutionID   *string
	FilledInstrumentPath *string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	AnalyzedAt  *time.Time
	ValidatedAt *time.Time
	CompletedAt *time.Time
}

func (ProcessModel) TableName() string {
	return "processes"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&ProcessModel{})
}

type CreateInput struct {
	Kind      string
	Priority  int
	Notes     string
	CreatedBy int64
}

// Create inserts a new process with a month-scoped sequential code
// (COOP + YYYYMM + 4-digit sequence) and appends the creation event, all in
// one transaction.
func (r *Repository) Create(ctx context.Context, input CreateInput) (models.Process, error) {
	var created ProcessModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		prefix := codePrefix + now.Format("200601")

		var maxSeq int64
		err := tx.Model(&ProcessModel{}).
			Where("code LIKE ?", prefix+"%").
			Select("COALESCE(MAX(CAST(RIGHT(code, 4) AS INTEGER)), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return err
		}

		created = ProcessModel{
			Code:        fmt.Sprintf("%s%04d", prefix, maxSeq+1),
			Kind:        input.Kind,
			State:       string(models.StateCreated),
			Priority:    input.Priority,
			MaxAttempts: r.maxAttempts,
			CreatedBy:   input.CreatedBy,
			Notes:       input.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}

		after := models.StateCreated
		return history.AppendTx(tx, history.AppendInput{
			ProcessID:   created.ID,
			ActorID:     &input.CreatedBy,
			Action:      models.ActionCreated,
			StateAfter:  &after,
			Description: "Process created with code " + created.Code,
		})
	})
	if err != nil {
		return models.Process{}, err
	}

	return mapProcessModel(created), nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (models.Process, error) {
	var row ProcessModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Process{}, ErrProcessNotFound
	}
	if err != nil {
		return models.Process{}, err
	}
	return mapProcessModel(row), nil
}

func (r *Repository) GetByCode(ctx context.Context, code string) (models.Process, error) {
	var row ProcessModel
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Process{}, ErrProcessNotFound
	}
	if err != nil {
		return models.Process{}, err
	}
	return mapProcessModel(row), nil
}

// UpdateFields changes the mutable metadata of a process (kind, priority,
// assignee, notes). Lifecycle columns are never touched here.
func (r *Repository) UpdateFields(ctx context.Context, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&ProcessModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProcessNotFound
	}
	return nil
}

// Transition moves a process to target if the transition table allows it,
// stamps the phase timestamp, and appends the history event, all in one
// locked transaction per process row so concurrent callbacks serialize.
func (r *Repository) Transition(ctx context.Context, id int64, target models.ProcessState, actorID *int64, message string) (models.Process, error) {
	var updated ProcessModel

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockProcess(tx, id)
		if err != nil {
			return err
		}

		current := models.ProcessState(row.State)
		if err := CheckTransition(current, target); err != nil {
			return err
		}

		now := time.Now().UTC()
		row.State = string(target)
		row.UpdatedAt = now

		switch target {
		case models.StateAnalyzed:
			row.AnalyzedAt = &now
		case models.StateValidated:
			row.ValidatedAt = &now
		case models.StateCompleted:
			row.CompletedAt = &now
		case models.StateQueuedForAnalysis:
			// Manual re-queue from the error state restores the attempt
			// budget for the new cycle.
			if current == models.StateAnalysisError {
				row.AnalysisAttempts = 0
			}
		case models.StateQueuedForFilling:
			if current == models.StateFillingError {
				row.FillingAttempts = 0
			}
		}

		if err := tx.Save(row).Error; err != nil {
			return err
		}

		if message == "" {
			message = fmt.Sprintf("State changed from %s to %s", current, target)
		}
		if err := history.AppendTx(tx, history.AppendInput{
			ProcessID:   id,
			ActorID:     actorID,
			Action:      models.ActionStateChanged,
			StateBefore: &current,
			StateAfter:  &target,
			Description: message,
		}); err != nil {
			return err
		}

		updated = *row
		return nil
	})
	if err != nil {
		return models.Process{}, err
	}

	return mapProcessModel(updated), nil
}

// CompleteAnalysis records a successful analysis callback: transition to
// analyzed plus whatever fn writes (the extracted-data version), atomically.
// A process already in analyzed is acknowledged as a duplicate without any
// write.
func (r *Repository) CompleteAnalysis(ctx context.Context, id int64, executionID string, fn func(tx *gorm.DB) error) (models.Process, bool, error) {
	var (
		updated   ProcessModel
		duplicate bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockProcess(tx, id)
		if err != nil {
			return err
		}

		current := models.ProcessState(row.State)
		if current == models.StateAnalyzed {
			duplicate = true
			updated = *row
			return nil
		}
		if current != models.StateAnalyzing && current != models.StateQueuedForAnalysis {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, models.StateAnalyzed)
		}

		now := time.Now().UTC()
		row.State = string(models.StateAnalyzed)
		row.AnalyzedAt = &now
		row.UpdatedAt = now
		if executionID != "" {
			row.AnalysisExecutionID = &executionID
		}
		if err := tx.Save(row).Error; err != nil {
			return err
		}

		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}

		after := models.StateAnalyzed
		if err := history.AppendTx(tx, history.AppendInput{
			ProcessID:   id,
			Action:      models.ActionAnalyzed,
			StateBefore: &current,
			StateAfter:  &after,
			Description: "Document analysis completed by worker",
			Details:     executionDetails(executionID),
		}); err != nil {
			return err
		}

		updated = *row
		return nil
	})
	if err != nil {
		return models.Process{}, false, err
	}

	return mapProcessModel(updated), duplicate, nil
}

// CompleteFilling records a successful filling callback. A callback may land
// before the worker ever reported progress, so queued_for_filling is accepted
// alongside filling.
func (r *Repository) CompleteFilling(ctx context.Context, id int64, filledPath, executionID string, fn func(tx *gorm.DB) error) (models.Process, bool, error) {
	var (
		updated   ProcessModel
		duplicate bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockProcess(tx, id)
		if err != nil {
			return err
		}

		current := models.ProcessState(row.State)
		if current == models.StateCompleted {
			duplicate = true
			updated = *row
			return nil
		}
		if current != models.StateFilling && current != models.StateQueuedForFilling {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, models.StateCompleted)
		}

		now := time.Now().UTC()
		row.State = string(models.StateCompleted)
		row.CompletedAt = &now
		row.UpdatedAt = now
		if filledPath != "" {
			row.FilledInstrumentPath = &filledPath
		}
		if executionID != "" {
			row.FillingExecutionID = &executionID
		}
		if err := tx.Save(row).Error; err != nil {
			return err
		}

		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}

		after := models.StateCompleted
		if err := history.AppendTx(tx, history.AppendInput{
			ProcessID:   id,
			Action:      models.ActionFilled,
			StateBefore: &current,
			StateAfter:  &after,
			Description: "Instrument filled successfully",
			Details:     executionDetails(executionID),
		}); err != nil {
			return err
		}

		updated = *row
		return nil
	})
	if err != nil {
		return models.Process{}, false, err
	}

	return mapProcessModel(updated), duplicate, nil
}

type FailureOutcome struct {
	State       models.ProcessState
	Attempts    int
	MaxAttempts int
	CanRetry    bool

	// Ignored marks a report that arrived while the phase was not in
	// flight. The ledger keeps it; counters and state do not move.
	Ignored bool
}

// RegisterWorkerFailure is the increment-then-compare-then-transition
// sequence for a worker-reported failure. It runs entirely under a row lock:
// two concurrent failure callbacks serialize, and the second observes the
// first's increment.
func (r *Repository) RegisterWorkerFailure(ctx context.Context, id int64, phase models.Phase, errMsg, executionID string) (FailureOutcome, error) {
	var outcome FailureOutcome

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockProcess(tx, id)
		if err != nil {
			return err
		}

		current := models.ProcessState(row.State)
		if !phaseActive(phase, current) {
			// The phase is not in flight: the process finished, was
			// cancelled, or a later attempt already succeeded. Keep the
			// report in the ledger but do not consume an attempt.
			outcome = FailureOutcome{State: current, MaxAttempts: row.MaxAttempts, Ignored: true}
			return history.AppendTx(tx, history.AppendInput{
				ProcessID:   id,
				Action:      models.ActionError,
				Description: fmt.Sprintf("Stale worker failure report ignored in state %s: %s", current, errMsg),
				Details:     executionDetails(executionID),
			})
		}

		var attempts int
		if phase == models.PhaseFilling {
			row.FillingAttempts++
			attempts = row.FillingAttempts
		} else {
			row.AnalysisAttempts++
			attempts = row.AnalysisAttempts
		}

		target := retryState(phase)
		if attempts >= row.MaxAttempts {
			target = errorState(phase)
		}

		now := time.Now().UTC()
		row.State = string(target)
		row.UpdatedAt = now
		if executionID != "" {
			if phase == models.PhaseFilling {
				row.FillingExecutionID = &executionID
			} else {
				row.AnalysisExecutionID = &executionID
			}
		}
		if err := tx.Save(row).Error; err != nil {
			return err
		}

		description := fmt.Sprintf("Worker failure (attempt %d/%d): %s", attempts, row.MaxAttempts, errMsg)
		if target == errorState(phase) {
			description = fmt.Sprintf("Attempt budget exhausted (%d/%d): %s", attempts, row.MaxAttempts, errMsg)
		}
		details := executionDetails(executionID)
		if details == nil {
			details = map[string]interface{}{}
		}
		details["error"] = errMsg
		details["attempts"] = attempts

		if err := history.AppendTx(tx, history.AppendInput{
			ProcessID:   id,
			Action:      models.ActionError,
			StateBefore: &current,
			StateAfter:  &target,
			Description: description,
			Details:     details,
		}); err != nil {
			return err
		}

		outcome = FailureOutcome{
			State:       target,
			Attempts:    attempts,
			MaxAttempts: row.MaxAttempts,
			CanRetry:    attempts < row.MaxAttempts,
		}
		return nil
	})
	if err != nil {
		return FailureOutcome{}, err
	}

	return outcome, nil
}

// SetExecutionID records the external engine execution id for the in-flight
// phase job.
func (r *Repository) SetExecutionID(ctx context.Context, id int64, phase models.Phase, executionID string) error {
	column := "analysis_execution_id"
	if phase == models.PhaseFilling {
		column = "filling_execution_id"
	}
	return r.db.WithContext(ctx).Model(&ProcessModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{column: executionID, "updated_at": time.Now().UTC()}).Error
}

func (r *Repository) List(ctx context.Context, filter models.ProcessFilter, page, perPage int) (models.ProcessPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 10
	}

	query := r.db.WithContext(ctx).Model(&ProcessModel{})
	if filter.State != "" {
		query = query.Where("state = ?", string(filter.State))
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, s := range filter.States {
			states = append(states, string(s))
		}
		query = query.Where("state IN ?", states)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Code != "" {
		query = query.Where("code LIKE ?", "%"+filter.Code+"%")
	}
	if filter.CreatedBy != 0 {
		query = query.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.AssignedTo != 0 {
		query = query.Where("assigned_to = ?", filter.AssignedTo)
	}
	if filter.Query != "" {
		like := "%" + filter.Query + "%"
		query = query.Where("code LIKE ? OR notes LIKE ?", like, like)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("created_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return models.ProcessPage{}, err
	}

	var rows []ProcessModel
	err := query.Order("created_at DESC").
		Limit(perPage).
		Offset((page - 1) * perPage).
		Find(&rows).Error
	if err != nil {
		return models.ProcessPage{}, err
	}

	items := make([]models.Process, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapProcessModel(row))
	}

	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	return models.ProcessPage{
		Items: items,
		Pagination: models.Pagination{
			Total:       total,
			PerPage:     perPage,
			CurrentPage: page,
			TotalPages:  totalPages,
			HasMore:     page < totalPages,
		},
	}, nil
}

func (r *Repository) Stats(ctx context.Context) (models.ProcessStats, error) {
	type stateCount struct {
		State string
		Total int64
	}

	var counts []stateCount
	err := r.db.WithContext(ctx).Model(&ProcessModel{}).
		Select("state, COUNT(*) as total").
		Group("state").
		Scan(&counts).Error
	if err != nil {
		return models.ProcessStats{}, err
	}

	stats := models.ProcessStats{ByState: make(map[models.ProcessState]int64)}
	for _, c := range counts {
		stats.ByState[models.ProcessState(c.State)] = c.Total
		stats.Total += c.Total
	}

	startOfDay := time.Now().UTC().Truncate(24 * time.Hour)
	err = r.db.WithContext(ctx).Model(&ProcessModel{}).
		Where("state = ? AND completed_at >= ?", string(models.StateCompleted), startOfDay).
		Count(&stats.CompletedToday).Error
	if err != nil {
		return models.ProcessStats{}, err
	}

	return stats, nil
}

func lockProcess(tx *gorm.DB, id int64) (*ProcessModel, error) {
	var row ProcessModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProcessNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func executionDetails(executionID string) map[string]interface{} {
	if executionID == "" {
		return nil
	}
	return map[string]interface{}{"execution_id": executionID}
}

func mapProcessModel(row ProcessModel) models.Process {
	return models.Process{
		ID:                   row.ID,
		Code:                 row.Code,
		Kind:                 row.Kind,
		State:                models.ProcessState(row.State),
		Priority:             row.Priority,
		AnalysisAttempts:     row.AnalysisAttempts,
		FillingAttempts:      row.FillingAttempts,
		MaxAttempts:          row.MaxAttempts,
		CreatedBy:            row.CreatedBy,
		AssignedTo:           row.AssignedTo,
		Notes:                row.Notes,
		AnalysisExecutionID:  row.AnalysisExecutionID,
		FillingExecutionID:   row.FillingExecutionID,
		FilledInstrumentPath: row.FilledInstrumentPath,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
		AnalyzedAt:           row.AnalyzedAt,
		ValidatedAt:          row.ValidatedAt,
		CompletedAt:          row.CompletedAt,
	}
}
