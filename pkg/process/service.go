package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/docflow-ai/platform/pkg/extraction"
	"github.com/docflow-ai/platform/pkg/history"
	"github.com/docflow-ai/platform/pkg/queue"
)

var (
	ErrNoAttachments     = errors.New("process has no documents to analyze")
	ErrMissingInstrument = errors.New("process has no original instrument attachment")
	ErrNotValidated      = errors.New("process data has not been validated")
	ErrProcessCompleted  = errors.New("process is completed and can no longer be edited")
)

// ValidationError carries per-field problems found while checking submitted
// data against the field rules.
type ValidationError struct {
	Problems map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("data validation failed for %d field(s)", len(e.Problems))
}

// Store is the slice of Repository the service orchestrates through.
type Store interface {
	Create(ctx context.Context, input CreateInput) (models.Process, error)
	GetByID(ctx context.Context, id int64) (models.Process, error)
	GetByCode(ctx context.Context, code string) (models.Process, error)
	UpdateFields(ctx context.Context, id int64, updates map[string]interface{}) error
	Transition(ctx context.Context, id int64, target models.ProcessState, actorID *int64, message string) (models.Process, error)
	SetExecutionID(ctx context.Context, id int64, phase models.Phase, executionID string) error
	List(ctx context.Context, filter models.ProcessFilter, page, perPage int) (models.ProcessPage, error)
	Stats(ctx context.Context) (models.ProcessStats, error)
}

// AttachmentStore is what the service needs from the attachment repository.
type AttachmentStore interface {
	ListByProcess(ctx context.Context, processID int64) ([]models.Attachment, error)
	FindByType(ctx context.Context, processID int64, attachmentType string) (models.Attachment, error)
}

// ExtractionStore is what the service needs from the extraction repository.
type ExtractionStore interface {
	GetLatest(ctx context.Context, processID int64) (models.ExtractedData, error)
	ListVersions(ctx context.Context, processID int64) ([]models.ExtractedData, error)
	SaveValidation(ctx context.Context, processID int64, validated models.DataSet, actorID int64) (models.ExtractedData, error)
	DataForFilling(ctx context.Context, processID int64) (map[string]interface{}, error)
}

type HistoryStore interface {
	Append(ctx context.Context, input history.AppendInput) error
	ListByProcess(ctx context.Context, processID int64, limit int) ([]models.HistoryEvent, error)
}

// Engine is the workflow-engine surface the service dispatches through.
type Engine interface {
	PrepareFiles(processID int64, attachments []models.Attachment) ([]models.EngineFile, error)
	TriggerAnalysis(ctx context.Context, processID int64, files []models.EngineFile, options map[string]interface{}) models.TriggerResult
	TriggerFilling(ctx context.Context, processID int64, data map[string]interface{}, instrumentURL string, options map[string]interface{}) models.TriggerResult
	HealthCheck(ctx context.Context) bool
}

// JobQueue publishes broker jobs for the workers.
type JobQueue interface {
	EnqueueAnalysis(ctx context.Context, processID int64, priority int) (string, error)
	EnqueueFilling(ctx context.Context, processID int64, priority int) (string, error)
	Status(ctx context.Context) queue.QueueStatus
}

type Notifier interface {
	Publish(ctx context.Context, eventType string, processID int64, data map[string]interface{})
}

// Service orchestrates the process lifecycle: creation, dispatch to the two
// worker phases, human validation, and the read surface.
type Service struct {
	store       Store
	attachments AttachmentStore
	extractions ExtractionStore
	events      HistoryStore
	engine      Engine
	jobs        JobQueue
	notifier    Notifier
	rules       extraction.RulesConfig

	defaultPriority int
}

func NewService(store Store, attachments AttachmentStore, extractions ExtractionStore, events HistoryStore, engine Engine, jobs JobQueue, notifier Notifier, rules extraction.RulesConfig, defaultPriority int) *Service {
	if defaultPriority <= 0 {
		defaultPriority = 5
	}
	return &Service{
		store:           store,
		attachments:     attachments,
		extractions:     extractions,
		events:          events,
		engine:          engine,
		jobs:            jobs,
		notifier:        notifier,
		rules:           rules,
		defaultPriority: defaultPriority,
	}
}

func (s *Service) Create(ctx context.Context, req models.CreateProcessRequest, actorID int64) (models.Process, error) {
	kind := req.Kind
	if kind == "" {
		kind = models.KindCollection
	}
	priority := req.Priority
	if priority <= 0 {
		priority = s.defaultPriority
	}
	return s.store.Create(ctx, CreateInput{
		Kind:      kind,
		Priority:  priority,
		Notes:     req.Notes,
		CreatedBy: actorID,
	})
}

// Get assembles the full detail view: the process row, its attachments, the
// latest extracted-data version, and recent history.
func (s *Service) Get(ctx context.Context, id int64) (models.ProcessDetails, error) {
	proc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return models.ProcessDetails{}, err
	}

	details := models.ProcessDetails{Process: proc}

	if details.Attachments, err = s.attachments.ListByProcess(ctx, id); err != nil {
		return models.ProcessDetails{}, err
	}

	latest, err := s.extractions.GetLatest(ctx, id)
	switch {
	case err == nil:
		details.Extracted = &latest
	case !errors.Is(err, extraction.ErrNoExtractedData):
		return models.ProcessDetails{}, err
	}

	if details.History, err = s.events.ListByProcess(ctx, id, 50); err != nil {
		return models.ProcessDetails{}, err
	}

	return details, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (models.Process, error) {
	return s.store.GetByCode(ctx, code)
}

func (s *Service) List(ctx context.Context, filter models.ProcessFilter, page, perPage int) (models.ProcessPage, error) {
	return s.store.List(ctx, filter, page, perPage)
}

func (s *Service) Stats(ctx context.Context) (models.ProcessStats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) History(ctx context.Context, id int64, limit int) ([]models.HistoryEvent, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListByProcess(ctx, id, limit)
}

func (s *Service) Versions(ctx context.Context, id int64) ([]models.ExtractedData, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.extractions.ListVersions(ctx, id)
}

func (s *Service) Update(ctx context.Context, id int64, req models.UpdateProcessRequest, actorID int64) (models.Process, error) {
	proc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return models.Process{}, err
	}
	if proc.State == models.StateCompleted {
		return models.Process{}, ErrProcessCompleted
	}

	updates := make(map[string]interface{})
	if req.Kind != nil {
		updates["kind"] = *req.Kind
	}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.AssignedTo != nil {
		updates["assigned_to"] = *req.AssignedTo
	}
	if req.Notes != nil {
		updates["notes"] = *req.Notes
	}

	if err := s.store.UpdateFields(ctx, id, updates); err != nil {
		return models.Process{}, err
	}

	if req.AssignedTo != nil {
		if err := s.events.Append(ctx, history.AppendInput{
			ProcessID: id,
			ActorID:   &actorID,
			Action:    models.ActionAssigned,
			Details:   map[string]interface{}{"assigned_to": *req.AssignedTo},
		}); err != nil {
			logger.Log.WithError(err).WithField("process_id", id).Warn("Failed to record assignment event")
		}
	}

	return s.store.GetByID(ctx, id)
}

// ChangeState applies a manual, operator-driven transition.
func (s *Service) ChangeState(ctx context.Context, id int64, target models.ProcessState, actorID int64, message string) (models.Process, error) {
	return s.store.Transition(ctx, id, target, &actorID, message)
}

func (s *Service) Cancel(ctx context.Context, id int64, actorID int64, reason string) (models.Process, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	return s.store.Transition(ctx, id, models.StateCancelled, &actorID, reason)
}

// Reactivate returns a cancelled process to the start of the lifecycle.
func (s *Service) Reactivate(ctx context.Context, id int64, actorID int64) (models.Process, error) {
	return s.store.Transition(ctx, id, models.StateCreated, &actorID, "reactivated by operator")
}

// EnqueueAnalysis moves the process into the analysis queue and dispatches
// the job. The transition commits first; a dispatch failure afterwards is
// recorded in history and surfaced in the trigger result, never rolled back.
// The worker's own failure callback drives the retry accounting from there.
func (s *Service) EnqueueAnalysis(ctx context.Context, id int64, actorID int64) (models.Process, models.TriggerResult, error) {
	proc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return models.Process{}, models.TriggerResult{}, err
	}
	if err := CheckTransition(proc.State, models.StateQueuedForAnalysis); err != nil {
		return models.Process{}, models.TriggerResult{}, err
	}

	attachments, err := s.attachments.ListByProcess(ctx, id)
	if err != nil {
		return models.Process{}, models.TriggerResult{}, err
	}
	if len(attachments) == 0 {
		return models.Process{}, models.TriggerResult{}, ErrNoAttachments
	}

	proc, err = s.store.Transition(ctx, id, models.StateQueuedForAnalysis, &actorID, "queued for analysis")
	if err != nil {
		return models.Process{}, models.TriggerResult{}, err
	}

	files, err := s.engine.PrepareFiles(id, attachments)
	if err != nil {
		s.recordDispatchFailure(ctx, id, models.PhaseAnalysis, err)
		return proc, models.TriggerResult{Error: err.Error()}, nil
	}

	if _, err := s.jobs.EnqueueAnalysis(ctx, id, proc.Priority); err != nil {
		s.recordDispatchFailure(ctx, id, models.PhaseAnalysis, err)
	}

	result := s.engine.TriggerAnalysis(ctx, id, files, nil)
	if result.Success && result.ExecutionID != "" {
		if err := s.store.SetExecutionID(ctx, id, models.PhaseAnalysis, result.ExecutionID); err != nil {
			logger.Log.WithError(err).WithField("process_id", id).Warn("Failed to record execution id")
		}
	}
	if !result.Success {
		s.recordDispatchFailure(ctx, id, models.PhaseAnalysis, errors.New(result.Error))
	}

	s.notifier.Publish(ctx, models.EventProcessQueued, id, map[string]interface{}{
		"code":  proc.Code,
		"phase": string(models.PhaseAnalysis),
	})

	return proc, result, nil
}

// Validate applies the reviewer's corrections. The submitted data is checked
// against the field rules, saved as the validated payload of the latest
// version, and the process moves to validated.
func (s *Service) Validate(ctx context.Context, id int64, validated models.DataSet, actorID int64) (models.Process, error) {
	proc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return models.Process{}, err
	}
	if err := CheckTransition(proc.State, models.StateValidated); err != nil {
		return models.Process{}, err
	}

	if problems := s.rules.Validate(extraction.Flatten(validated)); len(problems) > 0 {
		return models.Process{}, &ValidationError{Problems: problems}
	}

	if _, err := s.extractions.SaveValidation(ctx, id, validated, actorID); err != nil {
		return models.Process{}, err
	}

	proc, err = s.store.Transition(ctx, id, models.StateValidated, &actorID, "data validated by reviewer")
	if err != nil {
		return models.Process{}, err
	}

	s.notifier.Publish(ctx, models.EventProcessValidated, id, map[string]interface{}{"code": proc.Code})
	return proc, nil
}

// EnqueueFilling moves a validated process into the filling queue and
// dispatches the job with the flattened validated data and a tokened link to
// the original instrument.
func (s *Service) EnqueueFilling(ctx context.Context, id int64, actorID int64) (models.Process, models.TriggerResult, error) {
	proc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return models.Process{}, models.TriggerResult{}, err
	}
	if err := CheckTransition(proc.State, models.StateQueuedForFilling); err != nil {
		return models.Process{}, models.TriggerResult{}, err
	}

	data, err := s.extractions.DataForFilling(ctx, id)
	if err != nil {
		if errors.Is(err, extraction.ErrNoExtractedData) {
			return models.Process{}, models.TriggerResult{}, ErrNotValidated
		}
		return models.Process{}, models.TriggerResult{}, err
	}

	instrument, err := s.attachments.FindByType(ctx, id, models.AttachmentOriginalInstrument)
	if err != nil {
		return models.Process{}, models.TriggerResult{}, ErrMissingInstrument
	}

	files, err := s.engine.PrepareFiles(id, []models.Attachment{instrument})
	if err != nil || len(files) == 0 {
		return models.Process{}, models.TriggerResult{}, fmt.Errorf("failed to prepare instrument link: %w", err)
	}

	proc, err = s.store.Transition(ctx, id, models.StateQueuedForFilling, &actorID, "queued for filling")
	if err != nil {
		return models.Process{}, models.TriggerResult{}, err
	}

	if _, err := s.jobs.EnqueueFilling(ctx, id, proc.Priority); err != nil {
		s.recordDispatchFailure(ctx, id, models.PhaseFilling, err)
	}

	result := s.engine.TriggerFilling(ctx, id, data, files[0].URL, nil)
	if result.Success && result.ExecutionID != "" {
		if err := s.store.SetExecutionID(ctx, id, models.PhaseFilling, result.ExecutionID); err != nil {
			logger.Log.WithError(err).WithField("process_id", id).Warn("Failed to record execution id")
		}
	}
	if !result.Success {
		s.recordDispatchFailure(ctx, id, models.PhaseFilling, errors.New(result.Error))
	}

	s.notifier.Publish(ctx, models.EventProcessQueued, id, map[string]interface{}{
		"code":  proc.Code,
		"phase": string(models.PhaseFilling),
	})

	return proc, result, nil
}

// EngineHealth probes the workflow engine and the broker.
func (s *Service) EngineHealth(ctx context.Context) map[string]interface{} {
	queues := s.jobs.Status(ctx)
	return map[string]interface{}{
		"engine": s.engine.HealthCheck(ctx),
		"broker": queues.Connected,
		"queues": queues.Queues,
	}
}

func (s *Service) recordDispatchFailure(ctx context.Context, id int64, phase models.Phase, cause error) {
	msg := "dispatch failed"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	logger.Log.WithField("process_id", id).WithField("phase", string(phase)).Warn("Dispatch failed: " + msg)
	if err := s.events.Append(ctx, history.AppendInput{
		ProcessID:   id,
		Action:      models.ActionError,
		Description: "dispatch failed, job will be re-sent manually",
		Details:     map[string]interface{}{"phase": string(phase), "error": msg},
	}); err != nil {
		logger.Log.WithError(err).WithField("process_id", id).Warn("Failed to record dispatch failure")
	}
}
