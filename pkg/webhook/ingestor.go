package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/docflow-ai/platform/pkg/attachment"
	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/docflow-ai/platform/pkg/history"
	"github.com/docflow-ai/platform/pkg/process"
	"gorm.io/gorm"
)

var (
	ErrUnknownProcess = errors.New("unknown process")
	ErrEmptyPayload   = errors.New("callback payload missing required data")
)

// ProcessStore is the slice of the process repository the ingestor consumes.
type ProcessStore interface {
	GetByID(ctx context.Context, id int64) (models.Process, error)
	Transition(ctx context.Context, id int64, target models.ProcessState, actorID *int64, message string) (models.Process, error)
	CompleteAnalysis(ctx context.Context, id int64, executionID string, fn func(tx *gorm.DB) error) (models.Process, bool, error)
	CompleteFilling(ctx context.Context, id int64, filledPath, executionID string, fn func(tx *gorm.DB) error) (models.Process, bool, error)
	RegisterWorkerFailure(ctx context.Context, id int64, phase models.Phase, errMsg, executionID string) (process.FailureOutcome, error)
	SetExecutionID(ctx context.Context, id int64, phase models.Phase, executionID string) error
}

// ExtractionStore persists a new data version inside the caller's transaction.
type ExtractionStore interface {
	SaveAnalysisTx(tx *gorm.DB, processID int64, data models.DataSet, meta *models.ExtractionMetadata) (models.ExtractedData, error)
}

// AttachmentStore records the filled-instrument row inside the caller's
// transaction.
type AttachmentStore interface {
	CreateTx(tx *gorm.DB, input attachment.CreateInput) (models.Attachment, error)
}

// BlobStore writes the decoded filled instrument to durable storage.
type BlobStore interface {
	Write(processID int64, originalName string, content []byte) (fileName, path string, err error)
}

type HistoryStore interface {
	Append(ctx context.Context, input history.AppendInput) error
}

type Notifier interface {
	Publish(ctx context.Context, eventType string, processID int64, data map[string]interface{})
}

// Ingestor applies worker callbacks to process state. All state decisions
// happen inside locked transactions owned by the process store, so concurrent
// callbacks for the same process serialize.
type Ingestor struct {
	processes   ProcessStore
	extractions ExtractionStore
	attachments AttachmentStore
	blobs       BlobStore
	events      HistoryStore
	notifier    Notifier
}

func NewIngestor(processes ProcessStore, extractions ExtractionStore, attachments AttachmentStore, blobs BlobStore, events HistoryStore, notifier Notifier) *Ingestor {
	return &Ingestor{
		processes:   processes,
		extractions: extractions,
		attachments: attachments,
		blobs:       blobs,
		events:      events,
		notifier:    notifier,
	}
}

// HandleAnalysisResult processes the analysis worker's callback. On success
// it saves a new extracted-data version and moves the process to analyzed in
// one transaction. A callback for an already-analyzed process is acknowledged
// as a duplicate without writing a new version.
func (g *Ingestor) HandleAnalysisResult(ctx context.Context, cb models.AnalysisCallback) (models.CallbackResult, error) {
	if cb.ProcessID == 0 {
		return models.CallbackResult{}, ErrEmptyPayload
	}

	if !cb.Success || cb.Data == nil || cb.Data.IsEmpty() {
		errMsg := cb.Error
		if errMsg == "" {
			errMsg = "analysis returned no data"
		}
		return g.registerFailure(ctx, cb.ProcessID, models.PhaseAnalysis, errMsg, cb.ExecutionID, cb.Details)
	}

	var version int
	updated, duplicate, err := g.processes.CompleteAnalysis(ctx, cb.ProcessID, cb.ExecutionID, func(tx *gorm.DB) error {
		saved, err := g.extractions.SaveAnalysisTx(tx, cb.ProcessID, *cb.Data, cb.Metadata)
		if err != nil {
			return err
		}
		version = saved.Version
		return nil
	})
	if errors.Is(err, process.ErrProcessNotFound) {
		return models.CallbackResult{}, ErrUnknownProcess
	}
	if err != nil {
		return models.CallbackResult{}, err
	}

	result := models.CallbackResult{
		ProcessID: updated.ID,
		State:     updated.State,
		Version:   version,
	}
	if duplicate {
		logger.Log.WithField("process_id", updated.ID).Warn("Duplicate analysis callback acknowledged")
		return result, nil
	}

	g.notifier.Publish(ctx, models.EventProcessAnalyzed, updated.ID, map[string]interface{}{
		"code":    updated.Code,
		"version": version,
	})
	return result, nil
}

// HandleFillingResult processes the filling worker's callback. The filled
// document arrives either inline as base64 or as a path already on shared
// storage. On success the attachment row and the completed transition commit
// together.
func (g *Ingestor) HandleFillingResult(ctx context.Context, cb models.FillingCallback) (models.CallbackResult, error) {
	if cb.ProcessID == 0 {
		return models.CallbackResult{}, ErrEmptyPayload
	}

	if !cb.Success {
		errMsg := cb.Error
		if errMsg == "" {
			errMsg = "filling failed without detail"
		}
		return g.registerFailure(ctx, cb.ProcessID, models.PhaseFilling, errMsg, cb.ExecutionID, cb.Details)
	}

	fileName, path, size, err := g.materializeFilledFile(cb)
	if err != nil {
		if errors.Is(err, ErrEmptyPayload) {
			return g.registerFailure(ctx, cb.ProcessID, models.PhaseFilling, "filling callback carried no document", cb.ExecutionID, cb.Details)
		}
		return models.CallbackResult{}, err
	}

	updated, duplicate, err := g.processes.CompleteFilling(ctx, cb.ProcessID, path, cb.ExecutionID, func(tx *gorm.DB) error {
		_, err := g.attachments.CreateTx(tx, attachment.CreateInput{
			ProcessID:    cb.ProcessID,
			Type:         models.AttachmentFilledInstrument,
			OriginalName: cb.FileName,
			FileName:     fileName,
			Path:         path,
			MimeType:     "application/pdf",
			SizeBytes:    size,
		})
		return err
	})
	if errors.Is(err, process.ErrProcessNotFound) {
		return models.CallbackResult{}, ErrUnknownProcess
	}
	if err != nil {
		return models.CallbackResult{}, err
	}

	result := models.CallbackResult{ProcessID: updated.ID, State: updated.State}
	if duplicate {
		logger.Log.WithField("process_id", updated.ID).Warn("Duplicate filling callback acknowledged")
		return result, nil
	}

	g.notifier.Publish(ctx, models.EventProcessCompleted, updated.ID, map[string]interface{}{
		"code": updated.Code,
		"file": fileName,
	})
	return result, nil
}

// HandleProgress applies a worker's in-flight status report. Progress is
// telemetry: only the two working states can move the process, and a report
// that cannot apply (finished process, unknown process, stale state) is
// logged and ignored rather than rejected.
func (g *Ingestor) HandleProgress(ctx context.Context, processID int64, state models.ProcessState, executionID string) models.CallbackResult {
	if processID == 0 {
		logger.Log.Warn("Progress report without process id ignored")
		return models.CallbackResult{}
	}
	if state != models.StateAnalyzing && state != models.StateFilling {
		logger.Log.WithFields(map[string]interface{}{
			"process_id": processID,
			"state":      state,
		}).Warn("Progress report with non-working state ignored")
		return models.CallbackResult{ProcessID: processID}
	}

	updated, err := g.processes.Transition(ctx, processID, state, nil, "worker picked up job")
	if err != nil {
		logger.Log.WithError(err).WithField("process_id", processID).Warn("Progress report ignored")
		return models.CallbackResult{ProcessID: processID}
	}

	if executionID != "" {
		phase := models.PhaseAnalysis
		if state == models.StateFilling {
			phase = models.PhaseFilling
		}
		if err := g.processes.SetExecutionID(ctx, processID, phase, executionID); err != nil {
			logger.Log.WithError(err).WithField("process_id", processID).Warn("Failed to record execution id")
		}
	}

	return models.CallbackResult{ProcessID: updated.ID, State: updated.State}
}

// HandleWorkerError records a generic error report from the engine. It is a
// telemetry channel: the report lands in the log and, when it names a known
// process, in that process's history. State and attempt counters move only
// through the result callbacks, where the worker says success or failure.
func (g *Ingestor) HandleWorkerError(ctx context.Context, processID int64, phase models.Phase, message, executionID string, details map[string]interface{}) {
	if message == "" {
		message = "worker reported an unspecified error"
	}

	log := logger.Log.WithFields(map[string]interface{}{
		"process_id":   processID,
		"phase":        string(phase),
		"execution_id": executionID,
	})
	log.Warn("Worker error reported: " + message)

	if processID == 0 {
		return
	}
	if _, err := g.processes.GetByID(ctx, processID); err != nil {
		log.WithError(err).Warn("Worker error report for unknown process discarded")
		return
	}

	eventDetails := map[string]interface{}{"error": message}
	if phase != "" {
		eventDetails["phase"] = string(phase)
	}
	if executionID != "" {
		eventDetails["execution_id"] = executionID
	}
	if len(details) > 0 {
		eventDetails["details"] = details
	}
	if err := g.events.Append(ctx, history.AppendInput{
		ProcessID:   processID,
		Action:      models.ActionError,
		Description: "Worker reported error: " + message,
		Details:     eventDetails,
	}); err != nil {
		log.WithError(err).Warn("Failed to record worker error event")
	}
}

// HandleHeartbeat records a liveness ping from the workflow engine.
func (g *Ingestor) HandleHeartbeat(ctx context.Context, source string, details map[string]interface{}) {
	logger.Log.WithFields(map[string]interface{}{
		"source":  source,
		"details": details,
	}).Debug("Engine heartbeat received")
}

func (g *Ingestor) registerFailure(ctx context.Context, processID int64, phase models.Phase, errMsg, executionID string, details map[string]interface{}) (models.CallbackResult, error) {
	outcome, err := g.processes.RegisterWorkerFailure(ctx, processID, phase, errMsg, executionID)
	if errors.Is(err, process.ErrProcessNotFound) {
		return models.CallbackResult{}, ErrUnknownProcess
	}
	if err != nil {
		return models.CallbackResult{}, err
	}

	if !outcome.Ignored && !outcome.CanRetry {
		g.notifier.Publish(ctx, models.EventProcessFailed, processID, map[string]interface{}{
			"phase":    string(phase),
			"error":    errMsg,
			"attempts": outcome.Attempts,
			"details":  details,
		})
	}

	return models.CallbackResult{
		ProcessID:   processID,
		State:       outcome.State,
		Attempts:    outcome.Attempts,
		MaxAttempts: outcome.MaxAttempts,
		CanRetry:    outcome.CanRetry,
	}, nil
}

// materializeFilledFile resolves the callback's document into a stored file.
// Inline base64 content wins over a server-side path.
func (g *Ingestor) materializeFilledFile(cb models.FillingCallback) (fileName, path string, size int64, err error) {
	name := cb.FileName
	if name == "" {
		name = fmt.Sprintf("pagare_llenado_%d.pdf", cb.ProcessID)
	}

	if cb.FileContent != "" {
		content, decodeErr := base64.StdEncoding.DecodeString(cb.FileContent)
		if decodeErr != nil {
			return "", "", 0, fmt.Errorf("invalid base64 document content: %w", decodeErr)
		}
		fileName, path, err = g.blobs.Write(cb.ProcessID, name, content)
		if err != nil {
			return "", "", 0, fmt.Errorf("failed to store filled document: %w", err)
		}
		return fileName, path, int64(len(content)), nil
	}

	if cb.FilePath != "" {
		return name, cb.FilePath, 0, nil
	}

	return "", "", 0, ErrEmptyPayload
}
