package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/docflow-ai/platform/pkg/attachment"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/docflow-ai/platform/pkg/history"
	"github.com/docflow-ai/platform/pkg/process"
	"gorm.io/gorm"
)

// fakeProcessStore reproduces the repository's locked decision logic over an
// in-memory map.
type fakeProcessStore struct {
	procs map[int64]*models.Process
}

func newFakeProcessStore(states ...models.ProcessState) *fakeProcessStore {
	s := &fakeProcessStore{procs: make(map[int64]*models.Process)}
	for i, state := range states {
		id := int64(i + 1)
		s.procs[id] = &models.Process{
			ID:          id,
			Code:        fmt.Sprintf("COOP2026%04d", id),
			State:       state,
			MaxAttempts: 3,
		}
	}
	return s
}

func (s *fakeProcessStore) GetByID(_ context.Context, id int64) (models.Process, error) {
	p, ok := s.procs[id]
	if !ok {
		return models.Process{}, process.ErrProcessNotFound
	}
	return *p, nil
}

func (s *fakeProcessStore) Transition(_ context.Context, id int64, target models.ProcessState, _ *int64, _ string) (models.Process, error) {
	p, ok := s.procs[id]
	if !ok {
		return models.Process{}, process.ErrProcessNotFound
	}
	if err := process.CheckTransition(p.State, target); err != nil {
		return models.Process{}, err
	}
	p.State = target
	return *p, nil
}

func (s *fakeProcessStore) CompleteAnalysis(_ context.Context, id int64, _ string, fn func(tx *gorm.DB) error) (models.Process, bool, error) {
	p, ok := s.procs[id]
	if !ok {
		return models.Process{}, false, process.ErrProcessNotFound
	}
	if p.State == models.StateAnalyzed {
		return *p, true, nil
	}
	if p.State != models.StateAnalyzing && p.State != models.StateQueuedForAnalysis {
		return models.Process{}, false, fmt.Errorf("%w: %s -> %s", process.ErrInvalidTransition, p.State, models.StateAnalyzed)
	}
	p.State = models.StateAnalyzed
	if fn != nil {
		if err := fn(nil); err != nil {
			return models.Process{}, false, err
		}
	}
	return *p, false, nil
}

func (s *fakeProcessStore) CompleteFilling(_ context.Context, id int64, filledPath, _ string, fn func(tx *gorm.DB) error) (models.Process, bool, error) {
	p, ok := s.procs[id]
	if !ok {
		return models.Process{}, false, process.ErrProcessNotFound
	}
	if p.State == models.StateCompleted {
		return *p, true, nil
	}
	if p.State != models.StateFilling && p.State != models.StateQueuedForFilling {
		return models.Process{}, false, fmt.Errorf("%w: %s -> %s", process.ErrInvalidTransition, p.State, models.StateCompleted)
	}
	p.State = models.StateCompleted
	p.FilledInstrumentPath = &filledPath
	if fn != nil {
		if err := fn(nil); err != nil {
			return models.Process{}, false, err
		}
	}
	return *p, false, nil
}

func (s *fakeProcessStore) RegisterWorkerFailure(_ context.Context, id int64, phase models.Phase, _, _ string) (process.FailureOutcome, error) {
	p, ok := s.procs[id]
	if !ok {
		return process.FailureOutcome{}, process.ErrProcessNotFound
	}
	active := p.State == models.StateQueuedForAnalysis || p.State == models.StateAnalyzing
	if phase == models.PhaseFilling {
		active = p.State == models.StateQueuedForFilling || p.State == models.StateFilling
	}
	if !active {
		return process.FailureOutcome{State: p.State, MaxAttempts: p.MaxAttempts, Ignored: true}, nil
	}

	var attempts int
	retry := models.StateQueuedForAnalysis
	fail := models.StateAnalysisError
	if phase == models.PhaseFilling {
		p.FillingAttempts++
		attempts = p.FillingAttempts
		retry = models.StateQueuedForFilling
		fail = models.StateFillingError
	} else {
		p.AnalysisAttempts++
		attempts = p.AnalysisAttempts
	}

	target := retry
	if attempts >= p.MaxAttempts {
		target = fail
	}
	p.State = target

	return process.FailureOutcome{
		State:       target,
		Attempts:    attempts,
		MaxAttempts: p.MaxAttempts,
		CanRetry:    attempts < p.MaxAttempts,
	}, nil
}

func (s *fakeProcessStore) SetExecutionID(_ context.Context, id int64, phase models.Phase, executionID string) error {
	p, ok := s.procs[id]
	if !ok {
		return process.ErrProcessNotFound
	}
	if phase == models.PhaseFilling {
		p.FillingExecutionID = &executionID
	} else {
		p.AnalysisExecutionID = &executionID
	}
	return nil
}

type fakeExtractionStore struct {
	versions int
}

func (s *fakeExtractionStore) SaveAnalysisTx(_ *gorm.DB, processID int64, data models.DataSet, _ *models.ExtractionMetadata) (models.ExtractedData, error) {
	s.versions++
	return models.ExtractedData{ProcessID: processID, Version: s.versions, Original: data}, nil
}

type fakeAttachmentStore struct {
	created []attachment.CreateInput
}

func (s *fakeAttachmentStore) CreateTx(_ *gorm.DB, input attachment.CreateInput) (models.Attachment, error) {
	s.created = append(s.created, input)
	return models.Attachment{ID: int64(len(s.created)), ProcessID: input.ProcessID, Type: input.Type}, nil
}

type fakeBlobStore struct {
	written map[string][]byte
}

func (s *fakeBlobStore) Write(processID int64, originalName string, content []byte) (string, string, error) {
	if s.written == nil {
		s.written = make(map[string][]byte)
	}
	path := fmt.Sprintf("storage/%d/%s", processID, originalName)
	s.written[path] = content
	return originalName, path, nil
}

type fakeHistoryStore struct {
	events []history.AppendInput
}

func (s *fakeHistoryStore) Append(_ context.Context, input history.AppendInput) error {
	s.events = append(s.events, input)
	return nil
}

type fakeNotifier struct {
	published []string
}

func (n *fakeNotifier) Publish(_ context.Context, eventType string, _ int64, _ map[string]interface{}) {
	n.published = append(n.published, eventType)
}

type fixture struct {
	store       *fakeProcessStore
	extractions *fakeExtractionStore
	attachments *fakeAttachmentStore
	blobs       *fakeBlobStore
	events      *fakeHistoryStore
	notifier    *fakeNotifier
	ingestor    *Ingestor
}

func newFixture(states ...models.ProcessState) *fixture {
	f := &fixture{
		store:       newFakeProcessStore(states...),
		extractions: &fakeExtractionStore{},
		attachments: &fakeAttachmentStore{},
		blobs:       &fakeBlobStore{},
		events:      &fakeHistoryStore{},
		notifier:    &fakeNotifier{},
	}
	f.ingestor = NewIngestor(f.store, f.extractions, f.attachments, f.blobs, f.events, f.notifier)
	return f
}

func sampleData() *models.DataSet {
	principal := 15000000.0
	name := "Carlos Perez"
	return &models.DataSet{
		AccountStatement: &models.AccountStatement{Principal: &principal},
		Debtor:           &models.Party{FullName: &name},
	}
}

func TestAnalysisSuccess(t *testing.T) {
	f := newFixture(models.StateAnalyzing)

	result, err := f.ingestor.HandleAnalysisResult(context.Background(), models.AnalysisCallback{
		ProcessID:   1,
		Success:     true,
		Data:        sampleData(),
		ExecutionID: "exec-1",
	})
	if err != nil {
		t.Fatalf("HandleAnalysisResult: %v", err)
	}
	if result.State != models.StateAnalyzed {
		t.Errorf("state = %s, want analyzed", result.State)
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
	if f.extractions.versions != 1 {
		t.Errorf("saved versions = %d, want 1", f.extractions.versions)
	}
	if len(f.notifier.published) != 1 || f.notifier.published[0] != models.EventProcessAnalyzed {
		t.Errorf("published = %v, want [process.analyzed]", f.notifier.published)
	}
}

func TestAnalysisDuplicateIsIdempotent(t *testing.T) {
	f := newFixture(models.StateAnalyzing)
	cb := models.AnalysisCallback{ProcessID: 1, Success: true, Data: sampleData()}

	if _, err := f.ingestor.HandleAnalysisResult(context.Background(), cb); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	result, err := f.ingestor.HandleAnalysisResult(context.Background(), cb)
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}

	if result.State != models.StateAnalyzed {
		t.Errorf("state = %s, want analyzed", result.State)
	}
	if f.extractions.versions != 1 {
		t.Errorf("saved versions = %d, want 1 after a duplicate", f.extractions.versions)
	}
	if len(f.notifier.published) != 1 {
		t.Errorf("published %d events, want 1", len(f.notifier.published))
	}
}

func TestAnalysisSuccessWithoutDataIsFailure(t *testing.T) {
	f := newFixture(models.StateAnalyzing)

	result, err := f.ingestor.HandleAnalysisResult(context.Background(), models.AnalysisCallback{
		ProcessID: 1,
		Success:   true,
	})
	if err != nil {
		t.Fatalf("HandleAnalysisResult: %v", err)
	}
	if result.State != models.StateQueuedForAnalysis {
		t.Errorf("state = %s, want queued_for_analysis (retry)", result.State)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

func TestFailureAttemptsAreMonotonic(t *testing.T) {
	f := newFixture(models.StateAnalyzing)
	cb := models.AnalysisCallback{ProcessID: 1, Error: "ocr timeout"}

	for want := 1; want <= 3; want++ {
		result, err := f.ingestor.HandleAnalysisResult(context.Background(), cb)
		if err != nil {
			t.Fatalf("failure %d: %v", want, err)
		}
		if result.Attempts != want {
			t.Errorf("failure %d recorded attempts=%d", want, result.Attempts)
		}
	}
}

func TestFailureThresholdBoundary(t *testing.T) {
	f := newFixture(models.StateFilling)
	cb := models.FillingCallback{ProcessID: 1, Error: "template mismatch"}

	// Attempts 1 and 2 stay below the budget of 3 and re-queue.
	for want := 1; want <= 2; want++ {
		result, err := f.ingestor.HandleFillingResult(context.Background(), cb)
		if err != nil {
			t.Fatalf("failure %d: %v", want, err)
		}
		if result.State != models.StateQueuedForFilling {
			t.Errorf("failure %d state = %s, want queued_for_filling", want, result.State)
		}
		if !result.CanRetry {
			t.Errorf("failure %d should still allow retry", want)
		}
		// Simulate the worker picking the job back up.
		if _, err := f.store.Transition(context.Background(), 1, models.StateFilling, nil, ""); err != nil {
			t.Fatalf("requeue pickup: %v", err)
		}
	}

	// The third failure exhausts the budget.
	result, err := f.ingestor.HandleFillingResult(context.Background(), cb)
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if result.State != models.StateFillingError {
		t.Errorf("state = %s, want filling_error", result.State)
	}
	if result.CanRetry {
		t.Error("third failure must not allow retry")
	}
	if result.Attempts != 3 || result.MaxAttempts != 3 {
		t.Errorf("attempts = %d/%d, want 3/3", result.Attempts, result.MaxAttempts)
	}
	if len(f.notifier.published) != 1 || f.notifier.published[0] != models.EventProcessFailed {
		t.Errorf("published = %v, want [process.failed]", f.notifier.published)
	}
}

func TestFillingSuccessInlineContent(t *testing.T) {
	f := newFixture(models.StateFilling)
	content := base64.StdEncoding.EncodeToString([]byte("%PDF-1.7 filled"))

	result, err := f.ingestor.HandleFillingResult(context.Background(), models.FillingCallback{
		ProcessID:   1,
		Success:     true,
		FileContent: content,
		FileName:    "pagare_final.pdf",
	})
	if err != nil {
		t.Fatalf("HandleFillingResult: %v", err)
	}
	if result.State != models.StateCompleted {
		t.Errorf("state = %s, want completed", result.State)
	}
	if len(f.attachments.created) != 1 {
		t.Fatalf("created %d attachments, want 1", len(f.attachments.created))
	}
	if got := f.attachments.created[0].Type; got != models.AttachmentFilledInstrument {
		t.Errorf("attachment type = %s", got)
	}
	if f.store.procs[1].FilledInstrumentPath == nil {
		t.Error("filled instrument path not recorded")
	}
	if len(f.blobs.written) != 1 {
		t.Errorf("wrote %d blobs, want 1", len(f.blobs.written))
	}
}

func TestFillingSuccessWithoutDocumentIsFailure(t *testing.T) {
	f := newFixture(models.StateFilling)

	result, err := f.ingestor.HandleFillingResult(context.Background(), models.FillingCallback{
		ProcessID: 1,
		Success:   true,
	})
	if err != nil {
		t.Fatalf("HandleFillingResult: %v", err)
	}
	if result.State != models.StateQueuedForFilling {
		t.Errorf("state = %s, want queued_for_filling", result.State)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

func TestLateFailureAfterCompletionConsumesNoAttempt(t *testing.T) {
	f := newFixture(models.StateCompleted)

	result, err := f.ingestor.HandleFillingResult(context.Background(), models.FillingCallback{
		ProcessID: 1,
		Error:     "ghost retry",
	})
	if err != nil {
		t.Fatalf("HandleFillingResult: %v", err)
	}
	if result.State != models.StateCompleted {
		t.Errorf("state = %s, want completed", result.State)
	}
	if result.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", result.Attempts)
	}
	if f.store.procs[1].FillingAttempts != 0 {
		t.Error("late failure must not touch the counter")
	}
	if len(f.notifier.published) != 0 {
		t.Errorf("published = %v, want none", f.notifier.published)
	}
}

func TestProgressTransitions(t *testing.T) {
	f := newFixture(models.StateQueuedForAnalysis)

	result := f.ingestor.HandleProgress(context.Background(), 1, models.StateAnalyzing, "exec-9")
	if result.State != models.StateAnalyzing {
		t.Errorf("state = %s, want analyzing", result.State)
	}
	if f.store.procs[1].AnalysisExecutionID == nil || *f.store.procs[1].AnalysisExecutionID != "exec-9" {
		t.Error("execution id not recorded")
	}
}

func TestProgressIgnoredForFinishedProcess(t *testing.T) {
	f := newFixture(models.StateCompleted)

	f.ingestor.HandleProgress(context.Background(), 1, models.StateAnalyzing, "")
	if f.store.procs[1].State != models.StateCompleted {
		t.Error("late progress report must not move a completed process")
	}
}

func TestProgressIgnoresNonWorkingStates(t *testing.T) {
	f := newFixture(models.StateQueuedForAnalysis)

	f.ingestor.HandleProgress(context.Background(), 1, models.StateCompleted, "")
	if f.store.procs[1].State != models.StateQueuedForAnalysis {
		t.Error("progress must only ever move into a working state")
	}
}

func TestWorkerErrorIsTelemetryOnly(t *testing.T) {
	f := newFixture(models.StateAnalyzed)

	f.ingestor.HandleWorkerError(context.Background(), 1, "", "transient ocr warning", "", nil)

	if f.store.procs[1].State != models.StateAnalyzed {
		t.Errorf("state = %s, an error report must not move the process", f.store.procs[1].State)
	}
	if f.store.procs[1].AnalysisAttempts != 0 || f.store.procs[1].FillingAttempts != 0 {
		t.Error("an error report must not consume an attempt")
	}
	if len(f.events.events) != 1 || f.events.events[0].Action != models.ActionError {
		t.Fatalf("events = %+v, want one error event", f.events.events)
	}
	if len(f.notifier.published) != 0 {
		t.Errorf("published = %v, want none", f.notifier.published)
	}
}

func TestWorkerErrorUnknownProcessIsDiscarded(t *testing.T) {
	f := newFixture()

	f.ingestor.HandleWorkerError(context.Background(), 99, models.PhaseAnalysis, "worker crashed", "", nil)

	if len(f.events.events) != 0 {
		t.Errorf("events = %+v, want none for an unknown process", f.events.events)
	}
}

func TestStaleFailureAfterSuccessIgnored(t *testing.T) {
	for _, state := range []models.ProcessState{models.StateAnalyzed, models.StateValidated} {
		f := newFixture(state)

		result, err := f.ingestor.HandleAnalysisResult(context.Background(), models.AnalysisCallback{
			ProcessID: 1,
			Error:     "retransmitted failure",
		})
		if err != nil {
			t.Fatalf("state %s: %v", state, err)
		}
		if result.State != state {
			t.Errorf("state %s moved to %s on a stale failure", state, result.State)
		}
		if f.store.procs[1].AnalysisAttempts != 0 {
			t.Errorf("state %s: attempts = %d, want 0", state, f.store.procs[1].AnalysisAttempts)
		}
		if len(f.notifier.published) != 0 {
			t.Errorf("state %s: published = %v, want none", state, f.notifier.published)
		}
	}
}

func TestUnknownProcess(t *testing.T) {
	f := newFixture()

	if _, err := f.ingestor.HandleAnalysisResult(context.Background(), models.AnalysisCallback{ProcessID: 99, Success: true, Data: sampleData()}); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("analysis err = %v, want ErrUnknownProcess", err)
	}
	if _, err := f.ingestor.HandleFillingResult(context.Background(), models.FillingCallback{ProcessID: 99, Error: "x"}); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("filling err = %v, want ErrUnknownProcess", err)
	}
}

func TestMissingProcessID(t *testing.T) {
	f := newFixture()

	if _, err := f.ingestor.HandleAnalysisResult(context.Background(), models.AnalysisCallback{}); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("err = %v, want ErrEmptyPayload", err)
	}
}

// TestEndToEndCallbacks walks a process through both worker phases the way the
// engine would drive it.
func TestEndToEndCallbacks(t *testing.T) {
	f := newFixture(models.StateQueuedForAnalysis)
	ctx := context.Background()

	if got := f.ingestor.HandleProgress(ctx, 1, models.StateAnalyzing, "exec-a"); got.State != models.StateAnalyzing {
		t.Fatalf("analysis progress state = %s", got.State)
	}
	if _, err := f.ingestor.HandleAnalysisResult(ctx, models.AnalysisCallback{ProcessID: 1, Success: true, Data: sampleData()}); err != nil {
		t.Fatalf("analysis result: %v", err)
	}

	// Human validation and dispatch happen outside the ingestor.
	if _, err := f.store.Transition(ctx, 1, models.StateValidated, nil, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := f.store.Transition(ctx, 1, models.StateQueuedForFilling, nil, ""); err != nil {
		t.Fatalf("queue filling: %v", err)
	}

	if got := f.ingestor.HandleProgress(ctx, 1, models.StateFilling, "exec-f"); got.State != models.StateFilling {
		t.Fatalf("filling progress state = %s", got.State)
	}
	content := base64.StdEncoding.EncodeToString([]byte("%PDF final"))
	result, err := f.ingestor.HandleFillingResult(ctx, models.FillingCallback{ProcessID: 1, Success: true, FileContent: content})
	if err != nil {
		t.Fatalf("filling result: %v", err)
	}

	if result.State != models.StateCompleted {
		t.Errorf("final state = %s, want completed", result.State)
	}
	want := []string{models.EventProcessAnalyzed, models.EventProcessCompleted}
	if len(f.notifier.published) != len(want) {
		t.Fatalf("published = %v, want %v", f.notifier.published, want)
	}
	for i, event := range want {
		if f.notifier.published[i] != event {
			t.Errorf("event %d = %s, want %s", i, f.notifier.published[i], event)
		}
	}
}
