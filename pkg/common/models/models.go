package models

import (
	"time"
)

// Process lifecycle states. The allowed moves between them live in
// pkg/process; these are the canonical wire values.
type ProcessState string

const (
	StateCreated           ProcessState = "created"
	StateQueuedForAnalysis ProcessState = "queued_for_analysis"
	StateAnalyzing         ProcessState = "analyzing"
	StateAnalyzed          ProcessState = "analyzed"
	StateValidated         ProcessState = "validated"
	StateQueuedForFilling  ProcessState = "queued_for_filling"
	StateFilling           ProcessState = "filling"
	StateCompleted         ProcessState = "completed"
	StateAnalysisError     ProcessState = "analysis_error"
	StateFillingError      ProcessState = "filling_error"
	StateCancelled         ProcessState = "cancelled"
)

// Worker phases, used by the retry accounting in the webhook ingestor.
type Phase string

const (
	PhaseAnalysis Phase = "analysis"
	PhaseFilling  Phase = "filling"
)

// Process kinds.
const (
	KindCollection = "collection"
	KindLawsuit    = "lawsuit"
	KindOther      = "other"
)

type Process struct {
	ID       int64        `json:"id"`
	Code     string       `json:"code"`
	Kind     string       `json:"kind"`
	State    ProcessState `json:"state"`
	Priority int          `json:"priority"`

	AnalysisAttempts int `json:"analysis_attempts"`
	FillingAttempts  int `json:"filling_attempts"`
	MaxAttempts      int `json:"max_attempts"`

	CreatedBy  int64  `json:"created_by"`
	AssignedTo *int64 `json:"assigned_to,omitempty"`
	Notes      string `json:"notes,omitempty"`

	AnalysisExecutionID  *string `json:"analysis_execution_id,omitempty"`
	FillingExecutionID   *string `json:"filling_execution_id,omitempty"`
	FilledInstrumentPath *string `json:"filled_instrument_path,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AnalyzedAt  *time.Time `json:"analyzed_at,omitempty"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ProcessDetails struct {
	Process
	Attachments []Attachment   `json:"attachments"`
	Extracted   *ExtractedData `json:"extracted_data,omitempty"`
	History     []HistoryEvent `json:"history"`
}

// Attachment type tags, as the external workers name them on the wire.
const (
	AttachmentOriginalInstrument = "pagare_original"
	AttachmentAccountStatement   = "estado_cuenta"
	AttachmentAnnex              = "anexo"
	AttachmentFilledInstrument   = "pagare_llenado"
	AttachmentDebtorRequest      = "solicitud_deudor"
	AttachmentCoDebtorRequest    = "solicitud_codeudor"
)

type Attachment struct {
	ID           int64     `json:"id"`
	ProcessID    int64     `json:"process_id"`
	Type         string    `json:"type"`
	OriginalName string    `json:"original_name"`
	FileName     string    `json:"file_name"`
	Path         string    `json:"path"`
	MimeType     string    `json:"mime_type"`
	SizeBytes    int64     `json:"size_bytes"`
	SortOrder    int       `json:"sort_order"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// History action tags.
const (
	ActionCreated       = "created"
	ActionStateChanged  = "state_changed"
	ActionFilesUploaded = "files_uploaded"
	ActionFileDeleted   = "file_deleted"
	ActionAnalyzed      = "analyzed"
	ActionDataEdited    = "data_edited"
	ActionValidated     = "validated"
	ActionFilled        = "filled"
	ActionError         = "error"
	ActionNoteAdded     = "note_added"
	ActionAssigned      = "assigned"
	ActionRequeued      = "requeued"
	ActionCancelled     = "cancelled"
)

type HistoryEvent struct {
	ID          int64                  `json:"id"`
	ProcessID   int64                  `json:"process_id"`
	ActorID     *int64                 `json:"actor_id,omitempty"`
	Action      string                 `json:"action"`
	StateBefore *ProcessState          `json:"state_before,omitempty"`
	StateAfter  *ProcessState          `json:"state_after,omitempty"`
	Description string                 `json:"description,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// AccountStatement holds the figures extracted from the debtor's account
// statement. Pointer fields distinguish "absent" from zero; wire keys follow
// the extraction worker's vocabulary.
type AccountStatement struct {
	Principal        *float64 `json:"capital,omitempty"`
	TermInterest     *float64 `json:"interes_plazo,omitempty"`
	DefaultInterest  *float64 `json:"interes_mora,omitempty"`
	CollectionFees   *float64 `json:"gastos_cobranza,omitempty"`
	LegalFees        *float64 `json:"honorarios,omitempty"`
	TotalDebt        *float64 `json:"total_deuda,omitempty"`
	InterestRate     *float64 `json:"tasa_interes,omitempty"`
	DefaultRate      *float64 `json:"tasa_mora,omitempty"`
	DisbursementDate *string  `json:"fecha_desembolso,omitempty"`
	DueDate          *string  `json:"fecha_vencimiento,omitempty"`
	CutoffDate       *string  `json:"fecha_corte,omitempty"`
	TermMonths       *int     `json:"plazo_meses,omitempty"`
}

// Party describes a debtor or co-debtor.
type Party struct {
	FullName   *string `json:"nombre,omitempty"`
	DocumentID *string `json:"cedula,omitempty"`
	Address    *string `json:"direccion,omitempty"`
	City       *string `json:"ciudad,omitempty"`
	Phone      *string `json:"telefono,omitempty"`
	Email      *string `json:"email,omitempty"`
}

// DataSet is one full extraction payload: the three sections the analysis
// worker reports.
type DataSet struct {
	AccountStatement *AccountStatement `json:"estado_cuenta,omitempty"`
	Debtor           *Party            `json:"deudor,omitempty"`
	CoDebtor         *Party            `json:"codeudor,omitempty"`
}

func (d *DataSet) IsEmpty() bool {
	return d == nil || (d.AccountStatement == nil && d.Debtor == nil && d.CoDebtor == nil)
}

type ExtractionMetadata struct {
	ExecutionID  string `json:"execution_id,omitempty"`
	Model        string `json:"modelo,omitempty"`
	TokensUsed   int    `json:"tokens_total,omitempty"`
	ProcessingMS int64  `json:"tiempo_ms,omitempty"`
}

type ExtractedData struct {
	ID          int64               `json:"id"`
	ProcessID   int64               `json:"process_id"`
	Version     int                 `json:"version"`
	Original    DataSet             `json:"original"`
	Validated   *DataSet            `json:"validated,omitempty"`
	Metadata    *ExtractionMetadata `json:"metadata,omitempty"`
	ValidatedBy *int64              `json:"validated_by,omitempty"`
	ValidatedAt *time.Time          `json:"validated_at,omitempty"`
	AnalyzedAt  time.Time           `json:"analyzed_at"`
}

// Queue job mirror states.
const (
	JobStatePending    = "pending"
	JobStateProcessing = "processing"
	JobStateCompleted  = "completed"
	JobStateFailed     = "failed"
)

type QueueJob struct {
	JobID        string                 `json:"job_id"`
	Queue        string                 `json:"queue"`
	ProcessID    *int64                 `json:"process_id,omitempty"`
	JobType      string                 `json:"job_type"`
	State        string                 `json:"state"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     int                    `json:"priority"`
	Attempts     int                    `json:"attempts"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
	DurationMS   *int64                 `json:"duration_ms,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
}

// JobEnvelope is the wire format pushed onto a broker list. Consumers pop
// from the head.
type JobEnvelope struct {
	ID        string                 `json:"id"`
	Queue     string                 `json:"queue"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
	Attempts  int                    `json:"attempts"`
}

// AnalysisCallback is the body the analysis worker posts back.
type AnalysisCallback struct {
	ProcessID   int64                  `json:"proceso_id"`
	Success     bool                   `json:"success"`
	Data        *DataSet               `json:"datos,omitempty"`
	Metadata    *ExtractionMetadata    `json:"metadata,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// FillingCallback is the body the filling worker posts back. The filled
// document arrives either inline (base64) or as a server-side path.
type FillingCallback struct {
	ProcessID   int64                  `json:"proceso_id"`
	Success     bool                   `json:"success"`
	FileContent string                 `json:"archivo_contenido,omitempty"`
	FilePath    string                 `json:"archivo_ruta,omitempty"`
	FileName    string                 `json:"archivo_nombre,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// CallbackResult is what a webhook handler acknowledges with.
type CallbackResult struct {
	ProcessID   int64        `json:"proceso_id"`
	State       ProcessState `json:"estado"`
	Attempts    int          `json:"intentos,omitempty"`
	MaxAttempts int          `json:"max_intentos,omitempty"`
	CanRetry    bool         `json:"puede_reintentar,omitempty"`
	Version     int          `json:"version,omitempty"`
}

// TriggerResult is the structured, non-throwing outcome of an engine call.
type TriggerResult struct {
	Success     bool                   `json:"success"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	HTTPCode    int                    `json:"http_code"`
	Error       string                 `json:"error,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EngineFile is an attachment reference handed to the workflow engine,
// reachable through a token-authenticated serve URL.
type EngineFile struct {
	ID       int64  `json:"id"`
	Name     string `json:"nombre"`
	Type     string `json:"tipo"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

// FileTokenClaims are the decoded contents of a file-access token.
type FileTokenClaims struct {
	ProcessID    int64 `json:"proceso_id"`
	AttachmentID int64 `json:"archivo_id"`
	Expires      int64 `json:"expires"`
}

// Event is a best-effort domain notification published after a successful
// transition.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	ProcessID int64                  `json:"process_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Domain event types.
const (
	EventProcessQueued    = "process.queued"
	EventProcessAnalyzed  = "process.analyzed"
	EventProcessValidated = "process.validated"
	EventProcessCompleted = "process.completed"
	EventProcessFailed    = "process.failed"
)

type ProcessFilter struct {
	State       ProcessState
	States      []ProcessState
	Kind        string
	Code        string
	CreatedBy   int64
	AssignedTo  int64
	Query       string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type Pagination struct {
	Total       int64 `json:"total"`
	PerPage     int   `json:"per_page"`
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
	HasMore     bool  `json:"has_more"`
}

type ProcessPage struct {
	Items      []Process  `json:"items"`
	Pagination Pagination `json:"pagination"`
}

type ProcessStats struct {
	Total          int64                  `json:"total"`
	ByState        map[ProcessState]int64 `json:"by_state"`
	CompletedToday int64                  `json:"completed_today"`
}

type CreateProcessRequest struct {
	Kind     string `json:"kind,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type UpdateProcessRequest struct {
	Kind       *string `json:"kind,omitempty"`
	Priority   *int    `json:"priority,omitempty"`
	AssignedTo *int64  `json:"assigned_to,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}
