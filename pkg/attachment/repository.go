package attachment

import (
	"context"
	"errors"
	"time"

	"github.com/docflow-ai/platform/pkg/common/models"
	"gorm.io/gorm"
)

var (
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrDeletionNotAllowed = errors.New("attachment cannot be deleted in the process's current state")
)

// deletableStates are the only process states in which attachments may be
// removed. Records are otherwise immutable once created.
var deletableStates = map[models.ProcessState]bool{
	models.StateCreated:       true,
	models.StateCancelled:     true,
	models.StateAnalysisError: true,
	models.StateFillingError:  true,
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type AttachmentModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	ProcessID    int64  `gorm:"index"`
	Type         string `gorm:"index"`
	OriginalName string
	FileName     string
	Path         string
	MimeType     string
	SizeBytes    int64
	SortOrder    int
	UploadedAt   time.Time
}

func (AttachmentModel) TableName() string {
	return "process_attachments"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&AttachmentModel{})
}

type CreateInput struct {
	ProcessID    int64
	Type         string
	OriginalName string
	FileName     string
	Path         string
	MimeType     string
	SizeBytes    int64
	SortOrder    int
}

func (r *Repository) Create(ctx context.Context, input CreateInput) (models.Attachment, error) {
	return CreateTx(r.db.WithContext(ctx), input)
}

// CreateTx inserts an attachment through the given handle so the webhook
// ingestor can persist the filled instrument atomically with the process
// transition.
func CreateTx(tx *gorm.DB, input CreateInput) (models.Attachment, error) {
	row := AttachmentModel{
		ProcessID:    input.ProcessID,
		Type:         input.Type,
		OriginalName: input.OriginalName,
		FileName:     input.FileName,
		Path:         input.Path,
		MimeType:     input.MimeType,
		SizeBytes:    input.SizeBytes,
		SortOrder:    input.SortOrder,
		UploadedAt:   time.Now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return models.Attachment{}, err
	}
	return mapAttachmentModel(row), nil
}

// CreateTx on the repository delegates to the package function, so the
// repository satisfies consumer interfaces that need the transactional form.
func (r *Repository) CreateTx(tx *gorm.DB, input CreateInput) (models.Attachment, error) {
	return CreateTx(tx, input)
}

func (r *Repository) GetByID(ctx context.Context, id int64) (models.Attachment, error) {
	var row AttachmentModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Attachment{}, ErrAttachmentNotFound
	}
	if err != nil {
		return models.Attachment{}, err
	}
	return mapAttachmentModel(row), nil
}

func (r *Repository) ListByProcess(ctx context.Context, processID int64) ([]models.Attachment, error) {
	var rows []AttachmentModel
	err := r.db.WithContext(ctx).
		Where("process_id = ?", processID).
		Order("sort_order ASC, uploaded_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]models.Attachment, 0, len(rows))
	for _, row := range rows {
		out = append(out, mapAttachmentModel(row))
	}
	return out, nil
}

// FindByType returns the first attachment of the given type for a process.
func (r *Repository) FindByType(ctx context.Context, processID int64, attachmentType string) (models.Attachment, error) {
	var row AttachmentModel
	err := r.db.WithContext(ctx).
		Where("process_id = ? AND type = ?", processID, attachmentType).
		Order("sort_order ASC, uploaded_at ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Attachment{}, ErrAttachmentNotFound
	}
	if err != nil {
		return models.Attachment{}, err
	}
	return mapAttachmentModel(row), nil
}

// Delete removes the record if the owning process's state allows it.
func (r *Repository) Delete(ctx context.Context, id int64, processState models.ProcessState) error {
	if !deletableStates[processState] {
		return ErrDeletionNotAllowed
	}
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&AttachmentModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAttachmentNotFound
	}
	return nil
}

func mapAttachmentModel(row AttachmentModel) models.Attachment {
	return models.Attachment{
		ID:           row.ID,
		ProcessID:    row.ProcessID,
		Type:         row.Type,
		OriginalName: row.OriginalName,
		FileName:     row.FileName,
		Path:         row.Path,
		MimeType:     row.MimeType,
		SizeBytes:    row.SizeBytes,
		SortOrder:    row.SortOrder,
		UploadedAt:   row.UploadedAt,
	}
}
