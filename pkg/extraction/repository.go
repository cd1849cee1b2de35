package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docflow-ai/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNoExtractedData = errors.New("no extracted data for process")
)

// Repository stores extracted-data versions: append-only per process, the
// validated payload the only mutable column.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

type DataModel struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	ProcessID   int64 `gorm:"index:idx_extraction_process_version,unique"`
	Version     int   `gorm:"index:idx_extraction_process_version,unique"`
	Original    datatypes.JSON
	Validated   datatypes.JSON
	Metadata    datatypes.JSON
	ValidatedBy *int64
	ValidatedAt *time.Time
	AnalyzedAt  time.Time
}

func (DataModel) TableName() string {
	return "process_extracted_data"
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&DataModel{})
}

// SaveAnalysis appends a new version for the process.
func (r *Repository) SaveAnalysis(ctx context.Context, processID int64, data models.DataSet, meta *models.ExtractionMetadata) (models.ExtractedData, error) {
	var saved models.ExtractedData
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		saved, err = SaveAnalysisTx(tx, processID, data, meta)
		return err
	})
	return saved, err
}

// SaveAnalysisTx appends a new version inside an existing transaction, so
// the webhook ingestor can persist the version and the process transition
// atomically. Version numbers are strictly increasing per process.
func SaveAnalysisTx(tx *gorm.DB, processID int64, data models.DataSet, meta *models.ExtractionMetadata) (models.ExtractedData, error) {
	var maxVersion int64
	err := tx.Model(&DataModel{}).
		Where("process_id = ?", processID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return models.ExtractedData{}, err
	}

	original, err := json.Marshal(data)
	if err != nil {
		return models.ExtractedData{}, fmt.Errorf("failed to marshal extracted data: %w", err)
	}

	row := DataModel{
		ProcessID:  processID,
		Version:    int(maxVersion) + 1,
		Original:   datatypes.JSON(original),
		AnalyzedAt: time.Now().UTC(),
	}
	if meta != nil {
		metaRaw, err := json.Marshal(meta)
		if err != nil {
			return models.ExtractedData{}, fmt.Errorf("failed to marshal extraction metadata: %w", err)
		}
		row.Metadata = datatypes.JSON(metaRaw)
	}

	if err := tx.Create(&row).Error; err != nil {
		return models.ExtractedData{}, err
	}
	return mapDataModel(row)
}

// SaveAnalysisTx on the repository delegates to the package function, so the
// repository satisfies consumer interfaces that need the transactional form.
func (r *Repository) SaveAnalysisTx(tx *gorm.DB, processID int64, data models.DataSet, meta *models.ExtractionMetadata) (models.ExtractedData, error) {
	return SaveAnalysisTx(tx, processID, data, meta)
}

// GetLatest returns the newest version for the process.
func (r *Repository) GetLatest(ctx context.Context, processID int64) (models.ExtractedData, error) {
	var row DataModel
	err := r.db.WithContext(ctx).
		Where("process_id = ?", processID).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ExtractedData{}, ErrNoExtractedData
	}
	if err != nil {
		return models.ExtractedData{}, err
	}
	return mapDataModel(row)
}

// ListVersions returns version metadata for the process, newest first.
func (r *Repository) ListVersions(ctx context.Context, processID int64) ([]models.ExtractedData, error) {
	var rows []DataModel
	err := r.db.WithContext(ctx).
		Where("process_id = ?", processID).
		Order("version DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]models.ExtractedData, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapDataModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, mapped)
	}
	return out, nil
}

// SaveValidation stores the reviewer's payload on the latest version and
// stamps who validated and when. The original payload is never touched.
func (r *Repository) SaveValidation(ctx context.Context, processID int64, validated models.DataSet, actorID int64) (models.ExtractedData, error) {
	var saved models.ExtractedData

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DataModel
		err := tx.Where("process_id = ?", processID).Order("version DESC").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoExtractedData
		}
		if err != nil {
			return err
		}

		raw, err := json.Marshal(validated)
		if err != nil {
			return fmt.Errorf("failed to marshal validated data: %w", err)
		}

		now := time.Now().UTC()
		row.Validated = datatypes.JSON(raw)
		row.ValidatedBy = &actorID
		row.ValidatedAt = &now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		saved, err = mapDataModel(row)
		return err
	})
	if err != nil {
		return models.ExtractedData{}, err
	}
	return saved, nil
}

// DataForFilling returns the latest payload with validated leaves overlaid
// over the originals, flattened into the filling worker's key map.
func (r *Repository) DataForFilling(ctx context.Context, processID int64) (map[string]interface{}, error) {
	latest, err := r.GetLatest(ctx, processID)
	if err != nil {
		return nil, err
	}
	return Flatten(Overlay(latest.Original, latest.Validated)), nil
}

func mapDataModel(row DataModel) (models.ExtractedData, error) {
	out := models.ExtractedData{
		ID:          row.ID,
		ProcessID:   row.ProcessID,
		Version:     row.Version,
		ValidatedBy: row.ValidatedBy,
		ValidatedAt: row.ValidatedAt,
		AnalyzedAt:  row.AnalyzedAt,
	}

	if len(row.Original) > 0 {
		if err := json.Unmarshal(row.Original, &out.Original); err != nil {
			return models.ExtractedData{}, fmt.Errorf("corrupt original payload for process %d v%d: %w", row.ProcessID, row.Version, err)
		}
	}
	if len(row.Validated) > 0 {
		out.Validated = &models.DataSet{}
		if err := json.Unmarshal(row.Validated, out.Validated); err != nil {
			return models.ExtractedData{}, fmt.Errorf("corrupt validated payload for process %d v%d: %w", row.ProcessID, row.Version, err)
		}
	}
	if len(row.Metadata) > 0 {
		out.Metadata = &models.ExtractionMetadata{}
		if err := json.Unmarshal(row.Metadata, out.Metadata); err != nil {
			return models.ExtractedData{}, fmt.Errorf("corrupt metadata for process %d v%d: %w", row.ProcessID, row.Version, err)
		}
	}
	return out, nil
}
