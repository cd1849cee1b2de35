package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Named work queues. Consumers pop from the head; publishers append to the
// tail, so each queue is FIFO by publish order.
const (
	QueueAnalyze = "docflow:analyze"
	QueueFill    = "docflow:fill"
	QueueNotify  = "docflow:notify"
	QueueResults = "docflow:results"
)

// Job type tags carried in the envelope payload.
const (
	JobTypeAnalyze = "analyze_documents"
	JobTypeFill    = "fill_instrument"
	JobTypeNotify  = "notification"
)

var (
	ErrBrokerUnavailable = errors.New("queue broker unavailable")
	ErrJobNotFound       = errors.New("queue job not found")
)

// Broker is the minimal list-structured surface the dispatcher needs.
type Broker interface {
	RPush(ctx context.Context, queue string, value []byte) error
	LLen(ctx context.Context, queue string) (int64, error)
	Ping(ctx context.Context) error
}

// RedisBroker backs Broker with Redis lists.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) RPush(ctx context.Context, queue string, value []byte) error {
	return b.client.RPush(ctx, queue, value).Err()
}

func (b *RedisBroker) LLen(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, queue).Result()
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Dispatcher publishes job envelopes onto named broker lists and mirrors
// every job as a row for observability. The broker list is the delivery
// mechanism; the row is not.
type Dispatcher struct {
	broker Broker
	db     *gorm.DB
}

func NewDispatcher(broker Broker, db *gorm.DB) *Dispatcher {
	return &Dispatcher{broker: broker, db: db}
}

type JobModel struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	JobID        string `gorm:"uniqueIndex"`
	Queue        string `gorm:"index"`
	ProcessID    *int64 `gorm:"index"`
	JobType      string
	State        string `gorm:"index"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb"`
	Priority     int
	Attempts     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	DurationMS   *int64
	Result       datatypes.JSONMap `gorm:"type:jsonb"`
	ErrorMessage *string
}

func (JobModel) TableName() string {
	return "queue_jobs"
}

func (d *Dispatcher) AutoMigrate() error {
	return d.db.AutoMigrate(&JobModel{})
}

// Publish appends an envelope to the tail of the named queue and records the
// mirror row. Broker failures surface as ErrBrokerUnavailable: a retryable
// infrastructure error, not a business failure.
func (d *Dispatcher) Publish(ctx context.Context, queue string, payload map[string]interface{}) (string, error) {
	jobID := newJobID()

	envelope := models.JobEnvelope{
		ID:        jobID,
		Queue:     queue,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Attempts:  0,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	if err := d.broker.RPush(ctx, queue, raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	if err := d.recordJob(ctx, jobID, queue, payload); err != nil {
		// The envelope is already on the broker; a missing mirror row only
		// degrades observability.
		logger.Log.WithError(err).WithField("job_id", jobID).Warn("Failed to record queue job mirror row")
	}

	return jobID, nil
}

// EnqueueAnalysis publishes an analysis job for a process.
func (d *Dispatcher) EnqueueAnalysis(ctx context.Context, processID int64, priority int) (string, error) {
	return d.Publish(ctx, QueueAnalyze, map[string]interface{}{
		"proceso_id": processID,
		"tipo":       JobTypeAnalyze,
		"prioridad":  priority,
	})
}

// EnqueueFilling publishes a filling job for a process.
func (d *Dispatcher) EnqueueFilling(ctx context.Context, processID int64, priority int) (string, error) {
	return d.Publish(ctx, QueueFill, map[string]interface{}{
		"proceso_id": processID,
		"tipo":       JobTypeFill,
		"prioridad":  priority,
	})
}

// EnqueueNotification publishes onto the notification queue.
func (d *Dispatcher) EnqueueNotification(ctx context.Context, kind string, data map[string]interface{}) (string, error) {
	return d.Publish(ctx, QueueNotify, map[string]interface{}{
		"tipo":  kind,
		"datos": data,
	})
}

// UpdateJob moves the mirror row through its lifecycle: processing stamps the
// start time; completed/failed stamp the end time and duration.
func (d *Dispatcher) UpdateJob(ctx context.Context, jobID, state string, result map[string]interface{}, errMsg string) error {
	var row JobModel
	err := d.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"state": state}

	switch state {
	case models.JobStateProcessing:
		updates["started_at"] = now
	case models.JobStateCompleted, models.JobStateFailed:
		updates["finished_at"] = now
		if row.StartedAt != nil {
			updates["duration_ms"] = now.Sub(*row.StartedAt).Milliseconds()
		}
		if result != nil {
			updates["result"] = datatypes.JSONMap(result)
		}
		if errMsg != "" {
			updates["error_message"] = errMsg
		}
	}

	return d.db.WithContext(ctx).Model(&JobModel{}).Where("job_id = ?", jobID).Updates(updates).Error
}

func (d *Dispatcher) IncrementAttempts(ctx context.Context, jobID string) error {
	return d.db.WithContext(ctx).Model(&JobModel{}).
		Where("job_id = ?", jobID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}

// QueueLength reports the broker-side backlog for one queue.
func (d *Dispatcher) QueueLength(ctx context.Context, queue string) (int64, error) {
	length, err := d.broker.LLen(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return length, nil
}

type QueueStatus struct {
	Connected bool             `json:"connected"`
	Queues    map[string]int64 `json:"queues"`
}

// Status reports broker connectivity and per-queue backlogs. A dead broker
// yields Connected=false with zero lengths instead of an error.
func (d *Dispatcher) Status(ctx context.Context) QueueStatus {
	status := QueueStatus{Queues: make(map[string]int64)}

	if err := d.broker.Ping(ctx); err != nil {
		for _, q := range []string{QueueAnalyze, QueueFill, QueueNotify, QueueResults} {
			status.Queues[q] = 0
		}
		return status
	}

	status.Connected = true
	for _, q := range []string{QueueAnalyze, QueueFill, QueueNotify, QueueResults} {
		length, err := d.broker.LLen(ctx, q)
		if err != nil {
			length = 0
		}
		status.Queues[q] = length
	}
	return status
}

func (d *Dispatcher) recordJob(ctx context.Context, jobID, queue string, payload map[string]interface{}) error {
	if d.db == nil {
		return nil
	}
	row := JobModel{
		JobID:     jobID,
		Queue:     queue,
		State:     models.JobStatePending,
		Payload:   datatypes.JSONMap(payload),
		CreatedAt: time.Now().UTC(),
	}
	if v, ok := payload["proceso_id"].(int64); ok {
		row.ProcessID = &v
	}
	if v, ok := payload["tipo"].(string); ok {
		row.JobType = v
	}
	if v, ok := payload["prioridad"].(int); ok {
		row.Priority = v
	}
	return d.db.WithContext(ctx).Create(&row).Error
}

func newJobID() string {
	return fmt.Sprintf("job_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8])
}
