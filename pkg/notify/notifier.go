package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docflow-ai/platform/pkg/common/logger"
	"github.com/docflow-ai/platform/pkg/common/models"
	"github.com/docflow-ai/platform/pkg/queue"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const source = "orchestrator"

// Notifier emits domain events to the event topic and mirrors them onto the
// notification queue for downstream dispatch (email, dashboards). Both paths
// are best effort: a publish failure is logged and never propagated to the
// caller, so a broken broker cannot block a state transition.
type Notifier struct {
	writer     *kafka.Writer
	dispatcher *queue.Dispatcher
}

func New(brokers []string, topic string, dispatcher *queue.Dispatcher) *Notifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Notifier{writer: writer, dispatcher: dispatcher}
}

// Publish emits one domain event. It always returns; failures are logged.
func (n *Notifier) Publish(ctx context.Context, eventType string, processID int64, data map[string]interface{}) {
	event := models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		ProcessID: processID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	n.publishKafka(ctx, event)

	if n.dispatcher != nil {
		payload := map[string]interface{}{
			"proceso_id": processID,
			"evento":     eventType,
		}
		for k, v := range data {
			payload[k] = v
		}
		if _, err := n.dispatcher.EnqueueNotification(ctx, eventType, payload); err != nil {
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"event_type": eventType,
				"process_id": processID,
			}).Warn("Failed to mirror event onto notification queue")
		}
	}
}

func (n *Notifier) publishKafka(ctx context.Context, event models.Event) {
	if n.writer == nil {
		return
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		logger.Log.WithError(err).WithField("event_type", event.Type).Error("Failed to marshal event")
		return
	}

	message := kafka.Message{
		Key:   []byte(event.ID),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "source", Value: []byte(event.Source)},
		},
	}

	if err := n.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Error("Failed to publish event")
		return
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"topic":      n.writer.Topic,
	}).Info("Event published")
}

func (n *Notifier) Close() error {
	if n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
