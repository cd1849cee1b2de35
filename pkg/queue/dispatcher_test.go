package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/docflow-ai/platform/pkg/common/models"
)

type fakeBroker struct {
	lists map[string][][]byte
	down  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{lists: make(map[string][][]byte)}
}

func (b *fakeBroker) RPush(_ context.Context, queue string, value []byte) error {
	if b.down {
		return errors.New("connection refused")
	}
	b.lists[queue] = append(b.lists[queue], value)
	return nil
}

func (b *fakeBroker) LLen(_ context.Context, queue string) (int64, error) {
	if b.down {
		return 0, errors.New("connection refused")
	}
	return int64(len(b.lists[queue])), nil
}

func (b *fakeBroker) Ping(_ context.Context) error {
	if b.down {
		return errors.New("connection refused")
	}
	return nil
}

func TestPublishEnvelope(t *testing.T) {
	broker := newFakeBroker()
	d := NewDispatcher(broker, nil)

	jobID, err := d.EnqueueAnalysis(context.Background(), 42, 5)
	if err != nil {
		t.Fatalf("EnqueueAnalysis: %v", err)
	}
	if !strings.HasPrefix(jobID, "job_") {
		t.Errorf("job id %q missing prefix", jobID)
	}

	raw := broker.lists[QueueAnalyze]
	if len(raw) != 1 {
		t.Fatalf("analyze queue holds %d entries, want 1", len(raw))
	}

	var envelope models.JobEnvelope
	if err := json.Unmarshal(raw[0], &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.ID != jobID {
		t.Errorf("envelope id = %q, want %q", envelope.ID, jobID)
	}
	if envelope.Queue != QueueAnalyze {
		t.Errorf("envelope queue = %q", envelope.Queue)
	}
	if envelope.Attempts != 0 {
		t.Errorf("envelope attempts = %d, want 0", envelope.Attempts)
	}
	if got := envelope.Payload["proceso_id"]; got != float64(42) {
		t.Errorf("proceso_id = %v", got)
	}
	if got := envelope.Payload["tipo"]; got != JobTypeAnalyze {
		t.Errorf("tipo = %v", got)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	broker := newFakeBroker()
	d := NewDispatcher(broker, nil)

	var ids []string
	for i := int64(1); i <= 3; i++ {
		id, err := d.EnqueueFilling(context.Background(), i, 5)
		if err != nil {
			t.Fatalf("EnqueueFilling(%d): %v", i, err)
		}
		ids = append(ids, id)
	}

	raw := broker.lists[QueueFill]
	if len(raw) != 3 {
		t.Fatalf("fill queue holds %d entries, want 3", len(raw))
	}
	for i, entry := range raw {
		var envelope models.JobEnvelope
		if err := json.Unmarshal(entry, &envelope); err != nil {
			t.Fatalf("unmarshal entry %d: %v", i, err)
		}
		if envelope.ID != ids[i] {
			t.Errorf("position %d holds %q, want %q", i, envelope.ID, ids[i])
		}
	}
}

func TestPublishBrokerDown(t *testing.T) {
	broker := newFakeBroker()
	broker.down = true
	d := NewDispatcher(broker, nil)

	if _, err := d.Publish(context.Background(), QueueNotify, map[string]interface{}{"tipo": "x"}); !errors.Is(err, ErrBrokerUnavailable) {
		t.Errorf("Publish with dead broker = %v, want ErrBrokerUnavailable", err)
	}
}

func TestStatus(t *testing.T) {
	broker := newFakeBroker()
	d := NewDispatcher(broker, nil)

	if _, err := d.EnqueueAnalysis(context.Background(), 1, 5); err != nil {
		t.Fatalf("EnqueueAnalysis: %v", err)
	}

	status := d.Status(context.Background())
	if !status.Connected {
		t.Error("status should report connected")
	}
	if status.Queues[QueueAnalyze] != 1 {
		t.Errorf("analyze backlog = %d, want 1", status.Queues[QueueAnalyze])
	}
	if status.Queues[QueueFill] != 0 {
		t.Errorf("fill backlog = %d, want 0", status.Queues[QueueFill])
	}

	broker.down = true
	status = d.Status(context.Background())
	if status.Connected {
		t.Error("status should report disconnected")
	}
	if status.Queues[QueueAnalyze] != 0 {
		t.Error("disconnected status should zero the backlogs")
	}
}
