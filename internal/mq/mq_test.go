package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// wire повторяет путь сообщения через брокер: Marshal → Unmarshal.
func wire(t *testing.T, msg *Message) *Message {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Message
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &out
}

func TestParsePayload(t *testing.T) {
	id := uuid.New()
	msg := wire(t, &Message{
		ID:        "evt-1",
		Type:      MessageTypeBatchApproved,
		Payload:   BatchApprovedPayload{BatchID: id, OwnerID: "alice"},
		Timestamp: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
	})

	p, err := ParsePayload[BatchApprovedPayload](msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if p.BatchID != id || p.OwnerID != "alice" {
		t.Errorf("payload = %+v", p)
	}
}

func TestParsePayload_Poison(t *testing.T) {
	msg := wire(t, &Message{
		ID:      "evt-2",
		Type:    MessageTypeBatchApproved,
		Payload: map[string]any{"batch_id": "not-a-uuid"},
	})

	_, err := ParsePayload[BatchApprovedPayload](msg)
	if !errors.Is(err, ErrPoison) {
		t.Fatalf("err = %v, want ErrPoison", err)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	p := NewPublisher(&Connection{}, nil)

	err := p.PublishBatchApproved(context.Background(), uuid.New(), "alice")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestTopology_DeadLetter(t *testing.T) {
	for _, q := range topology {
		want := q.name == QueueBatchesApproved
		if q.deadLetter != want {
			t.Errorf("queue %s: deadLetter = %v, want %v", q.name, q.deadLetter, want)
		}
	}
}
