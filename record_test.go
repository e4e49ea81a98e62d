package persistmsg

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRecordOptions(t *testing.T) {
	customID := uuid.New()
	customTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600))

	rec := NewRecord("booking.created", []byte(`{"message":{}}`), DeliveryOutbox,
		WithID(customID),
		WithCreated(customTime),
	)

	if rec.ID != customID {
		t.Errorf("expected ID to be %v, got %v", customID, rec.ID)
	}
	if !rec.Created.Equal(customTime) || rec.Created.Location() != time.UTC {
		t.Errorf("expected Created to be %v in UTC, got %v", customTime, rec.Created)
	}
	if rec.Status != StatusInProgress {
		t.Errorf("expected status InProgress, got %v", rec.Status)
	}
	if rec.Version != 0 || rec.RetryCount != 0 {
		t.Errorf("expected zero version and retry count, got %d and %d", rec.Version, rec.RetryCount)
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusInProgress.CanTransitionTo(StatusProcessed) {
		t.Error("expected InProgress -> Processed to be allowed")
	}
	if StatusProcessed.CanTransitionTo(StatusInProgress) {
		t.Error("expected Processed -> InProgress to be refused")
	}
	if !StatusProcessed.CanTransitionTo(StatusProcessed) {
		t.Error("expected unchanged status to be allowed")
	}
}

func TestParseStoredValues(t *testing.T) {
	if _, err := ParseStatus("Failed"); err == nil {
		t.Error("expected error for unknown status")
	}
	if dt, err := ParseDeliveryType("Internal"); err != nil || dt != DeliveryInternal {
		t.Errorf("expected Internal, got %q, %v", dt, err)
	}
	if _, err := ParseDeliveryType("outbox"); err == nil {
		t.Error("expected delivery types to be case sensitive")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := encodeEnvelope(map[string]int{"seats": 2}, Headers{"correlation-id": "abc"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if string(env.Message) != `{"seats":2}` {
		t.Errorf("unexpected message %s", env.Message)
	}
	if v, _ := env.Headers.Get("correlation-id"); v != "abc" {
		t.Errorf("expected header to survive, got %q", v)
	}

	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected an error for malformed data")
	}
}
