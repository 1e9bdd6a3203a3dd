package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/AyanDgr8/cdr-spc-sub000/internal/config"
	"github.com/AyanDgr8/cdr-spc-sub000/internal/types"
	"github.com/rs/zerolog"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		driver string
		prefix string
		want   string
	}{
		{"mqtt", "ledger", "ledger/runs/partial"},
		{"mqtt", "ledger/", "ledger/runs/partial"},
		{"amqp", "ledger", "ledger.runs.partial"},
		{"mock", "", "runs/partial"},
	}
	for _, tt := range tests {
		n := NewNotifier(NoopPublisher{}, tt.driver, tt.prefix, nil, zerolog.Nop())
		if got := n.Topic(types.RunPartial); got != tt.want {
			t.Errorf("Topic(%s, %q) = %q, want %q", tt.driver, tt.prefix, got, tt.want)
		}
	}
}

func TestRunFinishedPublishesSummary(t *testing.T) {
	mock := NewMockPublisher()
	n := NewNotifier(mock, "mqtt", "ledger", nil, zerolog.Nop())

	n.RunFinished(context.Background(), types.RunSummary{RunID: "r1", Tenant: "acme", Status: types.RunSucceeded})

	msgs := mock.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "ledger/runs/succeeded" {
		t.Errorf("unexpected topic %q", msgs[0].Topic)
	}

	var got types.RunSummary
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatalf("payload is not a run summary: %v", err)
	}
	if got.RunID != "r1" || got.Tenant != "acme" {
		t.Errorf("unexpected summary %+v", got)
	}
}

func TestRunFinishedSwallowsPublishErrors(t *testing.T) {
	mock := NewMockPublisher()
	mock.SetError(errors.New("broker down"))
	n := NewNotifier(mock, "mqtt", "ledger", nil, zerolog.Nop())

	n.RunFinished(context.Background(), types.RunSummary{RunID: "r2", Status: types.RunFailed})

	if len(mock.Messages()) != 0 {
		t.Error("failed publish should not be recorded")
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	n.RunFinished(context.Background(), types.RunSummary{})
	if err := n.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewDrivers(t *testing.T) {
	n, err := New(config.NotifyConfig{Driver: "none", TopicPrefix: "ledger"}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if _, err := New(config.NotifyConfig{Driver: "carrier-pigeon"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := New(config.NotifyConfig{Driver: "amqp"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for amqp without url")
	}
	if _, err := New(config.NotifyConfig{Driver: "mqtt"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for mqtt without broker")
	}
}
