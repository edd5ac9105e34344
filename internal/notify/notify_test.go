package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: EventJobAdded, Project: "testproj"}, "testproj.job.added"},
		{Event{Type: EventJobClaimed, Project: "ci-builds"}, "ci-builds.job.claimed"},
	}
	for _, tt := range tests {
		if got := RoutingKey(tt.ev); got != tt.want {
			t.Errorf("RoutingKey(%+v) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestEventJSON(t *testing.T) {
	ev := Event{
		Type:    EventJobAdded,
		Project: "testproj",
		JobID:   7,
		At:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"job.added","project":"testproj","job_id":7,"at":"2024-05-01T10:00:00Z"}`
	if string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
