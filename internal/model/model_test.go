package model

import (
	"strings"
	"testing"
	"time"
)

func TestValidProjectName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"testproj", true},
		{"ci-builds.v2_nightly", true},
		{"A", true},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
		{"", false},
		{"-leading", false},
		{".hidden", false},
		{"has space", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		if got := ValidProjectName(tt.name); got != tt.want {
			t.Errorf("ValidProjectName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestJob_CloneAndPublic(t *testing.T) {
	at := time.Now()
	j := &Job{ID: 1, State: StateClaimed, Payload: []byte(`{"a":1}`), Token: "tok", ClaimedAt: &at}

	c := j.Clone()
	c.Payload[0] = 'X'
	*c.ClaimedAt = at.Add(time.Hour)
	if string(j.Payload) != `{"a":1}` || !j.ClaimedAt.Equal(at) {
		t.Fatalf("clone shares memory with original")
	}

	p := j.Public()
	if p.Token != "" || j.Token != "tok" {
		t.Fatalf("Public: token %q, original %q", p.Token, j.Token)
	}

	var nilJob *Job
	if nilJob.Clone() != nil || nilJob.Public() != nil {
		t.Fatalf("nil job should clone to nil")
	}
}

func TestLess(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Job{ID: 2, CreatedAt: t0}
	b := &Job{ID: 1, CreatedAt: t0.Add(time.Second)}
	c := &Job{ID: 3, CreatedAt: t0}

	if !Less(a, b) || Less(b, a) {
		t.Fatalf("older job must sort first")
	}
	if !Less(a, c) || Less(c, a) {
		t.Fatalf("ties must break by id")
	}
}

func TestState_Valid(t *testing.T) {
	if !StatePending.Valid() || !StateClaimed.Valid() || State("done").Valid() {
		t.Fatalf("unexpected State.Valid results")
	}
}
