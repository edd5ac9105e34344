package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryJobStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryJobStore() })
}

func TestMemoryJobStore_CreatedAtMonotonic(t *testing.T) {
	s := NewMemoryJobStore()
	mustEnsure(t, s, "p")

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute)}
	s.now = func() time.Time {
		now := clock[0]
		if len(clock) > 1 {
			clock = clock[1:]
		}
		return now
	}

	a := mustAdd(t, s, "p", `{}`)
	b := mustAdd(t, s, "p", `{}`)
	if b.CreatedAt.Before(a.CreatedAt) {
		t.Fatalf("created_at stepped back: %v then %v", a.CreatedAt, b.CreatedAt)
	}
}

func TestMemoryJobStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryJobStore()
	mustEnsure(t, s, "p")
	j := mustAdd(t, s, "p", `{"a":1}`)

	j.State = "claimed"
	j.Payload[0] = 'X'

	got, err := s.GetJob(context.Background(), "p", j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != "pending" || string(got.Payload) != `{"a":1}` {
		t.Fatalf("caller mutation leaked into store: %+v", got)
	}
}

func TestMemoryJobStore_PendingSkipsClaimedPrefix(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	mustEnsure(t, s, "p")

	for i := 0; i < 6; i++ {
		mustAdd(t, s, "p", `{}`)
	}
	for _, id := range []int64{1, 2, 3} {
		if _, err := s.TryClaim(ctx, "p", id, "r", "tok"); err != nil {
			t.Fatalf("TryClaim(%d): %v", id, err)
		}
	}

	// Twice: the second scan starts from the advanced head.
	for i := 0; i < 2; i++ {
		got, err := s.PendingJobs(ctx, "p", 10)
		if err != nil {
			t.Fatalf("PendingJobs: %v", err)
		}
		if ids := jobIDs(got); len(ids) != 3 || ids[0] != 4 || ids[2] != 6 {
			t.Fatalf("PendingJobs = %v, want [4 5 6]", ids)
		}
	}

	got, err := s.PendingJobs(ctx, "p", 0)
	if err != nil || got != nil {
		t.Fatalf("PendingJobs(limit 0) = %v, %v", got, err)
	}
}

func TestMemoryJobStore_ListDuringClaims(t *testing.T) {
	s := NewMemoryJobStore()
	ctx := context.Background()
	mustEnsure(t, s, "p")
	for i := 0; i < 20; i++ {
		mustAdd(t, s, "p", `{}`)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for id := int64(1); id <= 20; id++ {
			s.TryClaim(ctx, "p", id, "r", "tok")
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		list, err := s.ListJobs(ctx, "p")
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(list) != 20 {
			t.Fatalf("ListJobs returned %d jobs, want 20", len(list))
		}
		for _, j := range list {
			if j.State == "claimed" && j.ClaimedBy == "" {
				t.Fatalf("torn record: %+v", j)
			}
		}
	}
}
