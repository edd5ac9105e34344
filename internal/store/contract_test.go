package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Popie52/jobclerk/internal/model"
)

// runStoreContract exercises the behaviour every backend must share. Job ids
// are only compared relative to each other since postgres numbers them
// table-wide.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("unknown project", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.Resolve(ctx, "ghost"); !errors.Is(err, model.ErrProjectNotFound) {
			t.Fatalf("Resolve: want ErrProjectNotFound, got %v", err)
		}
		if _, err := s.AddJob(ctx, "ghost", json.RawMessage(`{}`)); !errors.Is(err, model.ErrProjectNotFound) {
			t.Fatalf("AddJob: want ErrProjectNotFound, got %v", err)
		}
		if _, err := s.ListJobs(ctx, "ghost"); !errors.Is(err, model.ErrProjectNotFound) {
			t.Fatalf("ListJobs: want ErrProjectNotFound, got %v", err)
		}
		if _, err := s.GetJob(ctx, "ghost", 1); !errors.Is(err, model.ErrProjectNotFound) {
			t.Fatalf("GetJob: want ErrProjectNotFound, got %v", err)
		}
		if _, err := s.PendingJobs(ctx, "ghost", 4); !errors.Is(err, model.ErrProjectNotFound) {
			t.Fatalf("PendingJobs: want ErrProjectNotFound, got %v", err)
		}
		if _, err := s.TryClaim(ctx, "ghost", 1, "r", "tok"); !errors.Is(err, model.ErrProjectNotFound) {
			t.Fatalf("TryClaim: want ErrProjectNotFound, got %v", err)
		}
	})

	t.Run("projects", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, p := range []string{"beta", "alpha", "beta"} {
			if err := s.EnsureProject(ctx, p); err != nil {
				t.Fatalf("EnsureProject(%s): %v", p, err)
			}
		}

		got, err := s.ListProjects(ctx)
		if err != nil {
			t.Fatalf("ListProjects: %v", err)
		}
		var names []string
		for _, p := range got {
			names = append(names, p.Name)
		}
		if !reflect.DeepEqual(names, []string{"alpha", "beta"}) {
			t.Fatalf("projects = %v, want [alpha beta]", names)
		}

		p, err := s.Resolve(ctx, "alpha")
		if err != nil || p.Name != "alpha" {
			t.Fatalf("Resolve(alpha) = %+v, %v", p, err)
		}
	})

	t.Run("add then read", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustEnsure(t, s, "p")

		a := mustAdd(t, s, "p", `{"n":1}`)
		b := mustAdd(t, s, "p", `{"tags":["x"],"n":2}`)

		if a.State != model.StatePending || a.ClaimedBy != "" || a.ClaimedAt != nil {
			t.Fatalf("new job not pending: %+v", a)
		}
		if a.Project != "p" || b.ID <= a.ID {
			t.Fatalf("ids not increasing: %d then %d", a.ID, b.ID)
		}
		if b.CreatedAt.Before(a.CreatedAt) {
			t.Fatalf("created_at went backwards")
		}

		got, err := s.GetJob(ctx, "p", b.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		// Payload bytes come back exactly as stored, key order included.
		if string(b.Payload) != `{"tags":["x"],"n":2}` || string(got.Payload) != string(b.Payload) {
			t.Fatalf("payload = %s (add returned %s)", got.Payload, b.Payload)
		}

		list, err := s.ListJobs(ctx, "p")
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
			t.Fatalf("ListJobs = %v, want [%d %d]", jobIDs(list), a.ID, b.ID)
		}
		if string(list[1].Payload) != string(b.Payload) {
			t.Fatalf("listed payload = %s, want %s", list[1].Payload, b.Payload)
		}

		if _, err := s.GetJob(ctx, "p", b.ID+1000); !errors.Is(err, model.ErrJobNotFound) {
			t.Fatalf("GetJob(missing): want ErrJobNotFound, got %v", err)
		}
	})

	t.Run("listing is repeatable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustEnsure(t, s, "p")

		var added []*model.Job
		for i := 0; i < 3; i++ {
			added = append(added, mustAdd(t, s, "p", `{"i":1}`))
		}
		if _, err := s.TryClaim(ctx, "p", added[1].ID, "runner-1", "tok"); err != nil {
			t.Fatalf("TryClaim: %v", err)
		}

		first, err := s.ListJobs(ctx, "p")
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		second, err := s.ListJobs(ctx, "p")
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(first) != 3 || len(second) != 3 {
			t.Fatalf("listed %d then %d jobs, want 3", len(first), len(second))
		}
		for i := range first {
			if !sameJob(first[i], second[i]) {
				t.Fatalf("job %d differs between listings: %+v vs %+v", i, first[i], second[i])
			}
		}
		if first[1].State != model.StateClaimed || first[0].State != model.StatePending {
			t.Fatalf("listing states = %s %s", first[0].State, first[1].State)
		}
	})

	t.Run("listing is a point in time", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustEnsure(t, s, "p")

		const n = 40
		var ids []int64
		for i := 0; i < n; i++ {
			ids = append(ids, mustAdd(t, s, "p", `{}`).ID)
		}

		// Claims land strictly in id order, so every instant has a claimed
		// prefix followed by pending jobs.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for _, id := range ids {
				if _, err := s.TryClaim(ctx, "p", id, "r", "tok"); err != nil {
					t.Errorf("TryClaim(%d): %v", id, err)
				}
			}
		}()

		for finished := false; !finished; {
			select {
			case <-done:
				finished = true
			default:
			}
			list, err := s.ListJobs(ctx, "p")
			if err != nil {
				t.Fatalf("ListJobs: %v", err)
			}
			if len(list) != n {
				t.Fatalf("ListJobs returned %d jobs, want %d", len(list), n)
			}
			seenPending := false
			for _, j := range list {
				switch {
				case j.State == model.StatePending:
					seenPending = true
				case seenPending:
					t.Fatalf("job %d claimed after an earlier pending job: %v", j.ID, states(list))
				case j.ClaimedBy == "":
					t.Fatalf("torn record: %+v", j)
				}
			}
		}
	})

	t.Run("projects are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustEnsure(t, s, "a")
		mustEnsure(t, s, "b")

		j := mustAdd(t, s, "a", `{}`)

		list, err := s.ListJobs(ctx, "b")
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(list) != 0 {
			t.Fatalf("project b sees %d jobs", len(list))
		}
		if _, err := s.TryClaim(ctx, "b", j.ID, "r", "tok"); err == nil {
			t.Fatalf("claimed a job of project a through project b")
		}
	})

	t.Run("pending is fifo and bounded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustEnsure(t, s, "p")

		var added []*model.Job
		for i := 0; i < 5; i++ {
			added = append(added, mustAdd(t, s, "p", `{}`))
		}
		if _, err := s.TryClaim(ctx, "p", added[1].ID, "r", "tok"); err != nil {
			t.Fatalf("TryClaim: %v", err)
		}

		got, err := s.PendingJobs(ctx, "p", 3)
		if err != nil {
			t.Fatalf("PendingJobs: %v", err)
		}
		want := []int64{added[0].ID, added[2].ID, added[3].ID}
		if !reflect.DeepEqual(jobIDs(got), want) {
			t.Fatalf("PendingJobs = %v, want %v", jobIDs(got), want)
		}
		if !sort.SliceIsSorted(got, func(i, j int) bool { return model.Less(got[i], got[j]) }) {
			t.Fatalf("PendingJobs not in created_at order")
		}
	})

	t.Run("claim once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustEnsure(t, s, "p")
		j := mustAdd(t, s, "p", `{"k":"v"}`)

		claimed, err := s.TryClaim(ctx, "p", j.ID, "runner-1", "tok-1")
		if err != nil {
			t.Fatalf("TryClaim: %v", err)
		}
		if claimed.State != model.StateClaimed || claimed.ClaimedBy != "runner-1" || claimed.Token != "tok-1" || claimed.ClaimedAt == nil {
			t.Fatalf("claimed job = %+v", claimed)
		}

		if _, err := s.TryClaim(ctx, "p", j.ID, "runner-2", "tok-2"); !errors.Is(err, model.ErrAlreadyClaimed) {
			t.Fatalf("second TryClaim: want ErrAlreadyClaimed, got %v", err)
		}

		got, err := s.GetJob(ctx, "p", j.ID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State != model.StateClaimed || got.ClaimedBy != "runner-1" {
			t.Fatalf("claim not visible: %+v", got)
		}

		if _, err := s.TryClaim(ctx, "p", j.ID+1000, "r", "tok"); !errors.Is(err, model.ErrJobNotFound) {
			t.Fatalf("TryClaim(missing): want ErrJobNotFound, got %v", err)
		}
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustEnsure(t, s, "p")
		j := mustAdd(t, s, "p", `{}`)

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TryClaim(ctx, "p", j.ID, "r", "tok")
				switch {
				case err == nil:
					wins.Add(1)
				case !errors.Is(err, model.ErrAlreadyClaimed):
					t.Errorf("TryClaim: %v", err)
				}
			}()
		}
		wg.Wait()

		if n := wins.Load(); n != 1 {
			t.Fatalf("winners = %d, want 1", n)
		}
	})
}

func mustEnsure(t *testing.T, s Store, project string) {
	t.Helper()
	if err := s.EnsureProject(context.Background(), project); err != nil {
		t.Fatalf("EnsureProject(%s): %v", project, err)
	}
}

func mustAdd(t *testing.T, s Store, project, payload string) *model.Job {
	t.Helper()
	j, err := s.AddJob(context.Background(), project, json.RawMessage(payload))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return j
}

func jobIDs(jobs []*model.Job) []int64 {
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func states(jobs []*model.Job) []model.State {
	out := make([]model.State, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.State)
	}
	return out
}

// sameJob compares timestamps by instant since drivers differ in the
// location they attach.
func sameJob(a, b *model.Job) bool {
	if a.ID != b.ID || a.Project != b.Project || a.State != b.State ||
		a.ClaimedBy != b.ClaimedBy || a.Token != b.Token ||
		string(a.Payload) != string(b.Payload) || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if a.ClaimedAt == nil || b.ClaimedAt == nil {
		return a.ClaimedAt == nil && b.ClaimedAt == nil
	}
	return a.ClaimedAt.Equal(*b.ClaimedAt)
}
