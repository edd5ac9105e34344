package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Popie52/jobclerk/internal/model"
)

var _ Store = (*MemoryJobStore)(nil)

// MemoryJobStore keeps every project in process memory. On its own it is not
// durable; FileJobStore layers a journal underneath it.
//
// Reads never take a lock: each namespace publishes its job slice through an
// atomic pointer and every job publishes an immutable version. Writers of a
// namespace serialize on the namespace mutex, claimers serialize on the
// mutex of the single job they contend for.
//
// Every add and claim is stamped with a namespace sequence number when it is
// published. ListJobs reads the sequence once and hides anything stamped
// later, so a listing is the state of the project at a single instant.
type MemoryJobStore struct {
	mu       sync.RWMutex
	projects map[string]*namespace

	journal journal
	now     func() time.Time
}

// journal persists job records before they become visible.
type journal interface {
	create(project string) error
	append(job *model.Job) error
	close() error
}

type namespace struct {
	project model.Project

	mu   sync.Mutex // serializes AddJob
	jobs atomic.Pointer[[]*entry]

	// pub orders publication; seq is the stamp of the last published change.
	pub sync.Mutex
	seq atomic.Int64

	// head is the index below which every job is known to be claimed.
	head atomic.Int64
}

type entry struct {
	mu    sync.Mutex // serializes claim attempts on this job
	cur   atomic.Pointer[version]
	added int64
}

// version is an immutable state of a job. prev links to the state it
// replaced so readers holding an older stamp can step back.
type version struct {
	job  *model.Job
	seq  int64
	prev *version
}

func (e *entry) load() *model.Job { return e.cur.Load().job }

// at returns the job as it was once every change stamped up to seq had been
// published.
func (e *entry) at(seq int64) *model.Job {
	v := e.cur.Load()
	for v.seq > seq && v.prev != nil {
		v = v.prev
	}
	return v.job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		projects: make(map[string]*namespace),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func newNamespace(p model.Project) *namespace {
	ns := &namespace{project: p}
	empty := make([]*entry, 0)
	ns.jobs.Store(&empty)
	return ns
}

func (ns *namespace) snapshot() []*entry {
	return *ns.jobs.Load()
}

// publish runs fn with the next sequence stamp and makes the stamp visible
// only after fn has stored everything it changed.
func (ns *namespace) publish(fn func(seq int64)) {
	ns.pub.Lock()
	defer ns.pub.Unlock()

	seq := ns.seq.Load() + 1
	fn(seq)
	ns.seq.Store(seq)
}

func (s *MemoryJobStore) namespace(project string) (*namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.projects[project]
	if !ok {
		return nil, model.ErrProjectNotFound
	}
	return ns, nil
}

// Lifecycle

func (s *MemoryJobStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryJobStore) Ping(_ context.Context) error { return nil }

func (s *MemoryJobStore) Close() error {
	if s.journal != nil {
		return s.journal.close()
	}
	return nil
}

// Projects

func (s *MemoryJobStore) EnsureProject(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[name]; ok {
		return nil
	}
	if s.journal != nil {
		if err := s.journal.create(name); err != nil {
			return err
		}
	}
	s.projects[name] = newNamespace(model.Project{Name: name, CreatedAt: s.now()})
	return nil
}

func (s *MemoryJobStore) Resolve(_ context.Context, name string) (*model.Project, error) {
	ns, err := s.namespace(name)
	if err != nil {
		return nil, err
	}
	p := ns.project
	return &p, nil
}

func (s *MemoryJobStore) ListProjects(_ context.Context) ([]*model.Project, error) {
	s.mu.RLock()
	out := make([]*model.Project, 0, len(s.projects))
	for _, ns := range s.projects {
		p := ns.project
		out = append(out, &p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Jobs

func (s *MemoryJobStore) AddJob(_ context.Context, project string, payload json.RawMessage) (*model.Job, error) {
	ns, err := s.namespace(project)
	if err != nil {
		return nil, err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	jobs := ns.snapshot()

	// Keep created_at monotonic within the project so FIFO order and id
	// order agree even if the wall clock steps back.
	now := s.now()
	if n := len(jobs); n > 0 {
		if last := jobs[n-1].load().CreatedAt; now.Before(last) {
			now = last
		}
	}

	job := &model.Job{
		ID:        int64(len(jobs)) + 1,
		Project:   project,
		State:     model.StatePending,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now,
	}

	if s.journal != nil {
		if err := s.journal.append(job); err != nil {
			return nil, err
		}
	}

	ns.publish(func(seq int64) {
		e := &entry{added: seq}
		e.cur.Store(&version{job: job, seq: seq})
		next := append(jobs, e)
		ns.jobs.Store(&next)
	})

	return job.Clone(), nil
}

func (s *MemoryJobStore) ListJobs(_ context.Context, project string) ([]*model.Job, error) {
	ns, err := s.namespace(project)
	if err != nil {
		return nil, err
	}

	at := ns.seq.Load()
	jobs := ns.snapshot()
	out := make([]*model.Job, 0, len(jobs))
	for _, e := range jobs {
		if e.added > at {
			break
		}
		out = append(out, e.at(at).Clone())
	}
	return out, nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, project string, id int64) (*model.Job, error) {
	ns, err := s.namespace(project)
	if err != nil {
		return nil, err
	}

	e := ns.lookup(id)
	if e == nil {
		return nil, model.ErrJobNotFound
	}
	return e.load().Clone(), nil
}

func (ns *namespace) lookup(id int64) *entry {
	jobs := ns.snapshot()
	if id < 1 || id > int64(len(jobs)) {
		return nil
	}
	return jobs[id-1]
}

func (s *MemoryJobStore) PendingJobs(_ context.Context, project string, limit int) ([]*model.Job, error) {
	ns, err := s.namespace(project)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		return nil, nil
	}

	jobs := ns.snapshot()
	start := ns.head.Load()
	out := make([]*model.Job, 0, limit)
	prefix := true
	for i := start; i < int64(len(jobs)) && len(out) < limit; i++ {
		j := jobs[i].load()
		if j.State != model.StatePending {
			if prefix {
				ns.advanceHead(i + 1)
			}
			continue
		}
		prefix = false
		out = append(out, j.Clone())
	}
	return out, nil
}

// advanceHead moves head forward to to. Claimed jobs never go back to
// pending, so the hint can only grow.
func (ns *namespace) advanceHead(to int64) {
	for {
		cur := ns.head.Load()
		if to <= cur || ns.head.CompareAndSwap(cur, to) {
			return
		}
	}
}

func (s *MemoryJobStore) TryClaim(_ context.Context, project string, id int64, runner, token string) (*model.Job, error) {
	ns, err := s.namespace(project)
	if err != nil {
		return nil, err
	}

	e := ns.lookup(id)
	if e == nil {
		return nil, model.ErrJobNotFound
	}

	// Cheap check before queueing on the job mutex.
	if e.load().State != model.StatePending {
		return nil, model.ErrAlreadyClaimed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.cur.Load()
	cur := prev.job
	if cur.State != model.StatePending {
		return nil, model.ErrAlreadyClaimed
	}

	now := s.now()
	next := cur.Clone()
	next.State = model.StateClaimed
	next.ClaimedBy = runner
	next.Token = token
	next.ClaimedAt = &now

	if s.journal != nil {
		if err := s.journal.append(next); err != nil {
			return nil, err
		}
	}

	ns.publish(func(seq int64) {
		e.cur.Store(&version{job: next, seq: seq, prev: prev})
	})
	return next.Clone(), nil
}

// restore installs a replayed job. Only used while opening a journal, before
// the store is shared.
func (s *MemoryJobStore) restore(project string, jobs []*model.Job) {
	ns, ok := s.projects[project]
	if !ok {
		ns = newNamespace(model.Project{Name: project, CreatedAt: s.now()})
		s.projects[project] = ns
	}

	entries := make([]*entry, 0, len(jobs))
	for _, j := range jobs {
		e := &entry{}
		e.cur.Store(&version{job: j})
		entries = append(entries, e)
	}
	ns.jobs.Store(&entries)
}
