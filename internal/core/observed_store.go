package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Popie52/jobclerk/internal/metrics"
	"github.com/Popie52/jobclerk/internal/model"
	"github.com/Popie52/jobclerk/internal/store"
)

// observedStore times every job store call.
type observedStore struct {
	next    store.JobStore
	metrics metrics.MetricsFn
}

// observe is deferred as `defer o.observe(op, &err)()` so the named result
// is read after the call returns.
func (o observedStore) observe(op string, err *error) func() {
	start := time.Now()
	return func() { o.metrics.ObserveStoreOp(op, time.Since(start), *err) }
}

func (o observedStore) AddJob(ctx context.Context, project string, payload json.RawMessage) (j *model.Job, err error) {
	defer o.observe("add_job", &err)()
	return o.next.AddJob(ctx, project, payload)
}

func (o observedStore) ListJobs(ctx context.Context, project string) (jobs []*model.Job, err error) {
	defer o.observe("list_jobs", &err)()
	return o.next.ListJobs(ctx, project)
}

func (o observedStore) GetJob(ctx context.Context, project string, id int64) (j *model.Job, err error) {
	defer o.observe("get_job", &err)()
	return o.next.GetJob(ctx, project, id)
}

func (o observedStore) PendingJobs(ctx context.Context, project string, limit int) (jobs []*model.Job, err error) {
	defer o.observe("pending_jobs", &err)()
	return o.next.PendingJobs(ctx, project, limit)
}

func (o observedStore) TryClaim(ctx context.Context, project string, id int64, runner, token string) (j *model.Job, err error) {
	defer o.observe("try_claim", &err)()
	return o.next.TryClaim(ctx, project, id, runner, token)
}
