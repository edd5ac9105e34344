package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Popie52/jobclerk/internal/metrics"
	"github.com/Popie52/jobclerk/internal/model"
	"github.com/Popie52/jobclerk/internal/store"
)

const (
	DefaultClaimBatchSize    = 16
	DefaultMaxClaimConflicts = 256
)

// Coordinator hands pending jobs to runners. It never locks the queue: it
// reads a batch of FIFO candidates and races for them one by one through
// the store's conditional claim, moving on to the next candidate whenever
// another runner wins.
type Coordinator struct {
	store   store.JobStore
	metrics metrics.MetricsFn

	batchSize    int
	maxConflicts int
	newToken     func() string
}

func NewCoordinator(st store.JobStore, m metrics.MetricsFn, batchSize, maxConflicts int) *Coordinator {
	if batchSize <= 0 {
		batchSize = DefaultClaimBatchSize
	}
	if maxConflicts <= 0 {
		maxConflicts = DefaultMaxClaimConflicts
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Coordinator{
		store:        st,
		metrics:      m,
		batchSize:    batchSize,
		maxConflicts: maxConflicts,
		newToken:     uuid.NewString,
	}
}

// ClaimNext claims the oldest pending job of project for runner. It returns
// a nil job and a nil error when nothing is pending.
func (c *Coordinator) ClaimNext(ctx context.Context, project, runner string) (*model.Job, error) {
	conflicts := 0
	for {
		candidates, err := c.store.PendingJobs(ctx, project, c.batchSize)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for _, cand := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			job, err := c.store.TryClaim(ctx, project, cand.ID, runner, c.newToken())
			if err == nil {
				return job, nil
			}
			if !errors.Is(err, model.ErrAlreadyClaimed) {
				return nil, err
			}

			conflicts++
			c.metrics.IncClaimConflicts(project)
			if conflicts >= c.maxConflicts {
				return nil, fmt.Errorf("%w: lost %d races in project %q", model.ErrConflictRetryExhausted, conflicts, project)
			}
		}
	}
}
