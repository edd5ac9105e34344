package store

import (
	"context"
	"encoding/json"

	"github.com/Popie52/jobclerk/internal/model"
)

// JobStore holds the jobs of every project. Implementations must be safe for
// concurrent use; TryClaim must be atomic with respect to every other claim
// on the same job.
type JobStore interface {
	AddJob(ctx context.Context, project string, payload json.RawMessage) (*model.Job, error)

	// ListJobs returns every job of the project in creation order.
	ListJobs(ctx context.Context, project string) ([]*model.Job, error)

	GetJob(ctx context.Context, project string, id int64) (*model.Job, error)

	// PendingJobs returns up to limit pending jobs, oldest first.
	PendingJobs(ctx context.Context, project string, limit int) ([]*model.Job, error)

	// TryClaim moves the job from pending to claimed if and only if it is
	// still pending. Returns model.ErrAlreadyClaimed when it is not, and
	// model.ErrJobNotFound when the job does not exist.
	TryClaim(ctx context.Context, project string, id int64, runner, token string) (*model.Job, error)
}

type ProjectRegistry interface {
	Resolve(ctx context.Context, name string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
}

// Store is an opened backend with an explicit lifecycle.
type Store interface {
	JobStore
	ProjectRegistry

	// EnsureProject creates the project if it does not exist yet. Only the
	// bootstrap seeding path calls it.
	EnsureProject(ctx context.Context, name string) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
