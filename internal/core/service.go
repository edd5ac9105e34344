package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/Popie52/jobclerk/internal/metrics"
	"github.com/Popie52/jobclerk/internal/model"
	"github.com/Popie52/jobclerk/internal/notify"
	"github.com/Popie52/jobclerk/internal/store"
)

const (
	DefaultStorageTimeout = 5 * time.Second

	maxRunnerLen  = 128
	notifyTimeout = 2 * time.Second
)

type Config struct {
	// StorageTimeout bounds every store call made for one request.
	StorageTimeout    time.Duration
	ClaimBatchSize    int
	MaxClaimConflicts int
}

// Service is what the HTTP layer talks to. It validates input, resolves the
// project and delegates to the job store or the claim coordinator. Every
// failure other than a caller error comes back wrapping model.ErrStorage.
type Service struct {
	registry store.ProjectRegistry
	jobs     store.JobStore
	coord    *Coordinator

	metrics  metrics.MetricsFn
	notifier notify.Publisher
	log      zerolog.Logger

	timeout time.Duration
}

func NewService(st store.Store, m metrics.MetricsFn, pub notify.Publisher, logger zerolog.Logger, cfg Config) *Service {
	if m == nil {
		m = metrics.Nop{}
	}
	if pub == nil {
		pub = notify.Nop{}
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultStorageTimeout
	}

	jobs := observedStore{next: st, metrics: m}
	return &Service{
		registry: st,
		jobs:     jobs,
		coord:    NewCoordinator(jobs, m, cfg.ClaimBatchSize, cfg.MaxClaimConflicts),
		metrics:  m,
		notifier: pub,
		log:      logger.With().Str("component", "service").Logger(),
		timeout:  cfg.StorageTimeout,
	}
}

func (s *Service) AddJob(ctx context.Context, project string, payload json.RawMessage) (*model.Job, error) {
	if err := validateProject(project); err != nil {
		return nil, err
	}
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.resolve(ctx, project); err != nil {
		return nil, err
	}

	job, err := s.jobs.AddJob(ctx, project, compact(payload))
	if err != nil {
		return nil, storageErr("add job", err)
	}

	s.metrics.IncJobsAdded(project)
	s.log.Debug().Str("project", project).Int64("job_id", job.ID).Msg("job added")
	s.publish(notify.Event{Type: notify.EventJobAdded, Project: project, JobID: job.ID, At: job.CreatedAt})

	return job.Public(), nil
}

func (s *Service) ListJobs(ctx context.Context, project string) ([]*model.Job, error) {
	if err := validateProject(project); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.resolve(ctx, project); err != nil {
		return nil, err
	}

	jobs, err := s.jobs.ListJobs(ctx, project)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}

	out := make([]*model.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Public())
	}
	return out, nil
}

func (s *Service) GetJob(ctx context.Context, project string, id int64) (*model.Job, error) {
	if err := validateProject(project); err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, fmt.Errorf("%w: job id must be positive", model.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.resolve(ctx, project); err != nil {
		return nil, err
	}

	job, err := s.jobs.GetJob(ctx, project, id)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %d in project %q", model.ErrJobNotFound, id, project)
		}
		return nil, storageErr("get job", err)
	}
	return job.Public(), nil
}

// ClaimNext claims the oldest pending job for runner. A nil job with a nil
// error means the queue is empty. The returned job carries the claim token.
func (s *Service) ClaimNext(ctx context.Context, project, runner string) (*model.Job, error) {
	if err := validateProject(project); err != nil {
		return nil, err
	}
	if err := validateRunner(runner); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.resolve(ctx, project); err != nil {
		return nil, err
	}

	job, err := s.coord.ClaimNext(ctx, project, runner)
	switch {
	case err != nil && errors.Is(err, model.ErrConflictRetryExhausted):
		s.metrics.IncClaims(project, metrics.OutcomeExhausted)
		s.log.Warn().Err(err).Str("project", project).Str("runner", runner).Msg("claim gave up")
		return nil, err
	case err != nil:
		s.metrics.IncClaims(project, metrics.OutcomeError)
		return nil, storageErr("claim job", err)
	case job == nil:
		s.metrics.IncClaims(project, metrics.OutcomeEmpty)
		return nil, nil
	}

	s.metrics.IncClaims(project, metrics.OutcomeClaimed)
	s.log.Info().Str("project", project).Int64("job_id", job.ID).Str("runner", runner).Msg("job claimed")
	s.publish(notify.Event{Type: notify.EventJobClaimed, Project: project, JobID: job.ID, Runner: runner, At: time.Now().UTC()})

	return job, nil
}

func (s *Service) ListProjects(ctx context.Context) ([]*model.Project, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	projects, err := s.registry.ListProjects(ctx)
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	return projects, nil
}

func (s *Service) resolve(ctx context.Context, project string) error {
	if _, err := s.registry.Resolve(ctx, project); err != nil {
		if errors.Is(err, model.ErrProjectNotFound) {
			return fmt.Errorf("%w: %q", model.ErrProjectNotFound, project)
		}
		return storageErr("resolve project", err)
	}
	return nil
}

// publish is fire-and-forget: a notifier outage must not fail the request
// that already committed.
func (s *Service) publish(ev notify.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if err := s.notifier.Publish(ctx, ev); err != nil {
			s.log.Warn().Err(err).Str("event", ev.Type).Str("project", ev.Project).Msg("notify failed")
		}
	}()
}

// storageErr wraps backend failures, including an expired storage deadline,
// as model.ErrStorage. Caller errors pass through untouched.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, model.ErrProjectNotFound),
		errors.Is(err, model.ErrJobNotFound),
		errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrConflictRetryExhausted),
		errors.Is(err, model.ErrStorage):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
	}
}

// Validation

func validateProject(name string) error {
	if name == "" {
		return fmt.Errorf("%w: project name is required", model.ErrValidation)
	}
	if !model.ValidProjectName(name) {
		return fmt.Errorf("%w: invalid project name %q", model.ErrValidation, name)
	}
	return nil
}

func validateRunner(runner string) error {
	if strings.TrimSpace(runner) == "" {
		return fmt.Errorf("%w: runner is required", model.ErrValidation)
	}
	if len(runner) > maxRunnerLen {
		return fmt.Errorf("%w: runner longer than %d bytes", model.ErrValidation, maxRunnerLen)
	}
	for _, r := range runner {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: runner contains control characters", model.ErrValidation)
		}
	}
	return nil
}

func validatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: payload is required", model.ErrValidation)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: payload is not valid JSON", model.ErrValidation)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: payload must be a JSON object", model.ErrValidation)
	}
	return nil
}

func compact(payload json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return payload
	}
	return buf.Bytes()
}
