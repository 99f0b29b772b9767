package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrRegression = errors.New("status regression")
	ErrFinished   = errors.New("job already finished")
	ErrClaimed    = errors.New("job already claimed")
)

// InterruptedDetail is recorded on jobs a crashed process left unfinished.
const InterruptedDetail = "interrupted by restart"

// Persister is the durable side of the store. SaveJob must ignore snapshots
// whose version is not newer than the stored one.
type Persister interface {
	SaveJob(ctx context.Context, job *models.Job) error
	LoadJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, ownerID string) ([]*models.Job, error)
	ListUnfinished(ctx context.Context) ([]*models.Job, error)
}

type record struct {
	mu  sync.RWMutex
	job *models.Job
}

// Store is the process-wide job registry. Each job has its own lock; the
// owner index has a separate one, so unrelated jobs never contend.
type Store struct {
	records   sync.Map // uuid.UUID -> *record
	ownerMu   sync.RWMutex
	owners    map[string][]uuid.UUID
	persister Persister
	log       *logrus.Entry
	now       func() time.Time
}

// New creates a store. persister may be nil for a memory-only store.
func New(persister Persister, log logrus.FieldLogger) *Store {
	return &Store{
		owners:    make(map[string][]uuid.UUID),
		persister: persister,
		log:       logging.Component(log, "jobstore"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a queued job and persists it before returning.
func (s *Store) Create(ctx context.Context, input models.JobInput) (*models.Job, error) {
	now := s.now()
	job := &models.Job{
		ID:        uuid.New(),
		Input:     input,
		Title:     input.Topic,
		Status:    models.JobStatusQueued,
		Progress:  "Queued",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.Input.DocumentIDs = append([]string(nil), input.DocumentIDs...)

	if s.persister != nil {
		if err := s.persister.SaveJob(ctx, job.Clone()); err != nil {
			return nil, fmt.Errorf("failed to persist job: %w", err)
		}
	}

	s.records.Store(job.ID, &record{job: job})
	s.indexOwner(input.OwnerID, job.ID)

	s.log.WithFields(logrus.Fields{"job_id": job.ID, "owner_id": input.OwnerID}).Info("Job created")
	return job.Clone(), nil
}

// Get returns the client view of a job. Unknown ids yield apperr.ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (models.JobView, error) {
	job, err := s.Snapshot(ctx, id)
	if err != nil {
		return models.JobView{}, err
	}
	return job.View(), nil
}

// Snapshot returns a deep copy of the full job record.
func (s *Store) Snapshot(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.job.Clone(), nil
}

// List returns an owner's jobs newest first, merging resident and persisted
// records. Where both exist the higher version wins.
func (s *Store) List(ctx context.Context, ownerID string) ([]models.JobView, error) {
	byID := make(map[uuid.UUID]*models.Job)

	if s.persister != nil {
		persisted, err := s.persister.ListJobs(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		for _, j := range persisted {
			byID[j.ID] = j
		}
	}

	s.ownerMu.RLock()
	ids := append([]uuid.UUID(nil), s.owners[ownerID]...)
	s.ownerMu.RUnlock()

	// A resident copy can lag behind a write made by another process.
	for _, id := range ids {
		v, ok := s.records.Load(id)
		if !ok {
			continue
		}
		rec := v.(*record)
		rec.mu.Lock()
		if p, ok := byID[id]; ok && p.Version > rec.job.Version && !rec.job.Status.Terminal() {
			rec.job = p.Clone()
		}
		byID[id] = rec.job.Clone()
		rec.mu.Unlock()
	}

	jobs := make([]*models.Job, 0, len(byID))
	for _, j := range byID {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID.String() > jobs[b].ID.String()
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})

	views := make([]models.JobView, len(jobs))
	for i, j := range jobs {
		views[i] = j.View()
	}
	return views, nil
}

// Advance moves a job forward. Same-status calls only refresh the progress
// detail; backward moves return ErrRegression; terminal jobs return ErrFinished.
func (s *Store) Advance(ctx context.Context, id uuid.UUID, status models.JobStatus, detail string) error {
	if status == models.JobStatusFailed || status == models.JobStatusComplete {
		return fmt.Errorf("use Fail or Complete to finish job %s", id)
	}
	return s.mutate(ctx, id, func(j *models.Job) error {
		if !j.Status.CanAdvanceTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrRegression, j.Status, status)
		}
		j.Status = status
		j.Progress = detail
		return nil
	})
}

// Note updates the progress detail without changing status.
func (s *Store) Note(ctx context.Context, id uuid.UUID, detail string) error {
	return s.mutate(ctx, id, func(j *models.Job) error {
		j.Progress = detail
		return nil
	})
}

// Update applies fn to a non-terminal job. fn must not change Status.
func (s *Store) Update(ctx context.Context, id uuid.UUID, fn func(*models.Job)) error {
	return s.mutate(ctx, id, func(j *models.Job) error {
		status := j.Status
		fn(j)
		j.Status = status
		return nil
	})
}

// Complete finishes a job with the artifact location.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, location string) error {
	return s.mutate(ctx, id, func(j *models.Job) error {
		j.Status = models.JobStatusComplete
		j.Progress = "Complete"
		j.ResultLocation = location
		return nil
	})
}

// Fail finishes a job with the classified error. Only the error summary is
// stored; the raw cause is logged.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	kind := apperr.KindOf(cause)
	if kind == "" {
		kind = apperr.KindInternal
	}
	detail := apperr.Detail(cause)

	err := s.mutate(ctx, id, func(j *models.Job) error {
		j.Status = models.JobStatusFailed
		j.ErrorKind = string(kind)
		j.Error = detail
		j.Progress = "Failed: " + detail
		return nil
	})
	if err == nil {
		s.log.WithFields(logrus.Fields{"job_id": id, "error_kind": kind}).WithError(cause).Warn("Job failed")
	}
	return err
}

// RecoverOptions bound which unfinished jobs Recover may claim.
type RecoverOptions struct {
	// StaleAfter is how long a job must go without an update before it is
	// treated as abandoned. Running jobs are touched by their worker well
	// inside this window, so another live process keeps its jobs.
	StaleAfter time.Duration
	// Requeue, when set, puts stale queued jobs back on the queue instead of
	// failing them. A requeued job is touched so it waits another StaleAfter.
	Requeue func(ctx context.Context, id uuid.UUID) error
	// Skip reports jobs the caller is running itself.
	Skip func(id uuid.UUID) bool
}

// Touch records that a job is still being worked on.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, id, func(*models.Job) error { return nil })
}

// Claim moves a queued job to planning. Any other status returns ErrClaimed,
// so a job delivered twice runs once per process.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, detail string) error {
	return s.mutate(ctx, id, func(j *models.Job) error {
		if j.Status != models.JobStatusQueued {
			return fmt.Errorf("%w: %s is %s", ErrClaimed, id, j.Status)
		}
		j.Status = models.JobStatusPlanning
		j.Progress = detail
		return nil
	})
}

// Recover sweeps persisted non-terminal jobs that have not been updated for
// opts.StaleAfter: queued ones are requeued when opts.Requeue is set, the rest
// are marked failed. It returns how many jobs it failed or requeued. Workers
// call it at startup and then periodically, so a job orphaned by a crashed
// process is eventually finished.
func (s *Store) Recover(ctx context.Context, opts RecoverOptions) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	unfinished, err := s.persister.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	cutoff := s.now().Add(-opts.StaleAfter)
	recovered, requeued := 0, 0
	for _, j := range unfinished {
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		if opts.Skip != nil && opts.Skip(j.ID) {
			continue
		}

		log := s.log.WithFields(logrus.Fields{"job_id": j.ID, "status": j.Status})
		if j.Status == models.JobStatusQueued && opts.Requeue != nil {
			if err := opts.Requeue(ctx, j.ID); err != nil {
				log.WithError(err).Warn("Failed to requeue stale job")
				continue
			}
			j.Progress = "Queued (requeued)"
		} else {
			j.Status = models.JobStatusFailed
			j.ErrorKind = string(apperr.KindInternal)
			j.Error = InterruptedDetail
			j.Progress = "Failed: " + InterruptedDetail
		}
		j.Version++
		j.UpdatedAt = s.now()
		if err := s.persister.SaveJob(ctx, j); err != nil {
			log.WithError(err).Warn("Failed to save recovered job")
			continue
		}
		if j.Status == models.JobStatusQueued {
			requeued++
		} else {
			recovered++
		}
		if v, ok := s.records.Load(j.ID); ok {
			s.refresh(ctx, v.(*record))
		}
	}
	if recovered > 0 || requeued > 0 {
		s.log.WithFields(logrus.Fields{"failed": recovered, "requeued": requeued}).Info("Recovered abandoned jobs")
	}
	return recovered + requeued, nil
}

func (s *Store) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Job) error) error {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.job.Status.Terminal() {
		rec.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrFinished, id, rec.job.Status)
	}
	next := rec.job.Clone()
	if err := fn(next); err != nil {
		rec.mu.Unlock()
		return err
	}
	next.Version = rec.job.Version + 1
	next.UpdatedAt = s.now()
	rec.job = next
	snapshot := next.Clone()
	rec.mu.Unlock()

	// The version guard in SaveJob keeps out-of-order writes from regressing.
	if s.persister != nil {
		if err := s.persister.SaveJob(ctx, snapshot); err != nil {
			s.log.WithField("job_id", id).WithError(err).Warn("Failed to persist job update")
		}
	}
	return nil
}

func (s *Store) lookup(ctx context.Context, id uuid.UUID) (*record, error) {
	if v, ok := s.records.Load(id); ok {
		rec := v.(*record)
		s.refresh(ctx, rec)
		return rec, nil
	}
	if s.persister == nil {
		return nil, apperr.New(apperr.ErrNotFound, "", "job not found")
	}

	job, err := s.persister.LoadJob(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.New(apperr.ErrNotFound, "", "job not found")
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	v, loaded := s.records.LoadOrStore(id, &record{job: job})
	if !loaded {
		s.indexOwner(job.Input.OwnerID, id)
	}
	return v.(*record), nil
}

// refresh replaces a non-terminal resident record with a newer persisted
// version, so writes from another process sharing the database are seen.
// A failed read keeps the resident copy.
func (s *Store) refresh(ctx context.Context, rec *record) {
	if s.persister == nil {
		return
	}
	rec.mu.RLock()
	id, terminal := rec.job.ID, rec.job.Status.Terminal()
	rec.mu.RUnlock()
	if terminal {
		return
	}

	persisted, err := s.persister.LoadJob(ctx, id)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, apperr.ErrNotFound) {
			s.log.WithField("job_id", id).WithError(err).Debug("Failed to refresh job")
		}
		return
	}

	rec.mu.Lock()
	if persisted.Version > rec.job.Version {
		rec.job = persisted
	}
	rec.mu.Unlock()
}

func (s *Store) indexOwner(ownerID string, id uuid.UUID) {
	s.ownerMu.Lock()
	s.owners[ownerID] = append(s.owners[ownerID], id)
	s.ownerMu.Unlock()
}
