package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/assembler"
	"github.com/bobarin/studyreel/internal/jobstore"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/narration"
	"github.com/bobarin/studyreel/internal/planner"
	"github.com/bobarin/studyreel/internal/queue"
	"github.com/bobarin/studyreel/internal/render"
	"github.com/bobarin/studyreel/internal/stage"
	"github.com/bobarin/studyreel/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	PolicyTolerate = "tolerate"
	PolicyFail     = "fail"

	dequeueTimeout   = 5 * time.Second
	finalizeWait     = 10 * time.Second
	requeueWait      = 5 * time.Second
	defaultHeartbeat = time.Minute
)

// JobStore is the subset of the job store the pipeline writes to.
type JobStore interface {
	Snapshot(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Claim(ctx context.Context, id uuid.UUID, detail string) error
	Advance(ctx context.Context, id uuid.UUID, status models.JobStatus, detail string) error
	Note(ctx context.Context, id uuid.UUID, detail string) error
	Update(ctx context.Context, id uuid.UUID, fn func(*models.Job)) error
	Complete(ctx context.Context, id uuid.UUID, location string) error
	Fail(ctx context.Context, id uuid.UUID, cause error) error
	Touch(ctx context.Context, id uuid.UUID) error
}

type Planner interface {
	Plan(ctx context.Context, req planner.Request) (*models.ScenePlan, error)
	Title(ctx context.Context, topic string) string
}

// Sweeper finishes or requeues jobs abandoned by a crashed process.
type Sweeper interface {
	Recover(ctx context.Context, opts jobstore.RecoverOptions) (int, error)
}

type SummaryProvider interface {
	DocumentSummaries(ctx context.Context, ownerID string, ids []string) ([]models.DocumentSummary, error)
}

type SceneRenderer interface {
	RenderScene(ctx context.Context, req render.Request, onStall func(string)) models.RenderResult
}

type Narrator interface {
	Synthesize(ctx context.Context, req narration.Request) (models.NarrationTrack, error)
}

type Assembler interface {
	Assemble(ctx context.Context, req assembler.Request) (*assembler.Artifact, error)
}

// Deps are the collaborators a worker drives. Summaries may be nil when
// document ingestion is not available; Sweeper may be nil for a memory-only
// store.
type Deps struct {
	Store     JobStore
	Queue     queue.Queue
	Artifacts storage.ArtifactStore
	Summaries SummaryProvider
	Planner   Planner
	Renderer  SceneRenderer
	Narrator  Narrator
	Assembler Assembler
	Sweeper   Sweeper
}

type Options struct {
	WorkDir          string
	SceneConcurrency int
	FailurePolicy    string // tolerate | fail
	AssemblyTimeout  time.Duration
	KeepWorkDir      bool
	UploadSlots      int
	// Heartbeat is how often a running job is touched so startup recovery in
	// another process does not mistake it for abandoned.
	Heartbeat time.Duration
	// StaleAfter is how long an unfinished job may go untouched before the
	// sweep claims it. Zero disables the sweep.
	StaleAfter time.Duration
}

type Worker struct {
	deps      Deps
	opts      Options
	backoff   func(int) time.Duration
	uploadSem chan struct{} // limits concurrent artifact uploads across jobs
	log       *logrus.Entry

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps, opts Options, log logrus.FieldLogger) *Worker {
	if opts.SceneConcurrency < 1 {
		opts.SceneConcurrency = 3
	}
	if opts.FailurePolicy != PolicyFail {
		opts.FailurePolicy = PolicyTolerate
	}
	if opts.UploadSlots < 1 {
		opts.UploadSlots = 2
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &Worker{
		deps:      deps,
		opts:      opts,
		backoff:   stage.RetryDelay,
		uploadSem: make(chan struct{}, opts.UploadSlots),
		log:       logging.Component(log, "worker"),
		active:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start runs concurrency queue loops and blocks until ctx is canceled and
// every in-flight job has been finalized.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.WithField("concurrency", concurrency).Info("Worker started")

	if w.deps.Sweeper != nil && w.opts.StaleAfter > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.sweepLoop(ctx)
		}()
	}

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.processQueue(ctx)
		}()
	}

	<-ctx.Done()
	w.log.Info("Worker shutting down...")
	w.wg.Wait()
}

func (w *Worker) processQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := w.deps.Queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Warn("Error dequeuing job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if id == uuid.Nil {
			continue
		}
		w.RunJob(ctx, id)
	}
}

// Cancel aborts an in-flight job. It reports false when the job is not
// running in this worker.
func (w *Worker) Cancel(id uuid.UUID) bool {
	w.mu.Lock()
	cancel, ok := w.active[id]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveJobs is the number of jobs currently running.
func (w *Worker) ActiveJobs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// RunJob executes the pipeline for one queued job and records its outcome.
func (w *Worker) RunJob(parent context.Context, id uuid.UUID) {
	log := w.log.WithField("job_id", id)

	job, err := w.deps.Store.Snapshot(parent, id)
	if err != nil {
		log.WithError(err).Warn("Dequeued unknown job")
		return
	}
	if job.Status != models.JobStatusQueued {
		log.WithField("status", job.Status).Info("Skipping job that is no longer queued")
		return
	}
	if err := w.deps.Store.Claim(parent, id, "Planning scenes"); err != nil {
		if errors.Is(err, jobstore.ErrClaimed) || errors.Is(err, jobstore.ErrFinished) {
			log.WithError(err).Info("Skipping job claimed by another run")
		} else {
			log.WithError(err).Warn("Failed to claim job")
		}
		return
	}

	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.active[id] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, id)
		w.mu.Unlock()
		cancel()
	}()
	go w.heartbeat(ctx, id, cancel)

	started := time.Now()
	log.WithField("topic", truncate(job.Input.Topic, 80)).Info("Processing job")

	err = w.process(ctx, job)
	if err == nil {
		log.WithField("elapsed", time.Since(started).Round(time.Millisecond)).Info("Job completed successfully")
		return
	}

	if ctx.Err() != nil && apperr.KindOf(err) != apperr.KindCanceled {
		err = apperr.Wrap(apperr.ErrCanceled, "", "", "job canceled", err)
	}

	// The job context may be gone; the failure still has to be recorded.
	fctx, fcancel := context.WithTimeout(context.Background(), finalizeWait)
	defer fcancel()
	if ferr := w.deps.Store.Fail(fctx, id, err); ferr != nil && !errors.Is(ferr, jobstore.ErrFinished) {
		log.WithError(ferr).Error("Failed to record job failure")
	}
	log.WithError(err).WithField("error_kind", apperr.KindOf(err)).Warn("Job failed")
}

func (w *Worker) process(ctx context.Context, job *models.Job) error {
	id := job.ID
	workDir := filepath.Join(w.opts.WorkDir, id.String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	if !w.opts.KeepWorkDir {
		defer os.RemoveAll(workDir)
	}

	// --- planning ---
	summaries, err := w.summaries(ctx, job.Input)
	if err != nil {
		return err
	}
	topic := planner.ResolveTopic(job.Input.Topic, summaries)
	if topic == "" {
		return apperr.New(apperr.ErrValidation, "planning", "no topic given and no usable document summaries found")
	}

	plan, err := w.deps.Planner.Plan(ctx, planner.Request{
		Topic:     job.Input.Topic,
		Summaries: summaries,
		OnRetry: func(attempt int, err error) {
			detail := fmt.Sprintf("Retrying plan (attempt %d failed)", attempt)
			if apperr.IsTimeout(err) {
				detail = "Stalled: planning timed out, retrying"
			}
			w.note(ctx, id, detail)
		},
	})
	if err != nil {
		return err
	}

	title := w.deps.Planner.Title(ctx, topic)
	if err := w.deps.Store.Update(ctx, id, func(j *models.Job) {
		j.Title = title
		j.Plan = plan
	}); err != nil {
		return err
	}

	// --- rendering + narration ---
	renders, narrations, err := w.renderAndNarrate(ctx, id, plan, workDir)
	if err != nil {
		return err
	}

	var clips []assembler.SceneClip
	var dropped []int
	for i, r := range renders {
		if !r.Success {
			dropped = append(dropped, r.SceneIndex)
			continue
		}
		clip := assembler.SceneClip{Index: r.SceneIndex, Backend: r.Backend, ClipPath: r.ClipPath}
		if narrations[i].Success {
			clip.AudioPath = narrations[i].AudioPath
		}
		clips = append(clips, clip)
	}

	if err := w.deps.Store.Update(ctx, id, func(j *models.Job) {
		j.Renders = renders
		j.Narrations = narrations
		j.Dropped = dropped
	}); err != nil {
		return err
	}
	if len(dropped) > 0 {
		w.log.WithFields(logrus.Fields{"job_id": id, "dropped": dropped}).Warn("Scenes dropped after failed renders")
	}

	// --- assembling ---
	detail := fmt.Sprintf("Assembling %d scenes", len(clips))
	if len(dropped) > 0 {
		detail = fmt.Sprintf("Assembling %d scenes (%d dropped)", len(clips), len(dropped))
	}
	if err := w.deps.Store.Advance(ctx, id, models.JobStatusAssembling, detail); err != nil {
		return err
	}

	var artifact *assembler.Artifact
	err = stage.Run(ctx, stage.Policy{
		Name:     "assembling",
		Timeout:  w.opts.AssemblyTimeout,
		Attempts: 2,
		Backoff:  w.backoff,
		OnRetry: func(int, error) {
			w.note(ctx, id, "Stalled: assembly timed out, retrying")
		},
	}, func(ctx context.Context) error {
		a, err := w.deps.Assembler.Assemble(ctx, assembler.Request{
			Clips:      clips,
			WorkDir:    workDir,
			OutputPath: filepath.Join(workDir, "final.mp4"),
		})
		artifact = a
		return err
	})
	if err != nil {
		return err
	}

	key := storage.ArtifactKey(id)
	if err := w.uploadWithLimit(ctx, id.String(), func() error {
		return w.deps.Artifacts.Save(ctx, key, artifact.Path, "video/mp4")
	}); err != nil {
		if apperr.KindOf(err) == apperr.KindCanceled {
			return err
		}
		return apperr.Wrap(apperr.ErrTransient, "assembling", "upload", "could not store final video", err)
	}

	w.log.WithFields(logrus.Fields{
		"job_id":    id,
		"scenes":    len(artifact.Scenes),
		"total_sec": artifact.TotalDurationSec,
		"bytes":     artifact.SizeBytes,
	}).Info("Artifact stored")

	return w.deps.Store.Complete(ctx, id, key)
}

func (w *Worker) summaries(ctx context.Context, in models.JobInput) ([]models.DocumentSummary, error) {
	if len(in.DocumentIDs) == 0 || w.deps.Summaries == nil {
		return nil, nil
	}
	docs, err := w.deps.Summaries.DocumentSummaries(ctx, in.OwnerID, in.DocumentIDs)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTransient, "planning", "documents", "could not load document summaries", err)
	}
	return docs, nil
}

// renderAndNarrate runs scene renders and narration concurrently, each
// bounded by SceneConcurrency. Status is rendering until every render has
// resolved, then narrating until every narration has.
func (w *Worker) renderAndNarrate(ctx context.Context, id uuid.UUID, plan *models.ScenePlan, workDir string) ([]models.RenderResult, []models.NarrationTrack, error) {
	n := len(plan.Scenes)
	renders := make([]models.RenderResult, n)
	narrations := make([]models.NarrationTrack, n)

	if err := w.deps.Store.Advance(ctx, id, models.JobStatusRendering, fmt.Sprintf("Rendering %d scenes", n)); err != nil {
		return nil, nil, err
	}

	nctx, stopNarration := context.WithCancel(ctx)
	defer stopNarration()

	// Go blocks at the limit, so narration is launched from its own goroutine
	// to keep it from holding up the render loop.
	narrated := make(chan struct{})
	go func() {
		defer close(narrated)
		var ng errgroup.Group
		ng.SetLimit(w.opts.SceneConcurrency)
		for i, scene := range plan.Scenes {
			i, scene := i, scene
			ng.Go(func() error {
				// Narration failure is non-fatal; the scene goes in silent.
				track, _ := w.deps.Narrator.Synthesize(nctx, narration.Request{
					JobID:   id,
					Scene:   scene,
					Dir:     workDir,
					OnStall: func(detail string) { w.note(ctx, id, detail) },
				})
				track.SceneIndex = scene.Index
				narrations[i] = track
				return nil
			})
		}
		ng.Wait()
	}()

	rg, rctx := errgroup.WithContext(ctx)
	rg.SetLimit(w.opts.SceneConcurrency)
	var rendered int32
	for i, scene := range plan.Scenes {
		i, scene := i, scene
		rg.Go(func() error {
			res := w.deps.Renderer.RenderScene(rctx, render.Request{JobID: id, Scene: scene, WorkDir: workDir}, func(detail string) {
				w.note(ctx, id, detail)
			})
			res.SceneIndex = scene.Index
			renders[i] = res

			done := atomic.AddInt32(&rendered, 1)
			w.note(ctx, id, fmt.Sprintf("Rendered %d/%d scenes", done, n))

			if !res.Success && w.opts.FailurePolicy == PolicyFail && rctx.Err() == nil {
				return apperr.New(apperr.ErrScene, "rendering", fmt.Sprintf("scene %d failed on every backend: %s", scene.Index, res.Error))
			}
			return nil
		})
	}

	if err := rg.Wait(); err != nil {
		stopNarration()
		<-narrated
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		stopNarration()
		<-narrated
		return nil, nil, apperr.Wrap(apperr.ErrCanceled, "rendering", "", "job canceled", err)
	}

	if err := w.deps.Store.Advance(ctx, id, models.JobStatusNarrating, "Synthesizing narration"); err != nil {
		stopNarration()
		<-narrated
		return nil, nil, err
	}
	<-narrated
	if err := ctx.Err(); err != nil {
		return nil, nil, apperr.Wrap(apperr.ErrCanceled, "narrating", "", "job canceled", err)
	}

	return renders, narrations, nil
}

// uploadWithLimit wraps an upload with a semaphore so concurrent jobs do not
// saturate the artifact store.
func (w *Worker) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return apperr.Wrap(apperr.ErrCanceled, "assembling", "upload", "canceled while waiting for upload slot", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	w.log.WithField("job_id", label).Debug("Uploading artifact")
	return fn()
}

// sweepLoop recovers abandoned jobs at startup and then once per heartbeat.
// Jobs this worker is running are skipped.
func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Heartbeat)
	defer ticker.Stop()
	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	n, err := w.deps.Sweeper.Recover(ctx, jobstore.RecoverOptions{
		StaleAfter: w.opts.StaleAfter,
		Requeue: func(ctx context.Context, id uuid.UUID) error {
			rctx, cancel := context.WithTimeout(ctx, requeueWait)
			defer cancel()
			return w.deps.Queue.Enqueue(rctx, id)
		},
		Skip: w.isActive,
	})
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Warn("Failed to sweep abandoned jobs")
		}
		return
	}
	if n > 0 {
		w.log.WithField("count", n).Info("Swept abandoned jobs")
	}
}

func (w *Worker) isActive(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.active[id]
	return ok
}

// heartbeat touches the job until ctx ends. A job finished elsewhere, such
// as a cancel recorded by another process, stops the run.
func (w *Worker) heartbeat(ctx context.Context, id uuid.UUID, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.deps.Store.Touch(ctx, id)
			if errors.Is(err, jobstore.ErrFinished) {
				w.log.WithField("job_id", id).Info("Job finished elsewhere, stopping")
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				w.log.WithError(err).WithField("job_id", id).Debug("Failed to record heartbeat")
			}
		}
	}
}

// note records a progress detail; failures are logged, never fatal.
func (w *Worker) note(ctx context.Context, id uuid.UUID, detail string) {
	if err := w.deps.Store.Note(ctx, id, detail); err != nil && ctx.Err() == nil {
		w.log.WithError(err).WithField("job_id", id).Debug("Failed to record progress")
	}
}

// truncate keeps at most maxLen runes of s.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
