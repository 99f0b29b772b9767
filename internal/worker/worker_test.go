package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/assembler"
	"github.com/bobarin/studyreel/internal/db"
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
)

// recordingStore wraps the real store and records every status it is moved to.
type recordingStore struct {
	*jobstore.Store
	mu       sync.Mutex
	statuses []models.JobStatus
}

func (r *recordingStore) Advance(ctx context.Context, id uuid.UUID, status models.JobStatus, detail string) error {
	err := r.Store.Advance(ctx, id, status, detail)
	if err == nil {
		r.mu.Lock()
		r.statuses = append(r.statuses, status)
		r.mu.Unlock()
	}
	return err
}

func (r *recordingStore) Claim(ctx context.Context, id uuid.UUID, detail string) error {
	err := r.Store.Claim(ctx, id, detail)
	if err == nil {
		r.mu.Lock()
		r.statuses = append(r.statuses, models.JobStatusPlanning)
		r.mu.Unlock()
	}
	return err
}

type fakePlanner struct {
	scenes int
	err    error
}

func (p *fakePlanner) Plan(ctx context.Context, req planner.Request) (*models.ScenePlan, error) {
	if p.err != nil {
		return nil, p.err
	}
	plan := &models.ScenePlan{Title: "Plan"}
	for i := 1; i <= p.scenes; i++ {
		plan.Scenes = append(plan.Scenes, models.Scene{
			Index: i, Title: fmt.Sprintf("Scene %d", i), DurationSec: 10,
			Narration: "narration", VisualSpec: "spec", PreferredBackend: "manim",
		})
	}
	return plan, nil
}

func (p *fakePlanner) Title(ctx context.Context, topic string) string { return "Title: " + topic }

type fakeRenderer struct {
	fail     map[int]bool
	block    bool
	calls    int32
	inflight int32
	peak     int32
}

func (r *fakeRenderer) RenderScene(ctx context.Context, req render.Request, onStall func(string)) models.RenderResult {
	atomic.AddInt32(&r.calls, 1)
	n := atomic.AddInt32(&r.inflight, 1)
	defer atomic.AddInt32(&r.inflight, -1)
	for {
		p := atomic.LoadInt32(&r.peak)
		if n <= p || atomic.CompareAndSwapInt32(&r.peak, p, n) {
			break
		}
	}

	idx := req.Scene.Index
	if r.block {
		<-ctx.Done()
		return models.RenderResult{SceneIndex: idx, Error: "canceled"}
	}
	time.Sleep(5 * time.Millisecond)
	if r.fail[idx] {
		return models.RenderResult{SceneIndex: idx, Backend: models.BackendMotion, Fallback: true, Error: "rendering: both failed"}
	}
	path := filepath.Join(req.WorkDir, fmt.Sprintf("clip_%02d.mp4", idx))
	os.WriteFile(path, []byte("clip"), 0644)
	return models.RenderResult{SceneIndex: idx, Backend: models.BackendProcedural, ClipPath: path, Success: true}
}

type fakeNarrator struct {
	fail  map[int]bool
	calls int32
}

func (n *fakeNarrator) Synthesize(ctx context.Context, req narration.Request) (models.NarrationTrack, error) {
	atomic.AddInt32(&n.calls, 1)
	idx := req.Scene.Index
	if n.fail[idx] {
		return models.NarrationTrack{SceneIndex: idx, Error: "narration: unavailable"}, errors.New("tts down")
	}
	path := filepath.Join(req.Dir, fmt.Sprintf("narration_%02d.mp3", idx))
	os.WriteFile(path, []byte("audio"), 0644)
	return models.NarrationTrack{SceneIndex: idx, AudioPath: path, DurationSec: 9, Success: true}, nil
}

type fakeAssembler struct {
	mu    sync.Mutex
	clips []assembler.SceneClip
	fn    func(ctx context.Context) error
	calls int
}

func (a *fakeAssembler) Assemble(ctx context.Context, req assembler.Request) (*assembler.Artifact, error) {
	a.mu.Lock()
	a.calls++
	a.clips = req.Clips
	a.mu.Unlock()
	if a.fn != nil {
		if err := a.fn(ctx); err != nil {
			return nil, err
		}
	}
	if len(req.Clips) == 0 {
		return nil, apperr.New(apperr.ErrAssembly, "assembling", "no scenes to assemble")
	}
	if err := os.WriteFile(req.OutputPath, []byte("final"), 0644); err != nil {
		return nil, err
	}
	return &assembler.Artifact{Path: req.OutputPath, TotalDurationSec: float64(10 * len(req.Clips)), SizeBytes: 5}, nil
}

type fakeSummaries struct {
	docs []models.DocumentSummary
}

func (f fakeSummaries) DocumentSummaries(ctx context.Context, ownerID string, ids []string) ([]models.DocumentSummary, error) {
	return f.docs, nil
}

type harness struct {
	store     *recordingStore
	artifacts *storage.Local
	planner   *fakePlanner
	renderer  *fakeRenderer
	narrator  *fakeNarrator
	assembler *fakeAssembler
	worker    *Worker
	queue     *queue.Local
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	artifacts, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error: %v", err)
	}
	h := &harness{
		store:     &recordingStore{Store: jobstore.New(nil, logging.Discard())},
		artifacts: artifacts,
		planner:   &fakePlanner{scenes: 4},
		renderer:  &fakeRenderer{},
		narrator:  &fakeNarrator{},
		assembler: &fakeAssembler{},
		queue:     queue.NewLocal(8),
	}
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	h.worker = New(Deps{
		Store:     h.store,
		Queue:     h.queue,
		Artifacts: artifacts,
		Summaries: fakeSummaries{},
		Planner:   h.planner,
		Renderer:  h.renderer,
		Narrator:  h.narrator,
		Assembler: h.assembler,
	}, opts, logging.Discard())
	h.worker.backoff = stage.NoBackoff
	return h
}

func (h *harness) submit(t *testing.T, in models.JobInput) uuid.UUID {
	t.Helper()
	if in.OwnerID == "" {
		in.OwnerID = "owner-1"
	}
	job, err := h.store.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return job.ID
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := h.store.Snapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	return j
}

func TestRunJobHappyPath(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.submit(t, models.JobInput{Topic: "Pythagorean theorem"})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusComplete {
		t.Fatalf("expected complete, got %s (%s: %s)", j.Status, j.ErrorKind, j.Error)
	}
	if j.ResultLocation != storage.ArtifactKey(id) {
		t.Errorf("unexpected location %s", j.ResultLocation)
	}
	if j.Title != "Title: Pythagorean theorem" {
		t.Errorf("unexpected title %q", j.Title)
	}
	if len(h.assembler.clips) != 4 || len(j.Dropped) != 0 {
		t.Errorf("expected 4 assembled scenes, got %d (dropped %v)", len(h.assembler.clips), j.Dropped)
	}
	for i, c := range h.assembler.clips {
		if c.Index != i+1 || c.AudioPath == "" {
			t.Errorf("clip %d unexpected %+v", i, c)
		}
	}

	rc, err := h.artifacts.Open(context.Background(), j.ResultLocation)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	rc.Close()

	want := []models.JobStatus{models.JobStatusPlanning, models.JobStatusRendering, models.JobStatusNarrating, models.JobStatusAssembling}
	if fmt.Sprint(h.store.statuses) != fmt.Sprint(want) {
		t.Errorf("status sequence = %v, want %v", h.store.statuses, want)
	}
}

func TestRunJobToleratesFailedScene(t *testing.T) {
	h := newHarness(t, Options{FailurePolicy: PolicyTolerate})
	h.renderer.fail = map[int]bool{2: true}
	id := h.submit(t, models.JobInput{Topic: "Cell division"})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusComplete {
		t.Fatalf("expected complete, got %s (%s)", j.Status, j.Error)
	}
	if len(h.assembler.clips) != 3 {
		t.Errorf("expected 3 scenes (plan minus dropped), got %d", len(h.assembler.clips))
	}
	if len(j.Dropped) != 1 || j.Dropped[0] != 2 {
		t.Errorf("expected scene 2 dropped, got %v", j.Dropped)
	}
	for _, c := range h.assembler.clips {
		if c.Index == 2 {
			t.Error("dropped scene must not be assembled")
		}
	}
}

func TestRunJobFailPolicy(t *testing.T) {
	h := newHarness(t, Options{FailurePolicy: PolicyFail})
	h.renderer.fail = map[int]bool{3: true}
	id := h.submit(t, models.JobInput{Topic: "Cell division"})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusFailed || j.ErrorKind != string(apperr.KindScene) {
		t.Fatalf("expected scene failure, got %s/%s", j.Status, j.ErrorKind)
	}
	if h.assembler.calls != 0 {
		t.Error("assembler should not run after a fatal scene failure")
	}
}

func TestRunJobSilentSceneOnNarrationFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.narrator.fail = map[int]bool{1: true}
	id := h.submit(t, models.JobInput{Topic: "Osmosis"})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusComplete {
		t.Fatalf("narration failure must not fail the job, got %s (%s)", j.Status, j.Error)
	}
	if len(h.assembler.clips) != 4 {
		t.Fatalf("expected 4 scenes, got %d", len(h.assembler.clips))
	}
	if h.assembler.clips[0].AudioPath != "" || h.assembler.clips[1].AudioPath == "" {
		t.Errorf("scene 1 should be silent, others narrated: %+v", h.assembler.clips)
	}
	if j.Narrations[0].Success || j.Narrations[0].Error == "" {
		t.Errorf("narration result should record the failure: %+v", j.Narrations[0])
	}
}

func TestRunJobPlanningFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.planner.err = apperr.New(apperr.ErrMalformed, "planning", "plan has no scenes")
	id := h.submit(t, models.JobInput{Topic: "Entropy"})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusFailed || j.ErrorKind != string(apperr.KindMalformed) {
		t.Fatalf("expected malformed failure, got %s/%s", j.Status, j.ErrorKind)
	}
	if j.Error != "planning: plan has no scenes" {
		t.Errorf("unexpected error detail %q", j.Error)
	}
	if n := atomic.LoadInt32(&h.renderer.calls); n != 0 {
		t.Errorf("renderer should not run after a planning failure, got %d calls", n)
	}
	if n := atomic.LoadInt32(&h.narrator.calls); n != 0 {
		t.Errorf("narrator should not run after a planning failure, got %d calls", n)
	}
	if h.assembler.calls != 0 {
		t.Errorf("assembler should not run after a planning failure, got %d calls", h.assembler.calls)
	}
	for _, st := range h.store.statuses {
		if st != models.JobStatusPlanning {
			t.Errorf("job moved past planning: %v", h.store.statuses)
			break
		}
	}
}

func TestRunJobDocumentsWithoutSummaries(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.submit(t, models.JobInput{DocumentIDs: []string{"doc-1"}})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusFailed || j.ErrorKind != string(apperr.KindValidation) {
		t.Fatalf("expected validation failure, got %s/%s", j.Status, j.ErrorKind)
	}
}

func TestRunJobAllScenesDropped(t *testing.T) {
	h := newHarness(t, Options{})
	h.renderer.fail = map[int]bool{1: true, 2: true, 3: true, 4: true}
	id := h.submit(t, models.JobInput{Topic: "Entropy"})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusFailed || j.ErrorKind != string(apperr.KindAssembly) {
		t.Fatalf("expected assembly failure, got %s/%s", j.Status, j.ErrorKind)
	}
}

func TestRunJobAssemblyTimeout(t *testing.T) {
	h := newHarness(t, Options{AssemblyTimeout: 20 * time.Millisecond})
	h.assembler.fn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	id := h.submit(t, models.JobInput{Topic: "Entropy"})

	h.worker.RunJob(context.Background(), id)

	j := h.job(t, id)
	if j.Status != models.JobStatusFailed || j.ErrorKind != string(apperr.KindTimeout) {
		t.Fatalf("expected timeout failure, got %s/%s", j.Status, j.ErrorKind)
	}
	if h.assembler.calls != 2 {
		t.Errorf("expected one retry, got %d calls", h.assembler.calls)
	}
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, Options{})
	h.renderer.block = true
	id := h.submit(t, models.JobInput{Topic: "Entropy"})

	done := make(chan struct{})
	go func() {
		h.worker.RunJob(context.Background(), id)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !h.worker.Cancel(id) {
		if time.Now().After(deadline) {
			t.Fatal("job never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("canceled job did not stop")
	}

	j := h.job(t, id)
	if j.Status != models.JobStatusFailed || j.ErrorKind != string(apperr.KindCanceled) {
		t.Fatalf("expected canceled failure, got %s/%s", j.Status, j.ErrorKind)
	}
	if h.worker.ActiveJobs() != 0 {
		t.Error("canceled job should no longer be active")
	}
}

func waitActive(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.ActiveJobs() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHeartbeatTouchesRunningJob(t *testing.T) {
	h := newHarness(t, Options{Heartbeat: 10 * time.Millisecond})
	h.renderer.block = true
	id := h.submit(t, models.JobInput{Topic: "Entropy"})

	done := make(chan struct{})
	go func() {
		h.worker.RunJob(context.Background(), id)
		close(done)
	}()
	waitActive(t, h.worker)

	first := h.job(t, id)
	time.Sleep(80 * time.Millisecond)
	later := h.job(t, id)
	if later.Version <= first.Version || !later.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("expected heartbeat to advance the job, version %d -> %d", first.Version, later.Version)
	}
	if later.Status.Terminal() {
		t.Fatalf("job finished unexpectedly: %s", later.Status)
	}

	h.worker.Cancel(id)
	<-done
}

func TestJobFinishedElsewhereStopsRun(t *testing.T) {
	h := newHarness(t, Options{Heartbeat: 10 * time.Millisecond})
	h.renderer.block = true
	id := h.submit(t, models.JobInput{Topic: "Entropy"})

	done := make(chan struct{})
	go func() {
		h.worker.RunJob(context.Background(), id)
		close(done)
	}()
	waitActive(t, h.worker)

	// The cancel lands in the store without going through this worker.
	if err := h.store.Fail(context.Background(), id, apperr.New(apperr.ErrCanceled, "rendering", "canceled by request")); err != nil {
		t.Fatalf("Fail() error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after the job was finished elsewhere")
	}
	j := h.job(t, id)
	if j.ErrorKind != string(apperr.KindCanceled) || j.Error != "rendering: canceled by request" {
		t.Errorf("expected the external cancel to stand, got %s %q", j.ErrorKind, j.Error)
	}
	if h.assembler.calls != 0 {
		t.Error("assembler should not run for a canceled job")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate(strings.Repeat("é", 100), 80)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("é", 80)+"..." {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := truncate("short", 80); got != "short" {
		t.Errorf("short string changed: %q", got)
	}
}

func TestSceneConcurrencyBound(t *testing.T) {
	h := newHarness(t, Options{SceneConcurrency: 2})
	h.planner.scenes = 6
	id := h.submit(t, models.JobInput{Topic: "Waves"})

	h.worker.RunJob(context.Background(), id)

	if p := atomic.LoadInt32(&h.renderer.peak); p > 2 {
		t.Errorf("expected at most 2 concurrent renders, saw %d", p)
	}
	if j := h.job(t, id); j.Status != models.JobStatusComplete {
		t.Errorf("expected complete, got %s", j.Status)
	}
}

func TestRunJobSkipsFinishedJob(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.submit(t, models.JobInput{Topic: "Waves"})
	h.store.Fail(context.Background(), id, apperr.New(apperr.ErrCanceled, "", "job canceled"))

	h.worker.RunJob(context.Background(), id)

	if len(h.store.statuses) != 0 {
		t.Errorf("finished job should not be processed, saw %v", h.store.statuses)
	}
}

func TestStartProcessesQueue(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.submit(t, models.JobInput{Topic: "Magnetism"})

	if j := h.job(t, id); j.Status != models.JobStatusQueued {
		t.Fatalf("new job should be queued, got %s", j.Status)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.worker.Start(ctx, 2)
		close(stopped)
	}()

	if err := h.queue.Enqueue(ctx, id); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for h.job(t, id).Status != models.JobStatusComplete {
		if time.Now().After(deadline) {
			t.Fatalf("job not completed, status %s", h.job(t, id).Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunJobSkipsAlreadyClaimedJob(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.submit(t, models.JobInput{Topic: "Waves"})

	h.worker.RunJob(context.Background(), id)
	first := len(h.store.statuses)

	// A second delivery of the same id, as after a requeue.
	h.worker.RunJob(context.Background(), id)

	if len(h.store.statuses) != first {
		t.Errorf("second delivery should be skipped, saw %v", h.store.statuses)
	}
	if atomic.LoadInt32(&h.renderer.calls) != 4 {
		t.Errorf("expected 4 renders, got %d", atomic.LoadInt32(&h.renderer.calls))
	}
}

func TestStartSweepsJobsOrphanedByCrash(t *testing.T) {
	database, err := db.New("", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("db.New() error: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	crashed := jobstore.New(database, logging.Discard())
	orphan, _ := crashed.Create(ctx, models.JobInput{Topic: "Orbits", OwnerID: "u1"})
	if err := crashed.Advance(ctx, orphan.ID, models.JobStatusRendering, "Rendering 1/3"); err != nil {
		t.Fatalf("Advance() error: %v", err)
	}
	// Created but lost from the in-process queue when the process died.
	stranded, _ := crashed.Create(ctx, models.JobInput{Topic: "Tides", OwnerID: "u1"})

	h := newHarness(t, Options{})
	store := jobstore.New(database, logging.Discard())
	h.store = &recordingStore{Store: store}
	h.worker = New(Deps{
		Store:     h.store,
		Queue:     h.queue,
		Artifacts: h.artifacts,
		Planner:   h.planner,
		Renderer:  h.renderer,
		Narrator:  h.narrator,
		Assembler: h.assembler,
		Sweeper:   store,
	}, Options{
		WorkDir:    t.TempDir(),
		Heartbeat:  10 * time.Millisecond,
		StaleAfter: 50 * time.Millisecond,
	}, logging.Discard())
	h.worker.backoff = stage.NoBackoff

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		h.worker.Start(runCtx, 1)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		o, s := h.job(t, orphan.ID), h.job(t, stranded.ID)
		if o.Status.Terminal() && s.Status.Terminal() {
			if o.Status != models.JobStatusFailed || o.Error != jobstore.InterruptedDetail {
				t.Errorf("expected orphan failed as interrupted, got %s %q", o.Status, o.Error)
			}
			if s.Status != models.JobStatusComplete {
				t.Errorf("expected stranded job requeued and completed, got %s (%s)", s.Status, s.Error)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs never finished: orphan %s, stranded %s", o.Status, s.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
