package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/studyreel/internal/api"
	"github.com/bobarin/studyreel/internal/assembler"
	"github.com/bobarin/studyreel/internal/config"
	"github.com/bobarin/studyreel/internal/db"
	"github.com/bobarin/studyreel/internal/jobstore"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/narration"
	"github.com/bobarin/studyreel/internal/planner"
	"github.com/bobarin/studyreel/internal/queue"
	"github.com/bobarin/studyreel/internal/render"
	"github.com/bobarin/studyreel/internal/services"
	"github.com/bobarin/studyreel/internal/storage"
	"github.com/bobarin/studyreel/internal/worker"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("Starting StudyReel API...")

	database, err := db.New(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.WithField("driver", database.Driver()).Info("Connected to database")

	store := jobstore.New(database, log)

	var q queue.Queue
	if cfg.RedisURL != "" {
		rq, err := queue.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to queue: %v", err)
		}
		q = rq
		log.Info("Connected to Redis queue")
	} else {
		q = queue.NewLocal(256)
		log.Info("Using in-process queue")
	}
	defer q.Close()

	artifacts, err := newArtifactStore(context.Background(), cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	var (
		w            *worker.Worker
		workerCtx    context.Context
		workerCancel context.CancelFunc
		workerDone   = make(chan struct{})
	)
	if cfg.WorkerEnabled {
		w, err = newWorker(cfg, store, q, artifacts, database, log)
		if err != nil {
			log.Fatalf("Failed to initialize worker: %v", err)
		}

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go func() {
			defer close(workerDone)
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
		}()
		log.WithField("concurrency", cfg.MaxConcurrentJobs).Info("Worker enabled, processing queue")
	} else {
		close(workerDone)
	}

	// A nil *worker.Worker must not reach the handler as a non-nil interface.
	var apiWorker api.Worker
	if w != nil {
		apiWorker = w
	}
	handler := api.NewHandler(store, q, artifacts, apiWorker, log)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info("API key authentication enabled")
	} else {
		log.Warn("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	// In-flight jobs are canceled and recorded as failed before exit.
	if workerCancel != nil {
		workerCancel()
	}
	select {
	case <-workerDone:
	case <-ctx.Done():
		log.Warn("Worker did not stop in time")
	}

	log.Info("Server exited")
}

func newArtifactStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (storage.ArtifactStore, error) {
	switch cfg.StorageBackend {
	case "supabase":
		log.WithField("bucket", cfg.SupabaseStorageBucket).Info("Using Supabase storage")
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log), nil
	case "s3":
		log.WithField("bucket", cfg.S3Bucket).Info("Using S3 storage")
		return storage.NewS3(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
	default:
		log.WithField("dir", cfg.ArtifactDir).Info("Using local artifact storage")
		return storage.NewLocal(cfg.ArtifactDir)
	}
}

func newWorker(cfg *config.Config, store *jobstore.Store, q queue.Queue, artifacts storage.ArtifactStore, summaries worker.SummaryProvider, log *logrus.Logger) (*worker.Worker, error) {
	width, height, err := config.ParseResolution(cfg.RenderResolution)
	if err != nil {
		return nil, err
	}

	var openaiSvc *services.OpenAIService
	if cfg.OpenAIKey != "" {
		openaiSvc = services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel, log).
			WithSpeech(cfg.OpenAITTSModel, cfg.OpenAITTSVoice)
	}

	var content services.ContentService
	switch cfg.PlannerProvider {
	case "gemini":
		gemini, err := services.NewGeminiService(context.Background(), cfg.GeminiKey, cfg.GeminiModel, log)
		if err != nil {
			return nil, err
		}
		content = gemini
	default:
		content = openaiSvc
	}
	log.WithField("provider", cfg.PlannerProvider).Info("Planner provider configured")

	var tts services.TTSService
	switch cfg.TTSProvider {
	case "openai":
		tts = openaiSvc
	default:
		tts = services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
	}
	log.WithField("provider", cfg.TTSProvider).Info("TTS provider configured")

	ffmpeg := services.NewFFmpegService(services.FFmpegOptions{
		FFmpegBin:  cfg.FFmpegBin,
		FFprobeBin: cfg.FFprobeBin,
		Width:      width,
		Height:     height,
		FPS:        cfg.RenderFPS,
	}, log)
	manim := services.NewManimService(cfg.ManimBin, log)
	remotion := services.NewRemotionService(services.RemotionOptions{
		NpxBin:     cfg.NPXBin,
		ProjectDir: cfg.RemotionProjectDir,
		Width:      width,
		Height:     height,
		FPS:        cfg.RenderFPS,
	}, log)

	defaultBackend, _ := models.ParseBackend(cfg.DefaultRenderBackend)
	plan := planner.New(content, planner.Options{
		Timeout:        cfg.PlanTimeout,
		DefaultBackend: defaultBackend,
	}, log)

	dispatcher := render.NewDispatcher(render.FallbackPolicy{Default: defaultBackend}, log,
		render.BackendConfig{
			Backend: render.NewSourceBackend(models.BackendProcedural, plan, manim),
			Timeout: cfg.ManimTimeout,
		},
		render.BackendConfig{
			Backend: render.NewSourceBackend(models.BackendMotion, plan, remotion),
			Timeout: cfg.RemotionTimeout,
		},
	)

	return worker.New(worker.Deps{
		Store:     store,
		Queue:     q,
		Artifacts: artifacts,
		Summaries: summaries,
		Planner:   plan,
		Renderer:  dispatcher,
		Narrator:  narration.New(tts, ffmpeg, cfg.TTSTimeout, log),
		Assembler: assembler.New(ffmpeg, log),
		// Jobs orphaned by a crashed process are failed, or requeued if
		// still queued, once they go untouched for RECOVERY_STALE_AFTER.
		Sweeper:   store,
	}, worker.Options{
		WorkDir:          cfg.WorkDir,
		SceneConcurrency: cfg.SceneConcurrency,
		FailurePolicy:    cfg.SceneFailurePolicy,
		AssemblyTimeout:  cfg.AssemblyTimeout,
		KeepWorkDir:      cfg.KeepWorkDir,
		Heartbeat:        cfg.JobHeartbeat,
		StaleAfter:       cfg.RecoveryStaleAfter,
	}, log), nil
}
