package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/jobstore"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/queue"
	"github.com/bobarin/studyreel/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const signedURLExpiry = time.Hour

// JobStore is the part of the job registry the API touches.
type JobStore interface {
	Create(ctx context.Context, input models.JobInput) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (models.JobView, error)
	List(ctx context.Context, ownerID string) ([]models.JobView, error)
	Fail(ctx context.Context, id uuid.UUID, cause error) error
}

// Worker is implemented by the in-process pipeline worker. It is nil when
// this process only serves the API.
type Worker interface {
	Cancel(id uuid.UUID) bool
	ActiveJobs() int
}

type Handler struct {
	jobs      JobStore
	queue     queue.Queue
	artifacts storage.ArtifactStore
	worker    Worker
	validate  *validator.Validate
	log       *logrus.Entry
}

func NewHandler(jobs JobStore, q queue.Queue, artifacts storage.ArtifactStore, worker Worker, log logrus.FieldLogger) *Handler {
	return &Handler{
		jobs:      jobs,
		queue:     q,
		artifacts: artifacts,
		worker:    worker,
		validate:  newValidator(),
		log:       logging.Component(log, "api"),
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondKind(w, http.StatusBadRequest, apperr.KindValidation, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondKind(w, http.StatusBadRequest, apperr.KindValidation, validationMessage(err))
		return
	}

	input := req.Input()
	if input.Topic == "" && len(input.DocumentIDs) == 0 {
		respondKind(w, http.StatusBadRequest, apperr.KindValidation, "Either topic or document_ids is required")
		return
	}

	job, err := h.jobs.Create(r.Context(), input)
	if err != nil {
		h.log.WithError(err).Error("Failed to create job")
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	if err := h.queue.Enqueue(r.Context(), job.ID); err != nil {
		h.log.WithError(err).WithField("job_id", job.ID).Error("Failed to enqueue job")
		// Nothing will ever pick the job up, so close it out for pollers.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.jobs.Fail(ctx, job.ID, apperr.Wrap(apperr.ErrTransient, "queued", "", "could not enqueue job", err))
		respondError(w, http.StatusServiceUnavailable, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateJobResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - owner_id: required
//   - status:   filter by job status
//   - limit:    max results per page (default 20, max 100)
//   - offset:   number of results to skip (default 0)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ownerID := q.Get("owner_id")
	if ownerID == "" {
		respondKind(w, http.StatusBadRequest, apperr.KindValidation, "owner_id is required")
		return
	}

	statusFilter := models.JobStatus(q.Get("status"))
	if statusFilter != "" && !statusFilter.Valid() {
		respondKind(w, http.StatusBadRequest, apperr.KindValidation,
			"Invalid status filter. Allowed: queued, planning, rendering, narrating, assembling, complete, failed")
		return
	}

	limit := 20
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	views, err := h.jobs.List(r.Context(), ownerID)
	if err != nil {
		h.log.WithError(err).WithField("owner_id", ownerID).Error("Failed to list jobs")
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	if statusFilter != "" {
		filtered := views[:0]
		for _, v := range views {
			if v.Status == statusFilter {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}

	total := len(views)
	page := []models.JobView{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = views[offset:end]
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{
		Jobs:   page,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// GetJobScenes handles GET /v1/jobs/{id}/scenes
func (h *Handler) GetJobScenes(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	scenes := view.Scenes
	if scenes == nil {
		scenes = []models.SceneSummary{}
	}
	respondJSON(w, http.StatusOK, models.SceneListResponse{
		JobID:  view.JobID,
		Status: view.Status,
		Scenes: scenes,
	})
}

// GetJobArtifact handles GET /v1/jobs/{id}/artifact
func (h *Handler) GetJobArtifact(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if view.Status != models.JobStatusComplete || view.ResultLocation == "" {
		respondError(w, http.StatusConflict, fmt.Sprintf("Video not ready (job is %s)", view.Status))
		return
	}

	if signer, ok := h.artifacts.(storage.Signer); ok {
		signedURL, err := signer.SignedURL(r.Context(), view.ResultLocation, signedURLExpiry)
		if err != nil {
			h.log.WithError(err).WithField("job_id", view.JobID).Error("Failed to sign artifact URL")
			respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
			return
		}
		http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
		return
	}

	rc, err := h.artifacts.Open(r.Context(), view.ResultLocation)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			respondKind(w, http.StatusNotFound, apperr.KindNotFound, "Artifact not found")
			return
		}
		h.log.WithError(err).WithField("job_id", view.JobID).Error("Failed to open artifact")
		respondError(w, http.StatusInternalServerError, "Failed to open artifact")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", view.JobID.String()+".mp4"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.WithError(err).WithField("job_id", view.JobID).Warn("Artifact stream interrupted")
	}
}

// CancelJob handles POST /v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	view, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if view.Status.Terminal() {
		respondError(w, http.StatusConflict, fmt.Sprintf("Job already %s", view.Status))
		return
	}

	// A running job is failed by the worker once its context unwinds. One that
	// has not been picked up yet is failed here; the worker skips it later.
	if h.worker == nil || !h.worker.Cancel(view.JobID) {
		err := h.jobs.Fail(r.Context(), view.JobID, apperr.New(apperr.ErrCanceled, string(view.Status), "canceled by request"))
		if errors.Is(err, jobstore.ErrFinished) {
			respondError(w, http.StatusConflict, "Job already finished")
			return
		}
		if err != nil {
			h.log.WithError(err).WithField("job_id", view.JobID).Error("Failed to cancel job")
			respondError(w, http.StatusInternalServerError, "Failed to cancel job")
			return
		}
	}

	h.log.WithField("job_id", view.JobID).Info("Job cancellation requested")
	respondJSON(w, http.StatusAccepted, models.CreateJobResponse{JobID: view.JobID, Status: view.Status})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (models.JobView, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondKind(w, http.StatusBadRequest, apperr.KindValidation, "Invalid job ID")
		return models.JobView{}, false
	}

	view, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			respondKind(w, http.StatusNotFound, apperr.KindNotFound, "Job not found")
			return models.JobView{}, false
		}
		h.log.WithError(err).WithField("job_id", id).Error("Failed to load job")
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return models.JobView{}, false
	}
	return view, true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s exceeds maximum of %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondKind(w http.ResponseWriter, status int, kind apperr.Kind, message string) {
	respondJSON(w, status, map[string]string{"error": message, "kind": string(kind)})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.worker != nil {
		active = h.worker.ActiveJobs()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "active_jobs": active})
}
