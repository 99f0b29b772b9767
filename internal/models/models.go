package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusPlanning   JobStatus = "planning"
	JobStatusRendering  JobStatus = "rendering"
	JobStatusNarrating  JobStatus = "narrating"
	JobStatusAssembling JobStatus = "assembling"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

var statusRank = map[JobStatus]int{
	JobStatusQueued:     0,
	JobStatusPlanning:   1,
	JobStatusRendering:  2,
	JobStatusNarrating:  3,
	JobStatusAssembling: 4,
	JobStatusComplete:   5,
	JobStatusFailed:     6,
}

func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// CanAdvanceTo reports whether a job in s may move to next. Forward moves and
// same-status updates are allowed; failed is reachable from any non-terminal
// status; terminal jobs never move.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == JobStatusFailed {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// Backend identifies a rendering engine.
type Backend string

const (
	BackendProcedural Backend = "manim"    // mathematical / procedural animation
	BackendMotion     Backend = "remotion" // motion graphics / web composition
)

// ParseBackend maps a plan tag to a known backend.
func ParseBackend(tag string) (Backend, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "manim", "procedural":
		return BackendProcedural, true
	case "remotion", "motion":
		return BackendMotion, true
	}
	return "", false
}

// Models

type JobInput struct {
	Topic       string   `json:"topic"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	OwnerID     string   `json:"owner_id"`
}

type Scene struct {
	Index            int     `json:"index"`
	Title            string  `json:"title"`
	DurationSec      float64 `json:"duration_sec"`
	Narration        string  `json:"narration"`
	VisualSpec       string  `json:"visual_spec"`
	PreferredBackend string  `json:"preferred_backend"`
}

type ScenePlan struct {
	Title            string  `json:"title,omitempty"`
	Scenes           []Scene `json:"scenes"`
	TotalDurationSec float64 `json:"total_duration_sec"`
}

type RenderResult struct {
	SceneIndex int     `json:"scene_index"`
	Backend    Backend `json:"backend,omitempty"`
	Fallback   bool    `json:"fallback"`
	ClipPath   string  `json:"clip_path,omitempty"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
}

type NarrationTrack struct {
	SceneIndex  int     `json:"scene_index"`
	AudioPath   string  `json:"audio_path,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Success     bool    `json:"success"`
	Error       string  `json:"error,omitempty"`
}

type DocumentSummary struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Summary  string `json:"summary"`
}

type Job struct {
	ID             uuid.UUID        `json:"id"`
	Input          JobInput         `json:"input"`
	Title          string           `json:"title"`
	Status         JobStatus        `json:"status"`
	Progress       string           `json:"progress"`
	ResultLocation string           `json:"result_location,omitempty"`
	ErrorKind      string           `json:"error_kind,omitempty"`
	Error          string           `json:"error,omitempty"`
	Plan           *ScenePlan       `json:"plan,omitempty"`
	Renders        []RenderResult   `json:"renders,omitempty"`
	Narrations     []NarrationTrack `json:"narrations,omitempty"`
	Dropped        []int            `json:"dropped,omitempty"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Input.DocumentIDs = append([]string(nil), j.Input.DocumentIDs...)
	if j.Plan != nil {
		p := *j.Plan
		p.Scenes = append([]Scene(nil), j.Plan.Scenes...)
		c.Plan = &p
	}
	c.Renders = append([]RenderResult(nil), j.Renders...)
	c.Narrations = append([]NarrationTrack(nil), j.Narrations...)
	c.Dropped = append([]int(nil), j.Dropped...)
	return &c
}

// View projects the job for polling clients.
func (j *Job) View() JobView {
	v := JobView{
		JobID:          j.ID,
		OwnerID:        j.Input.OwnerID,
		Topic:          j.Input.Topic,
		Title:          j.Title,
		Status:         j.Status,
		Progress:       j.Progress,
		ResultLocation: j.ResultLocation,
		ErrorKind:      j.ErrorKind,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.Plan == nil {
		return v
	}

	renders := make(map[int]RenderResult, len(j.Renders))
	for _, r := range j.Renders {
		renders[r.SceneIndex] = r
	}
	narrated := make(map[int]bool, len(j.Narrations))
	for _, n := range j.Narrations {
		narrated[n.SceneIndex] = n.Success
	}
	dropped := make(map[int]bool, len(j.Dropped))
	for _, idx := range j.Dropped {
		dropped[idx] = true
	}

	v.Scenes = make([]SceneSummary, 0, len(j.Plan.Scenes))
	for _, s := range j.Plan.Scenes {
		r := renders[s.Index]
		v.Scenes = append(v.Scenes, SceneSummary{
			Index:            s.Index,
			Title:            s.Title,
			PreferredBackend: s.PreferredBackend,
			BackendUsed:      r.Backend,
			Fallback:         r.Fallback,
			Rendered:         r.Success,
			Narrated:         narrated[s.Index],
			Dropped:          dropped[s.Index],
		})
	}
	return v
}

type SceneSummary struct {
	Index            int     `json:"index"`
	Title            string  `json:"title"`
	PreferredBackend string  `json:"preferred_backend"`
	BackendUsed      Backend `json:"backend_used,omitempty"`
	Fallback         bool    `json:"fallback"`
	Rendered         bool    `json:"rendered"`
	Narrated         bool    `json:"narrated"`
	Dropped          bool    `json:"dropped"`
}

type JobView struct {
	JobID          uuid.UUID      `json:"job_id"`
	OwnerID        string         `json:"owner_id"`
	Topic          string         `json:"topic"`
	Title          string         `json:"title,omitempty"`
	Status         JobStatus      `json:"status"`
	Progress       string         `json:"progress"`
	ResultLocation string         `json:"result_location,omitempty"`
	ErrorKind      string         `json:"error_kind,omitempty"`
	Error          string         `json:"error,omitempty"`
	Scenes         []SceneSummary `json:"scenes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Request/Response DTOs

type CreateJobRequest struct {
	Topic       string   `json:"topic" validate:"max=2000"`
	DocumentIDs []string `json:"document_ids" validate:"max=20,dive,required,max=128"`
	OwnerID     string   `json:"owner_id" validate:"required,max=128"`
}

func (r CreateJobRequest) Input() JobInput {
	return JobInput{
		Topic:       strings.TrimSpace(r.Topic),
		DocumentIDs: r.DocumentIDs,
		OwnerID:     r.OwnerID,
	}
}

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}

type ListJobsResponse struct {
	Jobs   []JobView `json:"jobs"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

type SceneListResponse struct {
	JobID  uuid.UUID      `json:"job_id"`
	Status JobStatus      `json:"status"`
	Scenes []SceneSummary `json:"scenes"`
}
