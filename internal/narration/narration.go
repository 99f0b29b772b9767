// Package narration synthesizes one voice-over track per scene.
package narration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/services"
	"github.com/bobarin/studyreel/internal/stage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DurationProber measures an audio file in seconds.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

type Synthesizer struct {
	tts     services.TTSService
	prober  DurationProber
	timeout time.Duration
	backoff func(int) time.Duration
	log     *logrus.Entry
}

// New builds a synthesizer. prober may be nil, in which case the provider's
// estimate is used.
func New(tts services.TTSService, prober DurationProber, timeout time.Duration, log logrus.FieldLogger) *Synthesizer {
	return &Synthesizer{
		tts:     tts,
		prober:  prober,
		timeout: timeout,
		backoff: stage.RetryDelay,
		log:     logging.Component(log, "narration"),
	}
}

type Request struct {
	JobID uuid.UUID
	Scene models.Scene
	Dir   string
	// OnStall is told when an attempt times out and is about to be retried.
	OnStall func(detail string)
}

// Synthesize writes narration_NN.mp3 into Dir. A failed call retries once
// after a timeout. The returned track always names its scene; Success is
// false when the error is non-nil.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (models.NarrationTrack, error) {
	idx := req.Scene.Index
	track := models.NarrationTrack{SceneIndex: idx}

	text := strings.TrimSpace(req.Scene.Narration)
	if text == "" {
		err := apperr.New(apperr.ErrMalformed, "narration", fmt.Sprintf("scene %d has no narration", idx))
		track.Error = apperr.Detail(err)
		return track, err
	}

	var resp *services.TTSResponse
	err := stage.Run(ctx, stage.Policy{
		Name:     "narration",
		Timeout:  s.timeout,
		Attempts: 2,
		Backoff:  s.backoff,
		OnRetry: func(attempt int, err error) {
			if req.OnStall != nil {
				req.OnStall(fmt.Sprintf("Stalled: narration for scene %d timed out, retrying", idx))
			}
		},
	}, func(ctx context.Context) error {
		r, err := s.tts.GenerateSpeech(ctx, text)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"job_id": req.JobID, "scene": idx}).Warn("Narration failed, scene will be silent")
		track.Error = apperr.Detail(err)
		return track, err
	}

	path := filepath.Join(req.Dir, fmt.Sprintf("narration_%02d.%s", idx, formatExt(resp.Format)))
	if err := os.WriteFile(path, resp.AudioData, 0644); err != nil {
		werr := fmt.Errorf("failed to write narration audio: %w", err)
		track.Error = "narration: failed to write audio"
		return track, werr
	}

	track.AudioPath = path
	track.DurationSec = s.duration(ctx, path, resp)
	track.Success = true

	s.log.WithFields(logrus.Fields{
		"job_id":   req.JobID,
		"scene":    idx,
		"duration": track.DurationSec,
		"bytes":    len(resp.AudioData),
	}).Debug("Narration ready")
	return track, nil
}

func (s *Synthesizer) duration(ctx context.Context, path string, resp *services.TTSResponse) float64 {
	if s.prober != nil {
		d, err := s.prober.ProbeDuration(ctx, path)
		if err == nil && d > 0 {
			return d
		}
		s.log.WithError(err).Debug("Probe failed, using estimated narration duration")
	}
	return float64(resp.DurationMs) / 1000
}

func formatExt(format string) string {
	if format == "" {
		return "mp3"
	}
	return format
}
