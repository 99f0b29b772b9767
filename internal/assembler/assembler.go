// Package assembler normalizes scene clips, overlays narration and joins them
// into the final video.
package assembler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/services"
	"github.com/sirupsen/logrus"
)

const normalizeTimeout = 120 * time.Second

// MediaTool is the ffmpeg surface the assembler needs.
type MediaTool interface {
	NormalizeClip(ctx context.Context, req services.NormalizeRequest) error
	Concatenate(ctx context.Context, clipPaths []string, outputPath string) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// SceneClip is one included scene. AudioPath is empty for silent scenes.
type SceneClip struct {
	Index     int
	Backend   models.Backend
	ClipPath  string
	AudioPath string
}

type Request struct {
	Clips      []SceneClip
	WorkDir    string
	OutputPath string
}

// Artifact is the assembled video and its manifest.
type Artifact struct {
	Path             string          `json:"path"`
	Scenes           []SceneManifest `json:"scenes"`
	TotalDurationSec float64         `json:"total_duration_sec"`
	SizeBytes        int64           `json:"size_bytes"`
}

type SceneManifest struct {
	Index       int            `json:"index"`
	Backend     models.Backend `json:"backend"`
	Narrated    bool           `json:"narrated"`
	DurationSec float64        `json:"duration_sec"`
}

type Assembler struct {
	media            MediaTool
	normalizeTimeout time.Duration
	log              *logrus.Entry
}

func New(media MediaTool, log logrus.FieldLogger) *Assembler {
	return &Assembler{
		media:            media,
		normalizeTimeout: normalizeTimeout,
		log:              logging.Component(log, "assembler"),
	}
}

// Assemble produces the final video from clips in scene-index order.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Artifact, error) {
	if len(req.Clips) == 0 {
		return nil, apperr.New(apperr.ErrAssembly, "assembling", "no scenes to assemble")
	}

	clips := append([]SceneClip(nil), req.Clips...)
	sort.SliceStable(clips, func(i, j int) bool { return clips[i].Index < clips[j].Index })

	segDir := filepath.Join(req.WorkDir, "segments")
	if err := os.MkdirAll(segDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create segment dir: %w", err)
	}

	art := &Artifact{Path: req.OutputPath}
	segments := make([]string, 0, len(clips))

	for _, c := range clips {
		seg := filepath.Join(segDir, fmt.Sprintf("seg_%02d.mp4", c.Index))
		if err := a.normalize(ctx, c, seg); err != nil {
			return nil, err
		}
		segments = append(segments, seg)

		dur, err := a.media.ProbeDuration(ctx, seg)
		if err != nil {
			// Duration is informational; a segment that normalized fine still goes in.
			a.log.WithError(err).WithField("scene", c.Index).Warn("Could not probe segment duration")
		}
		art.Scenes = append(art.Scenes, SceneManifest{
			Index:       c.Index,
			Backend:     c.Backend,
			Narrated:    c.AudioPath != "",
			DurationSec: dur,
		})
		art.TotalDurationSec += dur
	}

	if err := a.media.Concatenate(ctx, segments, req.OutputPath); err != nil {
		return nil, wrapAssembly("concatenate", err)
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrAssembly, "assembling", "concatenate", "final video missing", err)
	}
	if info.Size() == 0 {
		return nil, apperr.New(apperr.ErrAssembly, "assembling", "final video is empty")
	}
	art.SizeBytes = info.Size()

	a.log.WithFields(logrus.Fields{
		"scenes":    len(art.Scenes),
		"total_sec": art.TotalDurationSec,
		"bytes":     art.SizeBytes,
	}).Info("Video assembled")
	return art, nil
}

func (a *Assembler) normalize(ctx context.Context, c SceneClip, out string) error {
	if _, err := os.Stat(c.ClipPath); err != nil {
		return apperr.Wrap(apperr.ErrAssembly, "assembling", "normalize", fmt.Sprintf("clip for scene %d is missing", c.Index), err)
	}
	audio := c.AudioPath
	if audio != "" {
		if _, err := os.Stat(audio); err != nil {
			a.log.WithField("scene", c.Index).Warn("Narration file missing, scene will be silent")
			audio = ""
		}
	}

	nctx, cancel := context.WithTimeout(ctx, a.normalizeTimeout)
	defer cancel()
	if err := a.media.NormalizeClip(nctx, services.NormalizeRequest{ClipPath: c.ClipPath, AudioPath: audio, OutputPath: out}); err != nil {
		if ctx.Err() == nil && nctx.Err() != nil {
			return apperr.Wrap(apperr.ErrTimeout, "assembling", "normalize", fmt.Sprintf("scene %d normalize stalled", c.Index), err)
		}
		return wrapAssembly(fmt.Sprintf("normalize scene %d", c.Index), err)
	}
	return nil
}

// wrapAssembly keeps tool errors classified as assembly failures while
// leaving cancellation and deadlines recognizable.
func wrapAssembly(op string, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindAssembly, apperr.KindCanceled, apperr.KindTimeout:
		return err
	}
	return apperr.Wrap(apperr.ErrAssembly, "assembling", op, op+" failed", err)
}
