package services

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/sirupsen/logrus"
)

// SourceJob is one scene's generated program handed to a render engine.
type SourceJob struct {
	SceneIndex  int
	Key         string // unique per job, used to isolate engine scratch space
	Source      string
	DurationSec float64
	WorkDir     string
}

// SceneName is the class/composition identifier engines expect for a scene.
func SceneName(index int) string {
	return fmt.Sprintf("Scene%02d", index)
}

// ---------------------------------------------------------------------------
// Manim (procedural) engine
// Renders a single Scene class with `manim -qh`.
// ---------------------------------------------------------------------------

var manimClassRe = regexp.MustCompile(`(?m)^class\s+(\w+)\s*\([^)]*Scene[^)]*\)`)

type ManimService struct {
	bin    string
	runner CommandRunner
	log    *logrus.Entry
}

func NewManimService(bin string, log logrus.FieldLogger) *ManimService {
	if bin == "" {
		bin = "manim"
	}
	return &ManimService{bin: bin, runner: ExecRunner{}, log: logging.Component(log, "manim")}
}

func (s *ManimService) WithRunner(r CommandRunner) *ManimService {
	s.runner = r
	return s
}

// RenderSource writes scene.py, renders it and copies the resulting MP4 to
// clip_NN_manim.mp4 in the work dir.
func (s *ManimService) RenderSource(ctx context.Context, job SourceJob) (string, error) {
	job.Source = trimSceneSource(job.Source)
	className, err := manimClassName(job.Source, SceneName(job.SceneIndex))
	if err != nil {
		return "", err
	}

	sceneDir := filepath.Join(job.WorkDir, fmt.Sprintf("manim_%02d", job.SceneIndex))
	if err := os.MkdirAll(sceneDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create manim dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sceneDir, "scene.py"), []byte(job.Source), 0644); err != nil {
		return "", fmt.Errorf("failed to write scene.py: %w", err)
	}

	mediaDir := filepath.Join(sceneDir, "media")
	s.log.WithFields(logrus.Fields{"scene": job.SceneIndex, "class": className}).Info("Rendering Manim scene")

	if _, err := s.runner.Run(ctx, sceneDir, s.bin, "-qh", "--media_dir", mediaDir, "scene.py", className); err != nil {
		return "", commandError(apperr.ErrScene, "rendering", "manim render", err)
	}

	rendered, err := findRenderedMP4(mediaDir, className)
	if err != nil {
		return "", err
	}

	clipPath := filepath.Join(job.WorkDir, fmt.Sprintf("clip_%02d_manim.mp4", job.SceneIndex))
	if err := copyFile(rendered, clipPath); err != nil {
		return "", fmt.Errorf("failed to copy manim output: %w", err)
	}
	return clipPath, nil
}

// manimClassName picks the Scene subclass to render, preferring want.
func manimClassName(source, want string) (string, error) {
	matches := manimClassRe.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return "", apperr.New(apperr.ErrScene, "rendering", "manim source defines no Scene class")
	}
	for _, m := range matches {
		if m[1] == want {
			return want, nil
		}
	}
	return matches[0][1], nil
}

// findRenderedMP4 locates <class>.mp4 under the media dir. Quality folders
// (1080p60, 480p15, ...) vary with flags, so the tree is walked.
func findRenderedMP4(mediaDir, className string) (string, error) {
	var found string
	err := filepath.WalkDir(mediaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "partial_movie_files" {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == className+".mp4" {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && found == "" {
		return "", apperr.Wrap(apperr.ErrScene, "rendering", "manim render", "rendered MP4 not found", err)
	}
	if found == "" {
		return "", apperr.New(apperr.ErrScene, "rendering", "manim reported success but produced no MP4")
	}
	return found, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// trimSceneSource drops surrounding fences and whitespace from authored code.
func trimSceneSource(src string) string {
	return strings.TrimSpace(StripCodeFences(src))
}
