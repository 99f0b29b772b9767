package services

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------------------
// Remotion (motion graphics) engine
// Each render gets its own entry point inside the Remotion project so
// concurrent jobs never share a Root.tsx.
// ---------------------------------------------------------------------------

type RemotionService struct {
	npxBin     string
	projectDir string
	width      int
	height     int
	fps        int
	runner     CommandRunner
	log        *logrus.Entry
}

type RemotionOptions struct {
	NpxBin     string
	ProjectDir string
	Width      int
	Height     int
	FPS        int
}

func NewRemotionService(opts RemotionOptions, log logrus.FieldLogger) *RemotionService {
	if opts.NpxBin == "" {
		opts.NpxBin = "npx"
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1920, 1080
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	return &RemotionService{
		npxBin:     opts.NpxBin,
		projectDir: opts.ProjectDir,
		width:      opts.Width,
		height:     opts.Height,
		fps:        opts.FPS,
		runner:     ExecRunner{},
		log:        logging.Component(log, "remotion"),
	}
}

func (s *RemotionService) WithRunner(r CommandRunner) *RemotionService {
	s.runner = r
	return s
}

// RenderSource writes the authored component plus a generated root, then
// renders the single composition to clip_NN_remotion.mp4.
func (s *RemotionService) RenderSource(ctx context.Context, job SourceJob) (string, error) {
	if s.projectDir == "" {
		return "", apperr.New(apperr.ErrScene, "rendering", "remotion project directory is not configured")
	}
	if _, err := os.Stat(filepath.Join(s.projectDir, "package.json")); err != nil {
		return "", apperr.Wrap(apperr.ErrScene, "rendering", "remotion render", "remotion project not found", err)
	}

	compID := SceneName(job.SceneIndex)
	entryDir := filepath.Join(s.projectDir, "src", "studyreel", entryName(job.Key, job.SceneIndex))
	if err := os.MkdirAll(entryDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create remotion entry dir: %w", err)
	}
	defer os.RemoveAll(entryDir)

	files := map[string]string{
		"Scene.tsx": trimSceneSource(job.Source),
		"Root.tsx":  remotionRoot(compID, s.frames(job.DurationSec), s.fps, s.width, s.height),
		"index.ts":  remotionIndex,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(entryDir, name), []byte(content), 0644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	clipPath, err := filepath.Abs(filepath.Join(job.WorkDir, fmt.Sprintf("clip_%02d_remotion.mp4", job.SceneIndex)))
	if err != nil {
		return "", err
	}
	entry, err := filepath.Rel(s.projectDir, filepath.Join(entryDir, "index.ts"))
	if err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{"scene": job.SceneIndex, "composition": compID}).Info("Rendering Remotion scene")

	if _, err := s.runner.Run(ctx, s.projectDir, s.npxBin, "remotion", "render", filepath.ToSlash(entry), compID, clipPath); err != nil {
		return "", commandError(apperr.ErrScene, "rendering", "remotion render", err)
	}
	if info, err := os.Stat(clipPath); err != nil || info.Size() == 0 {
		return "", apperr.New(apperr.ErrScene, "rendering", "remotion reported success but produced no MP4")
	}
	return clipPath, nil
}

func (s *RemotionService) frames(durationSec float64) int {
	if durationSec <= 0 {
		durationSec = 15
	}
	return int(math.Ceil(durationSec * float64(s.fps)))
}

func entryName(key string, index int) string {
	key = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, key)
	if key == "" {
		key = "job"
	}
	return fmt.Sprintf("%s_%02d", key, index)
}

const remotionIndex = `import { registerRoot } from "remotion";
import { RemotionRoot } from "./Root";

registerRoot(RemotionRoot);
`

// remotionRoot accepts either a default export or a named export matching
// the composition id from the authored module.
func remotionRoot(compID string, frames, fps, width, height int) string {
	return fmt.Sprintf(`import React from "react";
import { Composition } from "remotion";
import * as SceneModule from "./Scene";

const mod = SceneModule as unknown as Record<string, React.FC>;
const Component: React.FC = mod.default ?? mod[%[1]q] ?? Object.values(mod)[0];

export const RemotionRoot: React.FC = () => {
  return (
    <Composition
      id=%[1]q
      component={Component}
      durationInFrames={%[2]d}
      fps={%[3]d}
      width={%[4]d}
      height={%[5]d}
    />
  );
};
`, compID, frames, fps, width, height)
}
