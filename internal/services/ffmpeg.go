package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------------------
// FFmpegService
// Normalizes every scene clip to one resolution/frame rate/codec so the final
// concat can stream-copy, then joins them in order.
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpegBin string
	probeBin  string
	width     int
	height    int
	fps       int
	runner    CommandRunner
	log       *logrus.Entry
}

type FFmpegOptions struct {
	FFmpegBin  string
	FFprobeBin string
	Width      int
	Height     int
	FPS        int
}

func NewFFmpegService(opts FFmpegOptions, log logrus.FieldLogger) *FFmpegService {
	if opts.FFmpegBin == "" {
		opts.FFmpegBin = "ffmpeg"
	}
	if opts.FFprobeBin == "" {
		opts.FFprobeBin = "ffprobe"
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1920, 1080
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	return &FFmpegService{
		ffmpegBin: opts.FFmpegBin,
		probeBin:  opts.FFprobeBin,
		width:     opts.Width,
		height:    opts.Height,
		fps:       opts.FPS,
		runner:    ExecRunner{},
		log:       logging.Component(log, "ffmpeg"),
	}
}

// WithRunner replaces the command runner.
func (s *FFmpegService) WithRunner(r CommandRunner) *FFmpegService {
	s.runner = r
	return s
}

// NormalizeRequest describes one scene clip to re-encode.
// AudioPath is optional; scenes without narration get a silent track so
// every segment has the same stream layout.
type NormalizeRequest struct {
	ClipPath   string
	AudioPath  string
	OutputPath string
}

// NormalizeClip re-encodes a clip to the target format, muxing narration.
// When narration is longer than the clip, the last frame is held.
func (s *FFmpegService) NormalizeClip(ctx context.Context, req NormalizeRequest) error {
	args := s.normalizeArgs(req)
	s.log.WithFields(logrus.Fields{
		"clip":      filepath.Base(req.ClipPath),
		"narrated":  req.AudioPath != "",
		"output":    filepath.Base(req.OutputPath),
		"arg_count": len(args),
	}).Debug("Normalizing clip")

	if _, err := s.runner.Run(ctx, "", s.ffmpegBin, args...); err != nil {
		return commandError(apperr.ErrAssembly, "assembling", "ffmpeg normalize", err)
	}
	return nil
}

func (s *FFmpegService) scaleFilter() string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		s.width, s.height, s.width, s.height)
}

func (s *FFmpegService) normalizeArgs(req NormalizeRequest) []string {
	args := []string{"-y", "-i", req.ClipPath}

	var filter string
	if req.AudioPath != "" {
		args = append(args, "-i", req.AudioPath)
		// Hold the final frame for as long as narration runs; -shortest then
		// cuts at the end of the audio.
		filter = s.scaleFilter() + ",tpad=stop_mode=clone:stop=-1"
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
		filter = s.scaleFilter()
	}

	args = append(args,
		"-vf", filter,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-r", strconv.Itoa(s.fps),
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "44100",
		"-shortest",
		req.OutputPath,
	)
	return args
}

// Concatenate joins normalized clips in order without re-encoding.
func (s *FFmpegService) Concatenate(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return apperr.New(apperr.ErrAssembly, "assembling", "no clips to concatenate")
	}

	listPath := filepath.Join(filepath.Dir(outputPath), "concat_list.txt")
	if err := os.WriteFile(listPath, []byte(concatList(clipPaths)), 0644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}

	s.log.WithField("clips", len(clipPaths)).Info("Concatenating clips")
	if _, err := s.runner.Run(ctx, "", s.ffmpegBin, args...); err != nil {
		return commandError(apperr.ErrAssembly, "assembling", "ffmpeg concat", err)
	}
	return nil
}

// concatList renders the concat demuxer input. Single quotes inside paths are
// escaped the way the demuxer expects.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return b.String()
}

// ProbeDuration returns a media file's duration in seconds.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := s.runner.Run(ctx, "", s.probeBin, args...)
	if err != nil {
		return 0, commandError(apperr.ErrAssembly, "assembling", "ffprobe", err)
	}
	return parseProbeDuration(string(out))
}

func parseProbeDuration(out string) (float64, error) {
	out = strings.TrimSpace(out)
	if out == "" || out == "N/A" {
		return 0, fmt.Errorf("ffprobe returned no duration")
	}
	d, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", out, err)
	}
	return d, nil
}
