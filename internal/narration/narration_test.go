package narration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/services"
	"github.com/bobarin/studyreel/internal/stage"
	"github.com/google/uuid"
)

type fakeTTS struct {
	calls int32
	fn    func(ctx context.Context, call int32) (*services.TTSResponse, error)
}

func (f *fakeTTS) GenerateSpeech(ctx context.Context, text string) (*services.TTSResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.fn != nil {
		return f.fn(ctx, n)
	}
	return &services.TTSResponse{AudioData: []byte("mp3"), DurationMs: 4000, Format: "mp3"}, nil
}

type fakeProber struct {
	d   float64
	err error
}

func (p fakeProber) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return p.d, p.err
}

func newSynth(tts services.TTSService, prober DurationProber, timeout time.Duration) *Synthesizer {
	s := New(tts, prober, timeout, logging.Discard())
	s.backoff = stage.NoBackoff
	return s
}

func req(dir string) Request {
	return Request{JobID: uuid.New(), Dir: dir, Scene: models.Scene{Index: 2, Narration: "Forces come in pairs."}}
}

func TestSynthesizeWritesTrack(t *testing.T) {
	dir := t.TempDir()
	track, err := newSynth(&fakeTTS{}, fakeProber{d: 3.7}, time.Second).Synthesize(context.Background(), req(dir))
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if !track.Success || track.SceneIndex != 2 || track.DurationSec != 3.7 {
		t.Errorf("unexpected track %+v", track)
	}
	if track.AudioPath != filepath.Join(dir, "narration_02.mp3") {
		t.Errorf("unexpected path %s", track.AudioPath)
	}
	if data, _ := os.ReadFile(track.AudioPath); string(data) != "mp3" {
		t.Errorf("unexpected audio %q", data)
	}
}

func TestSynthesizeFallsBackToEstimate(t *testing.T) {
	track, err := newSynth(&fakeTTS{}, fakeProber{err: errors.New("no ffprobe")}, 0).Synthesize(context.Background(), req(t.TempDir()))
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if track.DurationSec != 4 {
		t.Errorf("expected estimated 4s, got %v", track.DurationSec)
	}
}

func TestSynthesizeRetriesTimeoutOnce(t *testing.T) {
	tts := &fakeTTS{fn: func(ctx context.Context, call int32) (*services.TTSResponse, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &services.TTSResponse{AudioData: []byte("ok"), DurationMs: 1000}, nil
	}}
	var stalls int
	r := req(t.TempDir())
	r.OnStall = func(string) { stalls++ }

	track, err := newSynth(tts, nil, 20*time.Millisecond).Synthesize(context.Background(), r)
	if err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	if !track.Success || tts.calls != 2 || stalls != 1 {
		t.Errorf("expected success on retry, calls=%d stalls=%d", tts.calls, stalls)
	}
}

func TestSynthesizeGivesUpAfterSecondTimeout(t *testing.T) {
	tts := &fakeTTS{fn: func(ctx context.Context, call int32) (*services.TTSResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	track, err := newSynth(tts, nil, 10*time.Millisecond).Synthesize(context.Background(), req(t.TempDir()))
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if track.Success || track.Error == "" || tts.calls != 2 {
		t.Errorf("unexpected track %+v after %d calls", track, tts.calls)
	}
}

func TestSynthesizeProviderErrorNotRetried(t *testing.T) {
	tts := &fakeTTS{fn: func(ctx context.Context, call int32) (*services.TTSResponse, error) {
		return nil, apperr.Wrap(apperr.ErrTransient, "narration", "elevenlabs", "status 401", errors.New("unauthorized"))
	}}
	track, err := newSynth(tts, nil, time.Second).Synthesize(context.Background(), req(t.TempDir()))
	if err == nil || track.Success {
		t.Fatal("expected failure")
	}
	if tts.calls != 1 {
		t.Errorf("only timeouts are retried, got %d calls", tts.calls)
	}
}

func TestSynthesizeEmptyNarration(t *testing.T) {
	tts := &fakeTTS{}
	r := req(t.TempDir())
	r.Scene.Narration = "  "
	if _, err := newSynth(tts, nil, 0).Synthesize(context.Background(), r); !errors.Is(err, apperr.ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if tts.calls != 0 {
		t.Error("provider should not be called")
	}
}
