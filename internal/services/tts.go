package services

import (
	"context"
	"strings"
)

// ---------------------------------------------------------------------------
// TTSService is the common interface for text-to-speech providers.
// ElevenLabs and OpenAI speech both implement it so the narration stage can
// use whichever is configured without knowing the provider.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int // estimated; the narration stage probes the written file when it can
	Format     string
}

type TTSService interface {
	GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error)
}

// estimateAudioDuration estimates narration length from word count.
func estimateAudioDuration(text string, speed float64) int {
	words := len(strings.Fields(text))
	baseWPM := 140.0 // narration baseline, slightly slower than conversation
	if speed <= 0 {
		speed = 1
	}
	minutes := float64(words) / (baseWPM * speed)
	return int(minutes * 60 * 1000)
}
