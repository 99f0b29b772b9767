package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultSpeechModel = "tts-1"
	defaultSpeechVoice = "alloy"
)

// OpenAIService provides chat completions for planning and speech synthesis.
type OpenAIService struct {
	client      *openai.Client
	model       string
	speechModel string
	voice       string
	log         *logrus.Entry
}

var (
	_ ContentService = (*OpenAIService)(nil)
	_ TTSService     = (*OpenAIService)(nil)
)

func NewOpenAIService(apiKey, model string, log logrus.FieldLogger) *OpenAIService {
	return newOpenAIService(openai.NewClient(apiKey), model, log)
}

// NewOpenAIServiceWithBaseURL targets an OpenAI-compatible endpoint.
func NewOpenAIServiceWithBaseURL(apiKey, baseURL, model string, log logrus.FieldLogger) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return newOpenAIService(openai.NewClientWithConfig(cfg), model, log)
}

func newOpenAIService(client *openai.Client, model string, log logrus.FieldLogger) *OpenAIService {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIService{
		client:      client,
		model:       model,
		speechModel: defaultSpeechModel,
		voice:       defaultSpeechVoice,
		log:         logging.Component(log, "openai"),
	}
}

// WithSpeech sets the speech model and voice used by GenerateSpeech.
func (s *OpenAIService) WithSpeech(model, voice string) *OpenAIService {
	if model != "" {
		s.speechModel = model
	}
	if voice != "" {
		s.voice = voice
	}
	return s
}

func (s *OpenAIService) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := s.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", upstreamError("", "openai", "content service", openAIStatus(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.ErrMalformed, "openai", "content service returned no choices")
	}

	s.log.WithFields(logrus.Fields{
		"model":             s.model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	}).Debug("Chat completion finished")

	return resp.Choices[0].Message.Content, nil
}

// GenerateSpeech synthesizes MP3 narration with the OpenAI speech endpoint.
func (s *OpenAIService) GenerateSpeech(ctx context.Context, text string) (*TTSResponse, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.speechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          1.0,
	})
	if err != nil {
		return nil, upstreamError("narration", "openai speech", "speech service", openAIStatus(err), err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech response: %w", err)
	}
	if len(audio) == 0 {
		return nil, apperr.New(apperr.ErrMalformed, "narration", "speech service returned empty audio")
	}

	return &TTSResponse{
		AudioData:  audio,
		DurationMs: estimateAudioDuration(text, 1.0),
		Format:     "mp3",
	}, nil
}

// openAIStatus extracts the HTTP status from a go-openai error, or 0.
func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
