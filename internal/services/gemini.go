package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Gemini content service
// Uses the Google Gen AI SDK for scene planning and render source authoring.
// The same API key works for every Gemini model.
// ---------------------------------------------------------------------------

const defaultGeminiModel = "gemini-2.5-flash"

type GeminiService struct {
	client *genai.Client
	model  string
	log    *logrus.Entry
}

var _ ContentService = (*GeminiService)(nil)

// NewGeminiService creates a Gemini-backed content service.
// model: empty string defaults to gemini-2.5-flash
func NewGeminiService(ctx context.Context, apiKey, model string, log logrus.FieldLogger) (*GeminiService, error) {
	if model == "" {
		model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiService{
		client: client,
		model:  model,
		log:    logging.Component(log, "gemini"),
	}, nil
}

func (s *GeminiService) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(req.Prompt), config)
	if err != nil {
		return "", upstreamError("", "gemini", "content service", geminiStatus(err), err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", apperr.New(apperr.ErrMalformed, "gemini", "content service returned an empty response")
	}

	s.log.WithFields(logrus.Fields{"model": s.model, "response_len": len(text)}).Debug("Content generated")
	return text, nil
}

// geminiStatus extracts the HTTP status from a genai error, or 0.
func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
