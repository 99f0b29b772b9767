package services

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bobarin/studyreel/internal/apperr"
)

// CompletionRequest is a single-turn text generation call.
type CompletionRequest struct {
	System      string
	Prompt      string
	JSON        bool // ask the provider for a JSON object response
	Temperature float32
	MaxTokens   int
}

// ContentService is a generative text provider used for planning and for
// authoring render source.
type ContentService interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// StripCodeFences removes a surrounding markdown code fence, if any.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// truncateString keeps at most maxLen runes and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}

// upstreamError classifies a failed provider call by its HTTP status. A 4xx
// other than 408 or 429 fails the same way on every attempt, so it is not
// marked transient. Status 0 means no response was received.
func upstreamError(stage, op, service string, status int, err error) error {
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return apperr.Wrap(apperr.ErrRejected, stage, op,
			service+" rejected the request (status "+strconv.Itoa(status)+")", err)
	}
	return apperr.Wrap(apperr.ErrTransient, stage, op, service+" unavailable", err)
}
