package planner

import (
	"context"
	"strings"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/services"
)

// WriteSource asks the content service for engine source for one scene.
// priorErr carries the failed backend's error on a fallback hop.
func (p *Planner) WriteSource(ctx context.Context, kind models.Backend, scene models.Scene, priorErr string) (string, error) {
	className := services.SceneName(scene.Index)

	raw, err := p.content.Complete(ctx, services.CompletionRequest{
		System:      sourceSystemPrompt(kind),
		Prompt:      buildSourcePrompt(kind, scene, className, truncate(priorErr, maxLogLen)),
		Temperature: 0.4,
	})
	if err != nil {
		return "", err
	}

	src := services.StripCodeFences(raw)
	if strings.TrimSpace(src) == "" {
		return "", apperr.New(apperr.ErrMalformed, "rendering", "authored source is empty")
	}
	return src, nil
}
