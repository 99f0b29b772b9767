// Package planner turns a topic (and optional document summaries) into an
// ordered scene plan, and authors per-scene engine source on request.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/services"
	"github.com/bobarin/studyreel/internal/stage"
	"github.com/sirupsen/logrus"
)

const (
	maxSummaryDocs      = 5
	maxReferenceChars   = 5000
	titleThresholdChars = 50
	defaultSceneSec     = 15.0
	maxLogLen           = 2000
)

type Options struct {
	Timeout        time.Duration // per attempt
	Attempts       int
	DefaultBackend models.Backend
	Temperature    float32
}

type Planner struct {
	content services.ContentService
	opts    Options
	backoff func(int) time.Duration
	log     *logrus.Entry
}

func New(content services.ContentService, opts Options, log logrus.FieldLogger) *Planner {
	if opts.Attempts < 1 {
		opts.Attempts = 2
	}
	if opts.DefaultBackend == "" {
		opts.DefaultBackend = models.BackendMotion
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	return &Planner{
		content: content,
		opts:    opts,
		backoff: stage.RetryDelay,
		log:     logging.Component(log, "planner"),
	}
}

// Request is one planning call.
type Request struct {
	Topic     string
	Summaries []models.DocumentSummary
	// OnRetry is told about each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Plan asks the content service for a scene plan. Transient failures are
// retried; malformed output fails immediately.
func (p *Planner) Plan(ctx context.Context, req Request) (*models.ScenePlan, error) {
	topic := strings.TrimSpace(req.Topic)
	reference := ReferenceText(req.Summaries)
	if topic == "" && reference == "" {
		return nil, apperr.New(apperr.ErrValidation, "planning", "a topic or at least one document is required")
	}
	if topic == "" {
		topic = "the material in the reference documents"
	}

	prompt := buildPlanUserPrompt(topic, reference)
	var plan *models.ScenePlan

	err := stage.Run(ctx, stage.Policy{
		Name:      "planning",
		Timeout:   p.opts.Timeout,
		Attempts:  p.opts.Attempts,
		Retryable: apperr.IsTransient,
		OnRetry:   req.OnRetry,
		Backoff:   p.backoff,
	}, func(ctx context.Context) error {
		raw, err := p.content.Complete(ctx, services.CompletionRequest{
			System:      planSystemPrompt,
			Prompt:      prompt,
			JSON:        true,
			Temperature: p.opts.Temperature,
		})
		if err != nil {
			return err
		}
		parsed, err := parsePlan(raw, p.opts.DefaultBackend)
		if err != nil {
			p.log.WithError(err).WithField("raw", truncate(raw, maxLogLen)).Warn("Plan rejected")
			return err
		}
		plan = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"scenes":       len(plan.Scenes),
		"total_sec":    plan.TotalDurationSec,
		"has_document": reference != "",
	}).Info("Plan generated")
	return plan, nil
}

type planResponse struct {
	Title  string      `json:"title"`
	Scenes []planScene `json:"scenes"`
}

type planScene struct {
	Title       string  `json:"title"`
	DurationSec float64 `json:"duration_sec"`
	Narration   string  `json:"narration"`
	VisualSpec  string  `json:"visual_spec"`
	Engine      string  `json:"engine"`
}

// parsePlan validates the model output. Scene indices come from position.
// A missing engine tag takes the default; an unknown one is kept and resolved
// by the dispatcher.
func parsePlan(raw string, defaultBackend models.Backend) (*models.ScenePlan, error) {
	var resp planResponse
	if err := json.Unmarshal([]byte(services.StripCodeFences(raw)), &resp); err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, "planning", "parse plan", "plan is not valid JSON", err)
	}
	if len(resp.Scenes) == 0 {
		return nil, apperr.New(apperr.ErrMalformed, "planning", "plan has no scenes")
	}

	plan := &models.ScenePlan{Title: strings.TrimSpace(resp.Title)}
	for i, s := range resp.Scenes {
		var missing []string
		if strings.TrimSpace(s.Narration) == "" {
			missing = append(missing, "narration")
		}
		if strings.TrimSpace(s.VisualSpec) == "" {
			missing = append(missing, "visual_spec")
		}
		if len(missing) > 0 {
			return nil, apperr.New(apperr.ErrMalformed, "planning",
				fmt.Sprintf("scene %d missing required fields: %s", i+1, strings.Join(missing, ", ")))
		}

		tag := strings.ToLower(strings.TrimSpace(s.Engine))
		if tag == "" {
			tag = string(defaultBackend)
		}
		dur := s.DurationSec
		if dur <= 0 {
			dur = defaultSceneSec
		}

		plan.Scenes = append(plan.Scenes, models.Scene{
			Index:            i + 1,
			Title:            strings.TrimSpace(s.Title),
			DurationSec:      dur,
			Narration:        strings.TrimSpace(s.Narration),
			VisualSpec:       strings.TrimSpace(s.VisualSpec),
			PreferredBackend: tag,
		})
		plan.TotalDurationSec += dur
	}
	return plan, nil
}

// ReferenceText renders up to five document summaries as "[filename]: summary"
// lines, capped at 5000 characters.
func ReferenceText(summaries []models.DocumentSummary) string {
	var b strings.Builder
	n := 0
	for _, d := range summaries {
		if n == maxSummaryDocs {
			break
		}
		summary := strings.TrimSpace(d.Summary)
		if summary == "" {
			continue
		}
		name := d.Filename
		if name == "" {
			name = d.ID
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%s]: %s", name, summary)
		n++
	}
	return truncateRunes(b.String(), maxReferenceChars)
}

// ResolveTopic returns the subject a job is about: the topic when given,
// otherwise the document reference text.
func ResolveTopic(topic string, summaries []models.DocumentSummary) string {
	if t := strings.TrimSpace(topic); t != "" {
		return t
	}
	return ReferenceText(summaries)
}

// Title shortens long topics to an 8-12 word title. Any failure returns the
// topic unchanged.
func (p *Planner) Title(ctx context.Context, topic string) string {
	topic = strings.TrimSpace(topic)
	if utf8.RuneCountInString(topic) <= titleThresholdChars {
		return topic
	}

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	raw, err := p.content.Complete(ctx, services.CompletionRequest{
		System:      titleSystemPrompt,
		Prompt:      truncateRunes(topic, maxReferenceChars),
		Temperature: 0.3,
		MaxTokens:   40,
	})
	if err != nil {
		p.log.WithError(err).Warn("Title summarization failed, keeping topic")
		return topic
	}

	title := cleanTitle(raw)
	if title == "" {
		return topic
	}
	return title
}

func cleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[:i]
	}
	t = strings.Trim(t, "\"'` ")
	t = strings.TrimRight(t, ".!")
	return strings.TrimSpace(t)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return truncateRunes(s, maxLen) + "..."
}
