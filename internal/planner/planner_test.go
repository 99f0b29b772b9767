package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/bobarin/studyreel/internal/apperr"
	"github.com/bobarin/studyreel/internal/logging"
	"github.com/bobarin/studyreel/internal/models"
	"github.com/bobarin/studyreel/internal/services"
	"github.com/bobarin/studyreel/internal/stage"
)

type scriptedContent struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []services.CompletionRequest
}

func (c *scriptedContent) Complete(ctx context.Context, req services.CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

func newTestPlanner(c services.ContentService) *Planner {
	p := New(c, Options{}, logging.Discard())
	p.backoff = stage.NoBackoff
	return p
}

const validPlan = `{
  "title": "Pythagoras",
  "scenes": [
    {"title": "Intro", "duration_sec": 12, "narration": "Meet the right triangle.", "visual_spec": "Title card", "engine": "remotion"},
    {"title": "Proof", "duration_sec": 18, "narration": "Squares on each side.", "visual_spec": "Squares grow on legs", "engine": "MANIM"},
    {"title": "Recap", "narration": "a squared plus b squared.", "visual_spec": "Formula reveal"}
  ]
}`

func TestPlanParsesScenes(t *testing.T) {
	c := &scriptedContent{responses: []string{validPlan}}
	plan, err := newTestPlanner(c).Plan(context.Background(), Request{Topic: "Pythagorean theorem"})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if len(plan.Scenes) != 3 {
		t.Fatalf("expected 3 scenes, got %d", len(plan.Scenes))
	}
	for i, s := range plan.Scenes {
		if s.Index != i+1 {
			t.Errorf("scene %d has index %d", i, s.Index)
		}
		if s.Narration == "" || s.PreferredBackend == "" {
			t.Errorf("scene %d incomplete: %+v", i, s)
		}
	}
	if plan.Scenes[1].PreferredBackend != "manim" {
		t.Errorf("engine tag should be lowercased, got %q", plan.Scenes[1].PreferredBackend)
	}
	if plan.Scenes[2].PreferredBackend != string(models.BackendMotion) || plan.Scenes[2].DurationSec != 15 {
		t.Errorf("missing engine/duration should default, got %+v", plan.Scenes[2])
	}
	if plan.TotalDurationSec != 45 {
		t.Errorf("expected total 45s, got %v", plan.TotalDurationSec)
	}
	if !c.requests[0].JSON {
		t.Error("plan request should ask for JSON output")
	}
}

func TestPlanRequiresInput(t *testing.T) {
	c := &scriptedContent{}
	_, err := newTestPlanner(c).Plan(context.Background(), Request{Topic: "   "})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(c.requests) != 0 {
		t.Error("content service should not be called without input")
	}
}

func TestPlanRetriesTransientOnce(t *testing.T) {
	transient := apperr.Wrap(apperr.ErrTransient, "", "openai", "unavailable", errors.New("503"))
	c := &scriptedContent{errs: []error{transient}, responses: []string{"", validPlan}}

	var retries int
	plan, err := newTestPlanner(c).Plan(context.Background(), Request{
		Topic:   "Photosynthesis",
		OnRetry: func(int, error) { retries++ },
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if len(plan.Scenes) == 0 || retries != 1 || len(c.requests) != 2 {
		t.Errorf("expected one retry, got retries=%d requests=%d", retries, len(c.requests))
	}
}

func TestPlanGivesUpAfterTwoTransientFailures(t *testing.T) {
	transient := apperr.Wrap(apperr.ErrTransient, "", "openai", "unavailable", errors.New("503"))
	c := &scriptedContent{errs: []error{transient, transient, transient}}

	_, err := newTestPlanner(c).Plan(context.Background(), Request{Topic: "Photosynthesis"})
	if apperr.KindOf(err) != apperr.KindTransient {
		t.Fatalf("expected transient kind, got %v (%v)", apperr.KindOf(err), err)
	}
	if len(c.requests) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(c.requests))
	}
}

func TestPlanRejectedIsNotRetried(t *testing.T) {
	rejected := apperr.Wrap(apperr.ErrRejected, "", "openai", "content service rejected the request (status 401)", errors.New("bad key"))
	c := &scriptedContent{errs: []error{rejected}, responses: []string{"", validPlan}}

	_, err := newTestPlanner(c).Plan(context.Background(), Request{Topic: "Photosynthesis"})
	if apperr.KindOf(err) != apperr.KindRejected {
		t.Fatalf("expected rejected kind, got %v (%v)", apperr.KindOf(err), err)
	}
	if len(c.requests) != 1 {
		t.Errorf("a rejected request must not be retried, got %d requests", len(c.requests))
	}
}

func TestPlanMalformedIsNotRetried(t *testing.T) {
	cases := map[string]string{
		"not json":          "here is your plan!",
		"no scenes":         `{"title": "x", "scenes": []}`,
		"missing narration": `{"scenes": [{"title": "a", "visual_spec": "v", "engine": "manim"}]}`,
		"missing visual":    `{"scenes": [{"title": "a", "narration": "n", "engine": "manim"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			c := &scriptedContent{responses: []string{raw, validPlan}}
			_, err := newTestPlanner(c).Plan(context.Background(), Request{Topic: "Cells"})
			if !errors.Is(err, apperr.ErrMalformed) {
				t.Fatalf("expected malformed error, got %v", err)
			}
			if len(c.requests) != 1 {
				t.Errorf("malformed output must not be retried, got %d requests", len(c.requests))
			}
		})
	}
}

func TestPlanDocumentOnly(t *testing.T) {
	c := &scriptedContent{responses: []string{validPlan}}
	_, err := newTestPlanner(c).Plan(context.Background(), Request{
		Summaries: []models.DocumentSummary{{ID: "d1", Filename: "notes.pdf", Summary: "Mitosis has four phases."}},
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if !strings.Contains(c.requests[0].Prompt, "[notes.pdf]: Mitosis has four phases.") {
		t.Errorf("prompt should carry the document summary:\n%s", c.requests[0].Prompt)
	}
}

func TestReferenceTextCaps(t *testing.T) {
	var docs []models.DocumentSummary
	for i := 0; i < 8; i++ {
		docs = append(docs, models.DocumentSummary{Filename: fmt.Sprintf("doc%d.txt", i), Summary: strings.Repeat("x", 2000)})
	}
	ref := ReferenceText(docs)
	if len(ref) != maxReferenceChars {
		t.Errorf("expected %d chars, got %d", maxReferenceChars, len(ref))
	}
	if strings.Contains(ref, "doc5.txt") {
		t.Error("only the first five documents should be used")
	}

	if got := ReferenceText([]models.DocumentSummary{{ID: "a", Summary: " "}}); got != "" {
		t.Errorf("empty summaries should be skipped, got %q", got)
	}
}

func TestResolveTopic(t *testing.T) {
	docs := []models.DocumentSummary{{Filename: "a.pdf", Summary: "Enzymes."}}
	if got := ResolveTopic("  Enzymes  ", docs); got != "Enzymes" {
		t.Errorf("topic should win, got %q", got)
	}
	if got := ResolveTopic("", docs); got != "[a.pdf]: Enzymes." {
		t.Errorf("unexpected document topic %q", got)
	}
}

func TestTitleShortTopicUnchanged(t *testing.T) {
	c := &scriptedContent{}
	if got := newTestPlanner(c).Title(context.Background(), "Newton's laws"); got != "Newton's laws" {
		t.Errorf("unexpected title %q", got)
	}
	if len(c.requests) != 0 {
		t.Error("short topics should not be summarized")
	}
}

func TestTitleSummarizesLongTopic(t *testing.T) {
	topic := "Explain how the Krebs cycle produces ATP and why it matters for cellular respiration in animals"
	c := &scriptedContent{responses: []string{"\"How the Krebs Cycle Powers Cellular Respiration in Animals.\"\n"}}
	if got := newTestPlanner(c).Title(context.Background(), topic); got != "How the Krebs Cycle Powers Cellular Respiration in Animals" {
		t.Errorf("unexpected title %q", got)
	}
}

func TestTitleFailureKeepsTopic(t *testing.T) {
	topic := strings.Repeat("long topic words ", 5)
	c := &scriptedContent{errs: []error{errors.New("down")}}
	if got := newTestPlanner(c).Title(context.Background(), topic); got != strings.TrimSpace(topic) {
		t.Errorf("expected raw topic, got %q", got)
	}
}

func TestWriteSourceIncludesPriorError(t *testing.T) {
	c := &scriptedContent{responses: []string{"```tsx\nexport default () => null;\n```"}}
	scene := models.Scene{Index: 3, Title: "Chart", DurationSec: 12, Narration: "n", VisualSpec: "bar chart"}

	src, err := newTestPlanner(c).WriteSource(context.Background(), models.BackendMotion, scene, "manim: LaTeX error")
	if err != nil {
		t.Fatalf("WriteSource() error: %v", err)
	}
	if src != "export default () => null;" {
		t.Errorf("fences should be stripped, got %q", src)
	}
	req := c.requests[0]
	if !strings.Contains(req.Prompt, "manim: LaTeX error") || !strings.Contains(req.Prompt, "Scene03") {
		t.Errorf("prompt missing prior error or name:\n%s", req.Prompt)
	}
	if req.System != remotionSystemPrompt {
		t.Error("remotion scenes should use the remotion system prompt")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate(strings.Repeat("日本", 200), 301)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8")
	}
	if n := utf8.RuneCountInString(strings.TrimSuffix(got, "...")); n != 301 {
		t.Errorf("expected 301 runes kept, got %d", n)
	}
}

func TestWriteSourceEmpty(t *testing.T) {
	c := &scriptedContent{responses: []string{"```\n```"}}
	_, err := newTestPlanner(c).WriteSource(context.Background(), models.BackendProcedural, models.Scene{Index: 1}, "")
	if !errors.Is(err, apperr.ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}
