package planner

import (
	"fmt"
	"strings"

	"github.com/bobarin/studyreel/internal/models"
)

const planSystemPrompt = `You are an instructional designer who turns a study topic into a short narrated explainer video.

Output a JSON object with exactly this shape:
{
  "title": "short video title",
  "scenes": [
    {
      "title": "scene title",
      "duration_sec": 15,
      "narration": "what the narrator says during this scene",
      "visual_spec": "precise description of what appears on screen and how it moves",
      "engine": "manim" | "remotion"
    }
  ]
}

RULES:
- 4 to 6 scenes, each 10 to 20 seconds long. Scenes build on each other in teaching order.
- Narration is spoken English, roughly 2.3 words per second of scene duration. No markdown, no stage directions.
- Do not end with a call to action, subscribe prompt or sign-off.
- visual_spec must be concrete enough to animate without guessing: objects, labels, colors, layout, motion.
- engine "manim": equations, proofs, geometry, graphs of functions, physics diagrams, anything mathematical.
- engine "remotion": title cards, typography, bullet reveals, charts, timelines, comparisons.
- Every scene must have a non-empty narration, visual_spec and engine.`

const titleSystemPrompt = `You write concise titles for educational videos. Reply with the title only: 8 to 12 words, no quotes, no trailing punctuation.`

func buildPlanUserPrompt(topic, reference string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic)
	if reference != "" {
		b.WriteString("\nReference material from the learner's documents (ground the lesson in it):\n")
		b.WriteString(reference)
		b.WriteString("\n")
	}
	b.WriteString("\nPlan the scenes now. Respond with the JSON object only.")
	return b.String()
}

const manimSystemPrompt = `You write ManimCE (Community Edition, v0.18+) Python scenes for educational videos.

RULES:
- Output one complete Python file and nothing else. Start with: from manim import *
- Define exactly one class, named as instructed, subclassing Scene (or MovingCameraScene / ThreeDScene when needed).
- Total run time of construct() must match the requested duration within one second. Pad with self.wait().
- Use only built-in Manim objects. No external images, fonts, sounds or network access.
- Keep text inside the frame; use .scale_to_fit_width or font_size for long labels.
- Prefer Text over Tex unless the content is a formula; wrap formulas in MathTex.`

const remotionSystemPrompt = `You write Remotion (v4) React components in TypeScript for educational videos.

RULES:
- Output one complete .tsx module and nothing else.
- Import only from "react" and "remotion" (AbsoluteFill, Sequence, useCurrentFrame, useVideoConfig, interpolate, spring, Easing).
- Default-export a React.FC with no required props.
- Read fps and durationInFrames from useVideoConfig(); never hard-code frame counts.
- No external assets, fonts, network requests or CSS files. Inline styles only.
- Text must stay readable: large font sizes, high contrast, at most 3 lines on screen at a time.`

func sourceSystemPrompt(kind models.Backend) string {
	if kind == models.BackendProcedural {
		return manimSystemPrompt
	}
	return remotionSystemPrompt
}

func buildSourcePrompt(kind models.Backend, scene models.Scene, className, priorErr string) string {
	var b strings.Builder
	if kind == models.BackendProcedural {
		fmt.Fprintf(&b, "Class name: %s\n", className)
	} else {
		fmt.Fprintf(&b, "Component name: %s (default export)\n", className)
	}
	fmt.Fprintf(&b, "Scene title: %s\n", scene.Title)
	fmt.Fprintf(&b, "Duration: %.0f seconds\n", scene.DurationSec)
	fmt.Fprintf(&b, "\nVisual specification:\n%s\n", scene.VisualSpec)
	fmt.Fprintf(&b, "\nNarration that plays over the scene (for timing; do not render it as subtitles):\n%s\n", scene.Narration)
	if priorErr != "" {
		b.WriteString("\nAn earlier attempt with a different engine failed with the error below. ")
		b.WriteString("Keep the same teaching content but avoid whatever caused it.\n")
		b.WriteString(priorErr)
		b.WriteString("\n")
	}
	return b.String()
}
