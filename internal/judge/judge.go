// Package judge scores a completed dialogue transcript against its
// scenario's rubric using a dedicated judge model. The judge sees the
// tutor's suggestions, the full transcript, and the rubric; it returns
// per-dimension scores with reasoning plus element pass/fail flags. Score
// derivation weights come from the rubric descriptor, not from code.
package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/tutorbench/internal/backend"
	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/dialogue"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// Verdict is one judgement of one transcript.
type Verdict struct {
	Dimensions       map[string]models.DimensionScore
	OverallScore     float64
	BaseScore        float64
	RecognitionScore float64
	RequiredPassed   *bool
	ForbiddenAbsent  *bool
	Summary          string
	JudgeModel       string
}

// Judge applies one judge model with one set of score weights.
type Judge struct {
	backend backend.Backend
	model   string
	weights *config.ScoreWeights
}

// New creates a judge. The backend should already carry retry policy.
func New(b backend.Backend, model string, weights *config.ScoreWeights) *Judge {
	if weights == nil {
		weights = config.DefaultScoreWeights()
	}
	return &Judge{backend: b, model: model, weights: weights}
}

// Model returns the judge model name recorded on results.
func (j *Judge) Model() string { return j.model }

// judgeShape is the structured response the judge model must produce.
type judgeShape struct {
	Dimensions      map[string]dimensionShape `json:"dimensions"`
	RequiredPassed  *bool                     `json:"required_elements_passed"`
	ForbiddenAbsent *bool                     `json:"forbidden_elements_absent"`
	Summary         string                    `json:"summary"`
}

type dimensionShape struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// Evaluate scores a transcript. Parse failures try the softer JSON
// fallbacks before giving up; a verdict that names no dimension is an error.
func (j *Judge) Evaluate(ctx context.Context, sc *config.Scenario, transcript *models.DialogueTranscript) (*Verdict, error) {
	req := &backend.Request{
		Model:    j.model,
		System:   judgeSystemPrompt(sc, j.weights.MaxScore),
		Messages: []backend.Message{{Role: "user", Content: judgeUserPrompt(transcript)}},
		Timeout:  backend.DefaultJudgeTimeout,
	}
	resp, err := j.backend.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("judge call: %w", err)
	}

	var shape judgeShape
	if !dialogue.ExtractJSON(resp.Content, &shape) || len(shape.Dimensions) == 0 {
		return nil, backend.NewError(j.backend.Name(), j.model, backend.ReasonParse,
			fmt.Errorf("judge output had no parseable dimensions"))
	}

	dims := make(map[string]models.DimensionScore, len(shape.Dimensions))
	for name, d := range shape.Dimensions {
		dims[name] = models.DimensionScore{
			Score:     clamp(d.Score, 0, j.weights.MaxScore),
			Reasoning: d.Reasoning,
		}
	}

	overall, base, recognition := DeriveScores(j.weights, dims)
	return &Verdict{
		Dimensions:       dims,
		OverallScore:     overall,
		BaseScore:        base,
		RecognitionScore: recognition,
		RequiredPassed:   shape.RequiredPassed,
		ForbiddenAbsent:  shape.ForbiddenAbsent,
		Summary:          shape.Summary,
		JudgeModel:       j.model,
	}, nil
}

func judgeSystemPrompt(sc *config.Scenario, maxScore float64) string {
	var sb strings.Builder
	sb.WriteString("You judge a tutoring dialogue against a rubric.\n\n")
	sb.WriteString("Scenario:\n")
	sb.WriteString(sc.Context)
	sb.WriteString("\n\nExpected behaviour:\n")
	sb.WriteString(sc.Rubric.ExpectedBehaviour)
	if len(sc.Rubric.RequiredElements) > 0 {
		sb.WriteString("\n\nRequired elements:\n- ")
		sb.WriteString(strings.Join(sc.Rubric.RequiredElements, "\n- "))
	}
	if len(sc.Rubric.ForbiddenElements) > 0 {
		sb.WriteString("\n\nForbidden elements:\n- ")
		sb.WriteString(strings.Join(sc.Rubric.ForbiddenElements, "\n- "))
	}
	fmt.Fprintf(&sb, `

Score each dimension from 0 to %.0f. Dimensions: %s.

Reply with JSON only:
{
  "dimensions": {"<name>": {"score": <n>, "reasoning": "<why>"}},
  "required_elements_passed": true|false,
  "forbidden_elements_absent": true|false,
  "summary": "<free-text assessment>"
}`, maxScore, strings.Join(sc.Rubric.Dimensions, ", "))
	return sb.String()
}

func judgeUserPrompt(t *models.DialogueTranscript) string {
	var sb strings.Builder
	sb.WriteString("Tutor outputs under judgement:\n")
	for _, s := range t.Suggestions {
		fmt.Fprintf(&sb, "\n[turn %d", s.Turn)
		if s.Forced {
			sb.WriteString(", forced emission")
		}
		sb.WriteString("]\n")
		sb.WriteString(s.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nFull dialogue:\n")
	for _, e := range t.Entries {
		if e.Action == models.ActionFinalOutput {
			fmt.Fprintf(&sb, "\nTUTOR: %s\n", e.Content)
		}
		if e.Action == models.ActionTurnAction && e.Agent != models.AgentSystem {
			fmt.Fprintf(&sb, "\nLEARNER: %s\n", e.Content)
		}
		if e.Action == models.ActionContextInput {
			fmt.Fprintf(&sb, "\nCONTEXT: %s\n", e.Content)
		}
	}
	return sb.String()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
