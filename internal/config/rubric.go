package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ScoreWeights is the rubric descriptor: how per-dimension judge scores
// combine into base, recognition, and overall scores. The weights are data;
// the engine only applies them.
type ScoreWeights struct {
	// MaxScore bounds every dimension score (inclusive).
	MaxScore float64 `yaml:"max_score"`

	// Base and Recognition map dimension names to their weight within each
	// group. A dimension named in neither map falls into the base group with
	// weight 1, unless its name starts with "recognition".
	Base        map[string]float64 `yaml:"base"`
	Recognition map[string]float64 `yaml:"recognition"`

	// Overall blends the two group scores.
	Overall OverallWeights `yaml:"overall"`
}

// OverallWeights blends group scores into the overall score.
type OverallWeights struct {
	Base        float64 `yaml:"base"`
	Recognition float64 `yaml:"recognition"`
}

// DefaultScoreWeights is used when no rubric descriptor file exists.
func DefaultScoreWeights() *ScoreWeights {
	return &ScoreWeights{
		MaxScore: 5,
		Overall:  OverallWeights{Base: 0.6, Recognition: 0.4},
	}
}

// LoadScoreWeights parses the rubric descriptor at path. A missing file
// yields the defaults; a malformed file is an error.
func LoadScoreWeights(path string) (*ScoreWeights, error) {
	data, err := loadExpanded(path)
	if os.IsNotExist(err) {
		return DefaultScoreWeights(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rubric descriptor: %w", err)
	}
	w := DefaultScoreWeights()
	if err := yaml.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("parse rubric descriptor: %w", err)
	}
	if w.MaxScore <= 0 {
		w.MaxScore = 5
	}
	if w.Overall.Base <= 0 && w.Overall.Recognition <= 0 {
		w.Overall = OverallWeights{Base: 0.6, Recognition: 0.4}
	}
	return w, nil
}

// GroupOf classifies a dimension into its group and weight.
func (w *ScoreWeights) GroupOf(dimension string) (group string, weight float64) {
	if wt, ok := w.Base[dimension]; ok {
		return "base", wt
	}
	if wt, ok := w.Recognition[dimension]; ok {
		return "recognition", wt
	}
	if strings.HasPrefix(dimension, "recognition") {
		return "recognition", 1
	}
	return "base", 1
}
