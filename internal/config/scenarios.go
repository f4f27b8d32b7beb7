package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Rubric is the per-scenario judging specification.
type Rubric struct {
	RequiredElements  []string `yaml:"required_elements" json:"required_elements"`
	ForbiddenElements []string `yaml:"forbidden_elements" json:"forbidden_elements"`
	ExpectedBehaviour string   `yaml:"expected_behaviour" json:"expected_behaviour"`
	Dimensions        []string `yaml:"dimensions" json:"dimensions"`
}

// Scenario is one tutoring situation: the opening context, the simulated
// learner's persona and scripted follow-ups, and the judging rubric.
type Scenario struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	Cluster        string   `yaml:"cluster" json:"cluster,omitempty"`
	Context        string   `yaml:"context" json:"context"`
	LearnerPersona string   `yaml:"learner_persona" json:"learner_persona"`
	LearnerTurns   []string `yaml:"learner_turns" json:"learner_turns,omitempty"`
	MaxTurns       int      `yaml:"max_turns" json:"max_turns,omitempty"`
	Rubric         Rubric   `yaml:"rubric" json:"rubric"`
}

// ScenarioCatalogue is the loaded scenario file, preserving file order.
type ScenarioCatalogue struct {
	Scenarios []Scenario `yaml:"scenarios"`
	byID      map[string]*Scenario
}

// LoadScenarios parses the scenario catalogue at path.
func LoadScenarios(path string) (*ScenarioCatalogue, error) {
	data, err := loadExpanded(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	var cat ScenarioCatalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	cat.byID = make(map[string]*Scenario, len(cat.Scenarios))
	for i := range cat.Scenarios {
		sc := &cat.Scenarios[i]
		if sc.ID == "" {
			return nil, fmt.Errorf("scenario %d has no id", i)
		}
		if _, dup := cat.byID[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %q", sc.ID)
		}
		cat.byID[sc.ID] = sc
	}
	return &cat, nil
}

// Get returns the scenario with the given id.
func (c *ScenarioCatalogue) Get(id string) (*Scenario, error) {
	sc, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", id)
	}
	return sc, nil
}

// Resolve maps ids to scenarios, in the given order. An empty list means the
// whole catalogue in file order. A cluster filter, when set, keeps only
// scenarios tagged with that cluster.
func (c *ScenarioCatalogue) Resolve(ids []string, cluster string) ([]*Scenario, error) {
	var out []*Scenario
	if len(ids) == 0 {
		for i := range c.Scenarios {
			out = append(out, &c.Scenarios[i])
		}
	} else {
		for _, id := range ids {
			sc, err := c.Get(id)
			if err != nil {
				return nil, err
			}
			out = append(out, sc)
		}
	}
	if cluster != "" {
		filtered := out[:0]
		for _, sc := range out {
			if sc.Cluster == cluster {
				filtered = append(filtered, sc)
			}
		}
		out = filtered
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no scenarios matched")
	}
	return out, nil
}
