package config

import (
	"fmt"

	"github.com/haasonsaas/tutorbench/pkg/models"
	"gopkg.in/yaml.v3"
)

// Profile is one tutor/learner agent configuration: provider, models,
// hyperparameters, and the factorial cell coordinates it occupies.
type Profile struct {
	Name          string  `yaml:"name" json:"name"`
	Provider      string  `yaml:"provider" json:"provider"`
	EgoModel      string  `yaml:"ego_model" json:"ego_model"`
	SuperegoModel string  `yaml:"superego_model" json:"superego_model,omitempty"`
	LearnerModel  string  `yaml:"learner_model" json:"learner_model,omitempty"`
	Temperature   float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens     int     `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// MaxRevisionRounds is K: how many superego-requested revisions the ego
	// may attempt before emission is forced.
	MaxRevisionRounds int `yaml:"max_revision_rounds" json:"max_revision_rounds"`

	Recognition   bool `yaml:"recognition" json:"recognition"`
	TutorMulti    bool `yaml:"tutor_multi" json:"tutor_multi"`
	LearnerPsycho bool `yaml:"learner_psycho" json:"learner_psycho"`
}

// Cell returns the profile's factorial coordinates.
func (p *Profile) Cell() models.Cell {
	return models.Cell{
		Recognition:   p.Recognition,
		TutorMulti:    p.TutorMulti,
		LearnerPsycho: p.LearnerPsycho,
	}
}

// ProfileCatalogue is the loaded profile file, preserving file order.
type ProfileCatalogue struct {
	Profiles []Profile `yaml:"profiles"`
	byName   map[string]*Profile
}

// LoadProfiles parses the profile catalogue at path.
func LoadProfiles(path string) (*ProfileCatalogue, error) {
	data, err := loadExpanded(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var cat ProfileCatalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	cat.byName = make(map[string]*Profile, len(cat.Profiles))
	for i := range cat.Profiles {
		p := &cat.Profiles[i]
		if p.Name == "" {
			return nil, fmt.Errorf("profile %d has no name", i)
		}
		if _, dup := cat.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile name %q", p.Name)
		}
		cat.byName[p.Name] = p
	}
	return &cat, nil
}

// Get returns the profile with the given name.
func (c *ProfileCatalogue) Get(name string) (*Profile, error) {
	p, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// All returns every profile in catalogue order.
func (c *ProfileCatalogue) All() []*Profile {
	out := make([]*Profile, 0, len(c.Profiles))
	for i := range c.Profiles {
		out = append(out, &c.Profiles[i])
	}
	return out
}

// FactorialCells returns the eight factorial-cell profiles in cell index
// order. Each of the eight (recognition, tutor_multi, learner_psycho)
// combinations must be represented by exactly one profile.
func (c *ProfileCatalogue) FactorialCells() ([]*Profile, error) {
	byCell := make(map[int]*Profile)
	for i := range c.Profiles {
		p := &c.Profiles[i]
		idx := p.Cell().Index()
		if prev, dup := byCell[idx]; dup {
			return nil, fmt.Errorf("profiles %q and %q occupy the same cell %s", prev.Name, p.Name, p.Cell().Key())
		}
		byCell[idx] = p
	}
	out := make([]*Profile, 0, 8)
	for i := 1; i <= 8; i++ {
		p, ok := byCell[i]
		if !ok {
			return nil, fmt.Errorf("no profile for cell_%d", i)
		}
		out = append(out, p)
	}
	return out, nil
}
