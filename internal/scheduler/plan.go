// Package scheduler translates a run specification into trials, executes
// them over a bounded worker pool, applies the judge, and commits outcomes
// to the store and the progress journal. It also owns resume, rejudge, and
// post-hoc evaluation of skipped rubrics.
package scheduler

import (
	"fmt"

	"github.com/haasonsaas/tutorbench/internal/config"
)

// Trial is one unit of work: scenario x profile x replication ordinal.
type Trial struct {
	Scenario *config.Scenario
	Profile  *config.Profile

	// Attempt is the 1-based replication ordinal within the plan.
	Attempt int
}

// Key identifies the trial for resume bookkeeping, matching the store's
// completed-pair keys.
func (t Trial) Key() string {
	return fmt.Sprintf("%s/%s/%d", t.Scenario.ID, t.Profile.Name, t.Attempt)
}

// Plan is a fully expanded run: the resolved scenarios and profiles plus
// every trial in dispatch order.
type Plan struct {
	Scenarios    []*config.Scenario
	Profiles     []*config.Profile
	Replications int
	Trials       []Trial
}

// TotalTests is scenarios x profiles, fixed at plan time. Replications
// multiply trials, not the test grid.
func (p *Plan) TotalTests() int {
	return len(p.Scenarios) * len(p.Profiles)
}

// ScenarioIDs returns the plan's scenario ids in order.
func (p *Plan) ScenarioIDs() []string {
	out := make([]string, len(p.Scenarios))
	for i, sc := range p.Scenarios {
		out[i] = sc.ID
	}
	return out
}

// ProfileNames returns the plan's profile names in order.
func (p *Plan) ProfileNames() []string {
	out := make([]string, len(p.Profiles))
	for i, pr := range p.Profiles {
		out[i] = pr.Name
	}
	return out
}

// ExpandPlan emits trials in the documented, resume-stable order:
// scenarios outer, profiles inner, replications innermost.
func ExpandPlan(scenarios []*config.Scenario, profiles []*config.Profile, replications int) *Plan {
	if replications < 1 {
		replications = 1
	}
	plan := &Plan{
		Scenarios:    scenarios,
		Profiles:     profiles,
		Replications: replications,
		Trials:       make([]Trial, 0, len(scenarios)*len(profiles)*replications),
	}
	for _, sc := range scenarios {
		for _, pr := range profiles {
			for rep := 1; rep <= replications; rep++ {
				plan.Trials = append(plan.Trials, Trial{Scenario: sc, Profile: pr, Attempt: rep})
			}
		}
	}
	return plan
}

// Remainder returns the trials whose keys are not in done, preserving plan
// order. Resume dispatches only the remainder.
func (p *Plan) Remainder(done map[string]bool) []Trial {
	var out []Trial
	for _, t := range p.Trials {
		if !done[t.Key()] {
			out = append(out, t)
		}
	}
	return out
}
