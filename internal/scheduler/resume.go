package scheduler

import (
	"context"
	"fmt"

	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/store"
	"github.com/haasonsaas/tutorbench/pkg/models"
)

// ResumeSpec describes a resume request.
type ResumeSpec struct {
	RunID string

	// Force allows resuming a run already marked completed, for topping up
	// trials that failed.
	Force bool

	Parallelism int

	// Judge overrides; empty means the judge recorded at run creation.
	JudgeProvider string
	JudgeModel    string
}

// Resume reloads a run's plan from its metadata, subtracts the trials the
// store already holds as successes, and dispatches only the remainder.
// TotalTests stays whatever run creation fixed it at.
func (s *Scheduler) Resume(ctx context.Context, spec ResumeSpec) (Outcome, error) {
	run, err := s.store.GetRun(ctx, spec.RunID)
	if err != nil {
		return Outcome{}, err
	}
	if run.Status == models.RunStatusCompleted && !spec.Force {
		return Outcome{}, fmt.Errorf("%w: run %s is completed; use force to resume anyway", ErrConfig, run.ID)
	}

	if err := s.restoreRunEnv(ctx, run); err != nil {
		return Outcome{}, err
	}

	plan, skipRubric, judgeModel, err := s.planFromMetadata(run)
	if err != nil {
		return Outcome{}, err
	}
	if spec.JudgeModel != "" {
		judgeModel = spec.JudgeModel
	}
	j, err := s.buildJudge(spec.JudgeProvider, judgeModel, skipRubric)
	if err != nil {
		return Outcome{}, err
	}

	done, err := s.store.CompletedPairs(ctx, run.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load completed trials: %w", err)
	}
	remainder := plan.Remainder(done)

	s.logger.Info(ctx, "resuming run",
		"run_id", run.ID, "planned", len(plan.Trials), "already_done", len(done), "remaining", len(remainder))

	if run.Status == models.RunStatusCompleted {
		status := models.RunStatusRunning
		if err := s.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &status}); err != nil {
			return Outcome{}, fmt.Errorf("reopen run: %w", err)
		}
	}

	if len(remainder) == 0 {
		if err := s.store.CompleteRun(ctx, run.ID); err != nil {
			return Outcome{RunID: run.ID}, err
		}
		return Outcome{RunID: run.ID}, nil
	}

	return s.dispatch(ctx, run.ID, plan, remainder, spec.Parallelism, skipRubric, j)
}

// restoreRunEnv re-applies the catalogue overrides recorded in run metadata
// and reloads the catalogues, so scenario, profile, and rubric resolution
// matches the files that were in effect when the run was created. A nil
// catalogue from the reload hook keeps the current one.
func (s *Scheduler) restoreRunEnv(ctx context.Context, run *models.Run) error {
	overrides, ok := run.Metadata[models.MetaEnvOverrides].(map[string]any)
	if !ok || len(overrides) == 0 {
		return nil
	}
	if err := config.RestoreEnvOverrides(overrides); err != nil {
		return fmt.Errorf("restore environment: %w", err)
	}
	if s.reload == nil {
		return nil
	}
	scenarios, profiles, weights, err := s.reload()
	if err != nil {
		return fmt.Errorf("reload catalogues: %w", err)
	}
	if scenarios != nil {
		s.scenarios = scenarios
	}
	if profiles != nil {
		s.profiles = profiles
	}
	if weights != nil {
		s.weights = weights
	}
	s.logger.Info(ctx, "restored run environment", "run_id", run.ID, "overrides", len(overrides))
	return nil
}

// planFromMetadata reconstructs the original plan from run metadata, using
// the current catalogues. Scenarios or profiles that vanished from the
// catalogues since the run was created are a config error.
func (s *Scheduler) planFromMetadata(run *models.Run) (plan *Plan, skipRubric bool, judgeModel string, err error) {
	scenarioIDs := metaStrings(run.Metadata[models.MetaScenarios])
	profileNames := metaStrings(run.Metadata[models.MetaProfiles])
	if len(scenarioIDs) == 0 || len(profileNames) == 0 {
		return nil, false, "", fmt.Errorf("%w: run %s has no recorded plan; it predates resumable metadata", ErrConfig, run.ID)
	}

	scenarios := make([]*config.Scenario, 0, len(scenarioIDs))
	for _, id := range scenarioIDs {
		sc, err := s.scenarios.Get(id)
		if err != nil {
			return nil, false, "", fmt.Errorf("%w: %v", ErrConfig, err)
		}
		scenarios = append(scenarios, sc)
	}
	profiles := make([]*config.Profile, 0, len(profileNames))
	for _, name := range profileNames {
		p, err := s.profiles.Get(name)
		if err != nil {
			return nil, false, "", fmt.Errorf("%w: %v", ErrConfig, err)
		}
		profiles = append(profiles, p)
	}

	replications := metaInt(run.Metadata[models.MetaReplications], 1)
	skipRubric, _ = run.Metadata[models.MetaSkipRubric].(bool)
	judgeModel, _ = run.Metadata[models.MetaJudgeModel].(string)
	return ExpandPlan(scenarios, profiles, replications), skipRubric, judgeModel, nil
}

// metaStrings coerces a metadata value into a string slice. Metadata round
// trips through JSON, so slices come back as []any.
func metaStrings(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// metaInt coerces a metadata number, which JSON decodes as float64.
func metaInt(v any, fallback int) int {
	switch val := v.(type) {
	case int:
		return val
	case float64:
		return int(val)
	default:
		return fallback
	}
}
