// Package config resolves harness paths and loads the external catalogues:
// scenarios, agent profiles, and the rubric descriptor. Catalogue files are
// YAML with environment expansion applied to the raw bytes before parsing,
// so entries can reference ${HOME} or model names from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables consumed by the harness. The scenario and rubric
// overrides are recorded in run metadata so resume and rejudge can restore
// the context that was in effect.
const (
	EnvDataDir    = "TUTORBENCH_DATA_DIR"
	EnvLogsDir    = "TUTORBENCH_LOGS_DIR"
	EnvExportsDir = "TUTORBENCH_EXPORTS_DIR"
	EnvScenarios  = "TUTORBENCH_SCENARIOS"
	EnvProfiles   = "TUTORBENCH_PROFILES"
	EnvRubric     = "TUTORBENCH_RUBRIC"
)

// Paths locates everything the harness persists or loads.
type Paths struct {
	DataDir    string
	LogsDir    string
	ExportsDir string

	ScenariosFile string
	ProfilesFile  string
	RubricFile    string
}

// DatabasePath is the evaluations database file.
func (p Paths) DatabasePath() string {
	return filepath.Join(p.DataDir, "evaluations.db")
}

// DialoguesDir holds one JSON transcript per dialogue.
func (p Paths) DialoguesDir() string {
	return filepath.Join(p.LogsDir, "tutor-dialogues")
}

// ResolvePaths builds Paths from the environment, defaulting to a
// .tutorbench tree under the working directory.
func ResolvePaths() Paths {
	base := "."
	p := Paths{
		DataDir:       envOr(EnvDataDir, filepath.Join(base, ".tutorbench", "data")),
		LogsDir:       envOr(EnvLogsDir, filepath.Join(base, ".tutorbench", "logs")),
		ExportsDir:    envOr(EnvExportsDir, filepath.Join(base, ".tutorbench", "exports")),
		ScenariosFile: envOr(EnvScenarios, filepath.Join(base, "scenarios.yaml")),
		ProfilesFile:  envOr(EnvProfiles, filepath.Join(base, "profiles.yaml")),
		RubricFile:    envOr(EnvRubric, filepath.Join(base, "rubric.yaml")),
	}
	return p
}

// EnsureDirs creates the data, logs, and exports directories.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.DataDir, p.LogsDir, p.ExportsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// EnvOverrides captures the catalogue overrides currently in effect, for
// recording into run metadata.
func EnvOverrides() map[string]string {
	out := map[string]string{}
	for _, key := range []string{EnvScenarios, EnvProfiles, EnvRubric} {
		if v := os.Getenv(key); v != "" {
			out[key] = v
		}
	}
	return out
}

// RestoreEnvOverrides re-applies recorded overrides before a resume or
// rejudge, so catalogue resolution matches the original run.
func RestoreEnvOverrides(overrides map[string]any) error {
	for key, val := range overrides {
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("override %s is not a string", key)
		}
		if err := os.Setenv(key, s); err != nil {
			return fmt.Errorf("restore %s: %w", key, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadExpanded reads a catalogue file with environment expansion applied to
// the raw bytes.
func loadExpanded(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return []byte(os.ExpandEnv(string(data))), nil
}
