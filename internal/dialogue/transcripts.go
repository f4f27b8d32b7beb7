package dialogue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/tutorbench/pkg/models"
)

// TranscriptStore persists dialogue transcripts as one JSON document each
// under <logs>/tutor-dialogues/<date>-<dialogue_id>.json. Transcripts are
// written once and read-only afterwards.
type TranscriptStore struct {
	dir string
}

// NewTranscriptStore creates the store rooted at dir, creating it if needed.
func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcripts dir: %w", err)
	}
	return &TranscriptStore{dir: dir}, nil
}

// Save writes a transcript. The filename carries the creation date for
// human browsing; lookups go by dialogue id.
func (s *TranscriptStore) Save(t *models.DialogueTranscript) error {
	if t.DialogueID == "" {
		return fmt.Errorf("transcript has no dialogue id")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", t.CreatedAt.Format("2006-01-02"), t.DialogueID)
	path := filepath.Join(s.dir, name)

	// Write through a temp file so readers never see a torn document.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

// Load reads a transcript by dialogue id.
func (s *TranscriptStore) Load(dialogueID string) (*models.DialogueTranscript, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*-"+dialogueID+".json"))
	if err != nil {
		return nil, fmt.Errorf("glob transcripts: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("transcript %s not found", dialogueID)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var t models.DialogueTranscript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	return &t, nil
}
