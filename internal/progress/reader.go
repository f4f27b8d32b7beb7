package progress

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/haasonsaas/tutorbench/pkg/models"
)

// ReadEvents reads every complete event from a run's journal. A partial
// trailing line (a writer mid-append in another process) is skipped cleanly;
// so is any line that does not decode, since the journal may be tailed while
// being written.
func ReadEvents(logsDir, runID string) ([]models.ProgressEvent, error) {
	f, err := os.Open(JournalPath(logsDir, runID))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	return decodeEvents(f)
}

func decodeEvents(r io.Reader) ([]models.ProgressEvent, error) {
	var events []models.ProgressEvent
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// No trailing newline means the final line may still be
			// mid-write; drop it.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read journal: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var event models.ProgressEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
