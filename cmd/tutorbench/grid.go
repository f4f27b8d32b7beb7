// grid.go renders the scenario x profile completion grid for the status and
// watch commands, reading only the progress journal so it works against a
// run owned by another process.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/tutorbench/internal/config"
	"github.com/haasonsaas/tutorbench/internal/progress"
)

func runStatus(cmd *cobra.Command, runID string) error {
	logsDir := config.ResolvePaths().LogsDir
	grid, err := progress.LoadGrid(logsDir, runID)
	if err != nil {
		return err
	}
	renderGrid(cmd.OutOrStdout(), runID, grid)
	return nil
}

func runWatch(cmd *cobra.Command, runID string, refresh time.Duration) error {
	logsDir := config.ResolvePaths().LogsDir
	journal := progress.JournalPath(logsDir, runID)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	// Filesystem notification when available; the ticker below covers
	// filesystems where fsnotify reports nothing.
	var notify chan struct{}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(journal); err == nil {
			notify = make(chan struct{}, 1)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if ev.Op&fsnotify.Write != 0 {
							select {
							case notify <- struct{}{}:
							default:
							}
						}
					case <-watcher.Errors:
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	w := cmd.OutOrStdout()
	for {
		grid, err := progress.LoadGrid(logsDir, runID)
		if err != nil {
			return err
		}
		clearScreen(w)
		renderGrid(w, runID, grid)
		if grid.Finished {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-ticker.C:
		}
	}
}

func clearScreen(w io.Writer) {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(w, "\033[H\033[2J")
	}
}

// renderGrid prints the completion grid: one row per scenario, one column
// per profile. Cells show the overall score, FAIL, ERR, or stay blank while
// pending.
func renderGrid(w io.Writer, runID string, g *progress.Grid) {
	fmt.Fprintf(w, "run %s: %d/%d complete, %d errored", runID, g.Completed, g.TotalTests, g.Errored)
	if g.Finished {
		fmt.Fprintf(w, " (finished in %s)", (time.Duration(g.DurationMS) * time.Millisecond).Round(time.Second))
	}
	fmt.Fprintln(w)

	if len(g.Scenarios) == 0 {
		fmt.Fprintln(w, "no run_start event yet")
		return
	}

	scenarioWidth := 0
	for _, sc := range g.Scenarios {
		if len(sc) > scenarioWidth {
			scenarioWidth = len(sc)
		}
	}
	if scenarioWidth > 28 {
		scenarioWidth = 28
	}

	// Column width adapts to the terminal behind the writer; headers are
	// truncated from the left so the distinguishing suffix of a profile name
	// survives. Non-terminal writers keep the default width.
	colWidth := 12
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			if avail := (width - scenarioWidth - 2) / max(1, len(g.Profiles)); avail < colWidth && avail >= 6 {
				colWidth = avail
			}
		}
	}

	fmt.Fprintf(w, "%-*s", scenarioWidth, "")
	for _, p := range g.Profiles {
		fmt.Fprintf(w, " %*s", colWidth, truncateLeft(p, colWidth))
	}
	fmt.Fprintln(w)

	for _, sc := range g.Scenarios {
		fmt.Fprintf(w, "%-*s", scenarioWidth, truncateLeft(sc, scenarioWidth))
		for _, p := range g.Profiles {
			fmt.Fprintf(w, " %*s", colWidth, cellText(g, sc, p))
		}
		fmt.Fprintln(w)
	}
}

func cellText(g *progress.Grid, scenario, profile string) string {
	o, ok := g.Cells[scenario][profile]
	switch {
	case !ok:
		return "."
	case o.Errored:
		return "ERR"
	case !o.Success:
		return "FAIL"
	case o.OverallScore != nil:
		return fmt.Sprintf("%.1f", *o.OverallScore)
	default:
		return "ok"
	}
}

func truncateLeft(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 1 {
		return s[len(s)-width:]
	}
	return "~" + s[len(s)-width+1:]
}
