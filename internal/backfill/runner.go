package backfill

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ford-at-home/whispersync/internal/pipeline"
	"github.com/ford-at-home/whispersync/internal/transcript"
)

// Config holds the backfill command configuration.
type Config struct {
	Dir        string // directory of .jsonl transcript exports
	SingleFile string // process a single file only
	UserID     string // fallback when a record carries no user
	Since      time.Time
	Until      time.Time
	DryRun     bool // classify and route nothing; count what would run
	Limit      int  // stop after this many transcripts (0 = no limit)
}

// Processor routes one transcript; satisfied by pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, tr transcript.Transcript) (*pipeline.RoutingOutcome, error)
}

// Runner replays transcript export files through the pipeline.
type Runner struct {
	cfg       Config
	processor Processor
	logger    *slog.Logger
}

func NewRunner(cfg Config, p Processor, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, processor: p, logger: logger}
}

// Run executes the backfill. Each line of each export file is one JSON
// transcript record; malformed lines are counted and skipped, never fatal.
func (r *Runner) Run(ctx context.Context) error {
	state, err := LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	return r.run(ctx, state)
}

func (r *Runner) run(ctx context.Context, state *State) error {
	files, err := r.discoverFiles()
	if err != nil {
		return fmt.Errorf("discover files: %w", err)
	}
	r.logger.Info("backfill files discovered", "files", len(files))

	routed := 0
	for i, path := range files {
		if state.IsProcessed(path) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.processFile(ctx, path, state, &routed)
		if err != nil {
			r.logger.Warn("backfill file failed", "path", path, "error", err)
			state.AddError(fmt.Sprintf("process %s: %v", path, err))
			continue
		}

		state.MarkProcessed(path)
		state.FilesRemaining = len(files) - i - 1
		if err := state.Save(); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		r.logger.Info("backfill file done", "path", path, "routed", n)

		if r.cfg.Limit > 0 && routed >= r.cfg.Limit {
			r.logger.Info("backfill limit reached", "limit", r.cfg.Limit)
			break
		}
	}

	r.logger.Info("backfill complete",
		"routed", state.TranscriptsRouted,
		"skipped", state.TranscriptsSkipped,
		"errors", len(state.Errors),
	)
	return state.Save()
}

func (r *Runner) processFile(ctx context.Context, path string, state *State, routed *int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var evt transcript.StoredEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			state.TranscriptsSkipped++
			state.AddError(fmt.Sprintf("%s: malformed line: %v", filepath.Base(path), err))
			continue
		}
		if evt.UserID == "" {
			evt.UserID = r.cfg.UserID
		}
		if evt.SourceID == "" {
			evt.SourceID = "backfill"
		}

		tr, err := evt.ToTranscript()
		if err != nil || tr.UserID == "" || tr.Text == "" {
			state.TranscriptsSkipped++
			continue
		}
		if !r.inDateRange(tr.ReceivedAt) {
			state.TranscriptsSkipped++
			continue
		}

		if r.cfg.DryRun {
			count++
			*routed++
			continue
		}

		if _, err := r.processor.Process(ctx, tr); err != nil {
			state.AddError(fmt.Sprintf("route %s: %v", tr.ID, err))
			continue
		}
		state.TranscriptsRouted++
		count++
		*routed++
		if r.cfg.Limit > 0 && *routed >= r.cfg.Limit {
			break
		}
	}
	return count, scanner.Err()
}

func (r *Runner) discoverFiles() ([]string, error) {
	if r.cfg.SingleFile != "" {
		return []string{r.cfg.SingleFile}, nil
	}
	matches, err := filepath.Glob(filepath.Join(r.cfg.Dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (r *Runner) inDateRange(ts time.Time) bool {
	if !r.cfg.Since.IsZero() && ts.Before(r.cfg.Since) {
		return false
	}
	if !r.cfg.Until.IsZero() && ts.After(r.cfg.Until) {
		return false
	}
	return true
}
