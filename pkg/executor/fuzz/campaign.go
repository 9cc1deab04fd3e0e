package fuzz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/papforge/pap/pkg/api"
	"github.com/papforge/pap/pkg/artifact"
)

// Config tunes one campaign.
type Config struct {
	Target       Target
	Workspace    *artifact.Workspace
	CorpusPrefix string
	// MaxIterations and MaxDuration bound the campaign; zero means
	// unbounded on that axis. At least one must be set.
	MaxIterations    int64
	MaxDuration      time.Duration
	ProgressInterval time.Duration
	// BatchSize is how many executions run between cancellation checks.
	BatchSize int
	Seed      int64
	Logger    *slog.Logger

	// OnProgress and OnCrash push campaign observations to the status
	// stream without the campaign knowing about event plumbing.
	OnProgress func(api.FuzzProgress)
	OnCrash    func(api.CrashReport)
}

// Summary is the terminal result of a campaign.
type Summary struct {
	Iterations   int64             `json:"iterations"`
	CorpusSize   int               `json:"corpus_size"`
	CoveredEdges int               `json:"covered_edges"`
	ExecPerSec   float64           `json:"exec_per_sec"`
	Crashes      []api.CrashReport `json:"crashes,omitempty"`
}

// Campaign drives the mutate-execute-observe loop against one emulator.
type Campaign struct {
	cfg     Config
	logger  *slog.Logger
	mutator *Mutator
}

// NewCampaign creates a campaign, filling config defaults.
func NewCampaign(cfg Config) *Campaign {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	if cfg.MaxIterations <= 0 && cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Second
	}
	if cfg.CorpusPrefix == "" {
		cfg.CorpusPrefix = "corpus/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Campaign{cfg: cfg, logger: logger, mutator: NewMutator(cfg.Seed)}
}

// initialCorpusSize is how many generated inputs seed an empty corpus.
const initialCorpusSize = 16

// Run executes the campaign until its budget is exhausted or the context
// is cancelled. The emulator is snapshotted once after load and restored
// before every execution so iterations cannot contaminate each other.
func (c *Campaign) Run(ctx context.Context, emu Emulator) (Summary, error) {
	if err := emu.Load(c.cfg.Target); err != nil {
		return Summary{}, fmt.Errorf("load target: %w", err)
	}
	defer func() {
		if err := emu.Close(); err != nil {
			c.logger.Warn("emulator close failed", "error", err)
		}
	}()

	corpus, err := LoadCorpus(ctx, c.cfg.Workspace, c.cfg.CorpusPrefix)
	if err != nil {
		return Summary{}, err
	}
	if corpus.Len() == 0 {
		for i := 0; i < initialCorpusSize; i++ {
			if err := corpus.Add(ctx, c.mutator.seed()); err != nil {
				return Summary{}, err
			}
		}
	}

	if err := emu.Snapshot(); err != nil {
		return Summary{}, fmt.Errorf("snapshot: %w", err)
	}

	var deadline time.Time
	if c.cfg.MaxDuration > 0 {
		deadline = time.Now().Add(c.cfg.MaxDuration)
	}

	coverage := make([]byte, CoverageMapSize)
	virgin := make([]byte, CoverageMapSize)
	seenCrashes := make(map[string]struct{})

	summary := Summary{}
	start := time.Now()
	lastProgress := start
	var lastIterations int64

	c.logger.Info("fuzz campaign starting",
		"target", c.cfg.Target.Project.Name,
		"function", fmt.Sprintf("%#x", c.cfg.Target.Function),
		"corpus", corpus.Len(),
	)

	for {
		select {
		case <-ctx.Done():
			summary.CorpusSize = corpus.Len()
			return summary, ctx.Err()
		default:
		}

		for i := 0; i < c.cfg.BatchSize; i++ {
			base := corpus.Entry(int(summary.Iterations))
			splice := corpus.Entry(c.mutator.rng.Intn(maxInt(corpus.Len(), 1)))
			input := c.mutator.Mutate(base, splice)

			if err := emu.Restore(); err != nil {
				return summary, fmt.Errorf("restore: %w", err)
			}
			clear(coverage)
			outcome, err := emu.Execute(input, coverage)
			if err != nil {
				return summary, fmt.Errorf("execute: %w", err)
			}
			summary.Iterations++

			if outcome.Exit == ExitCrash {
				if err := c.recordCrash(ctx, input, outcome, seenCrashes, &summary); err != nil {
					return summary, err
				}
			} else if outcome.Exit == ExitOk {
				if newEdges := mergeCoverage(coverage, virgin); newEdges > 0 {
					summary.CoveredEdges += newEdges
					if err := corpus.Add(ctx, input); err != nil {
						return summary, err
					}
				}
			}

			if c.cfg.MaxIterations > 0 && summary.Iterations >= c.cfg.MaxIterations {
				return c.finish(corpus, &summary, start), nil
			}
		}

		now := time.Now()
		if now.Sub(lastProgress) >= c.cfg.ProgressInterval && c.cfg.OnProgress != nil {
			elapsed := now.Sub(lastProgress).Seconds()
			c.cfg.OnProgress(api.FuzzProgress{
				Iterations:    summary.Iterations,
				ExecPerSec:    float64(summary.Iterations-lastIterations) / elapsed,
				CorpusSize:    corpus.Len(),
				CoveredEdges:  summary.CoveredEdges,
				UniqueCrashes: len(summary.Crashes),
			})
			lastProgress = now
			lastIterations = summary.Iterations
		}

		if !deadline.IsZero() && now.After(deadline) {
			return c.finish(corpus, &summary, start), nil
		}
	}
}

func (c *Campaign) finish(corpus *Corpus, summary *Summary, start time.Time) Summary {
	summary.CorpusSize = corpus.Len()
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		summary.ExecPerSec = float64(summary.Iterations) / elapsed
	}
	c.logger.Info("fuzz campaign finished",
		"iterations", summary.Iterations,
		"corpus", summary.CorpusSize,
		"covered_edges", summary.CoveredEdges,
		"unique_crashes", len(summary.Crashes),
	)
	return *summary
}

// recordCrash deduplicates by signature and persists the triggering input
// plus a CrashReport artifact for each unique fault.
func (c *Campaign) recordCrash(ctx context.Context, input []byte, outcome Outcome, seen map[string]struct{}, summary *Summary) error {
	sig := Signature(outcome)
	if _, dup := seen[sig]; dup {
		return nil
	}
	seen[sig] = struct{}{}

	inputRef, err := c.cfg.Workspace.Put(ctx, fmt.Sprintf("crashes/%s/input", sig), input)
	if err != nil {
		return fmt.Errorf("persist crash input: %w", err)
	}

	report := api.CrashReport{
		Signature: sig,
		PC:        outcome.PC,
		StackHash: outcome.StackHash,
		Severity:  Classify(&c.cfg.Target, outcome),
		ExitKind:  string(outcome.Exit),
		Input:     inputRef,
	}
	encoded, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode crash report: %w", err)
	}
	if _, err := c.cfg.Workspace.Put(ctx, fmt.Sprintf("crashes/%s/report.json", sig), encoded); err != nil {
		return fmt.Errorf("persist crash report: %w", err)
	}

	summary.Crashes = append(summary.Crashes, report)
	c.logger.Info("unique crash found", "signature", sig, "severity", report.Severity)
	if c.cfg.OnCrash != nil {
		c.cfg.OnCrash(report)
	}
	return nil
}

// mergeCoverage folds one execution's bitmap into the global map and
// returns the number of edges seen for the first time.
func mergeCoverage(coverage, virgin []byte) int {
	newEdges := 0
	for i, hits := range coverage {
		if hits == 0 {
			continue
		}
		if virgin[i] == 0 {
			newEdges++
		}
		if int(virgin[i])+int(hits) > 0xff {
			virgin[i] = 0xff
		} else {
			virgin[i] += hits
		}
	}
	return newEdges
}
