package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/browser"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/config"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/models"
	"github.com/Haysam-Bin-Tahir/Array-Products-Scraper/pipeline"
)

// Scraper runs a pool of agents against one site and merges their output.
type Scraper struct {
	cfg     *config.Config
	factory browser.Factory
	Metrics *Metrics
	RunID   string

	logger *slog.Logger
}

// NewScraper builds a scraper for cfg. Sessions come from factory.
func NewScraper(cfg *config.Config, factory browser.Factory) (*Scraper, error) {
	if factory == nil {
		return nil, fmt.Errorf("session factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runID := uuid.New().String()
	return &Scraper{
		cfg:     cfg,
		factory: factory,
		Metrics: NewMetrics(),
		RunID:   runID,
		logger: slog.Default().With(
			slog.String("run_id", runID),
			slog.String("site", cfg.Site.Name),
		),
	}, nil
}

// Run starts cfg.Workers agents, waits for all of them and merges the files
// of the agents that completed. Files of failed agents stay on disk so the
// next run resumes from them.
func (s *Scraper) Run(ctx context.Context) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &models.ScraperResult{
		RunID:        s.RunID,
		Site:         s.cfg.Site.Name,
		StartTime:    time.Now(),
		Agents:       make([]*models.AgentResult, s.cfg.Workers),
		MergedFile:   s.cfg.MergedFile(),
		ErrorsByType: make(map[string]int),
	}

	s.logger.Info("starting agents",
		slog.Int("workers", s.cfg.Workers),
		slog.String("engine", s.cfg.Engine),
		slog.String("pagination", s.cfg.Site.Pagination.Mode),
	)

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			agent := NewAgent(id, s.cfg, s.factory, s.Metrics, s.logger)
			// A failed agent must not stop its siblings.
			result.Agents[id] = agent.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	var completed []string
	for _, ar := range result.Agents {
		result.TotalCount += ar.Written
		result.SkippedCount += ar.Skipped
		result.ErrorCount += ar.Failed
		result.RetryCount += ar.Retries
		result.PageCount += ar.Pages
		result.FailedURLs = append(result.FailedURLs, ar.FailedURLs...)
		for k, v := range ar.ErrorsByType {
			result.ErrorsByType[k] += v
		}
		if ar.Completed() {
			completed = append(completed, ar.OutputFile)
		} else {
			s.logger.Warn("agent output kept for resume",
				slog.Int("agent", ar.Agent),
				slog.String("file", ar.OutputFile),
				slog.Any("error", ar.Err),
			)
		}
	}

	if len(completed) > 0 {
		stats, err := pipeline.Combine(completed, result.MergedFile, pipeline.CombineOptions{
			Dedupe:     s.cfg.Dedupe,
			KeepInputs: s.cfg.KeepAgentFiles,
		})
		if err != nil {
			result.EndTime = time.Now()
			return result, fmt.Errorf("combine agent files: %w", err)
		}
		result.MergedRows = stats.Rows
		s.logger.Info("agent files combined",
			slog.String("output", result.MergedFile),
			slog.Int("inputs", stats.Inputs),
			slog.Int("rows", stats.Rows),
			slog.Int("duplicates", stats.Duplicates),
			slog.Int("dropped", stats.Dropped),
		)

		if s.cfg.XLSX {
			xlsxPath := xlsxPathFor(result.MergedFile)
			rows, err := pipeline.ExportXLSX(result.MergedFile, xlsxPath)
			if err != nil {
				result.EndTime = time.Now()
				return result, fmt.Errorf("export xlsx: %w", err)
			}
			s.logger.Info("workbook written", slog.String("output", xlsxPath), slog.Int("rows", rows))
		}
	}

	result.EndTime = time.Now()
	return result, nil
}

func xlsxPathFor(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".xlsx"
}
