package models

import "time"

// AgentResult summarises one worker's run.
type AgentResult struct {
	Agent        int
	OutputFile   string
	Pages        int
	Written      int
	Skipped      int
	Failed       int
	FailedURLs   []string
	ErrorsByType map[string]int
	Retries      int
	Err          error
}

// Completed reports whether the agent finished without a fatal error.
func (r *AgentResult) Completed() bool {
	return r != nil && r.Err == nil
}

// ScraperResult holds the overall result of a scraping run.
type ScraperResult struct {
	RunID        string
	Site         string
	StartTime    time.Time
	EndTime      time.Time
	Agents       []*AgentResult
	MergedFile   string
	MergedRows   int
	TotalCount   int
	SkippedCount int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	PageCount    int
}

// CompletedAgents returns how many agents finished cleanly.
func (r *ScraperResult) CompletedAgents() int {
	n := 0
	for _, a := range r.Agents {
		if a.Completed() {
			n++
		}
	}
	return n
}
