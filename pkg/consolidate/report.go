package consolidate

import (
	"fmt"
	"maps"
	"time"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
)

// Stage names used in errors, spans and health records.
const (
	StageFetch     = "fetch"
	StageScore     = "score"
	StageCluster   = "cluster"
	StageAssociate = "associate"
	StageCompress  = "compress"
	StageForget    = "forget"
)

// StageError records which stage of a run failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s stage: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// PerformanceMetrics describes how a run went.
type PerformanceMetrics struct {
	DurationSeconds   float64            `json:"duration_seconds" yaml:"duration_seconds"`
	MemoriesPerSecond float64            `json:"memories_per_second" yaml:"memories_per_second"`
	StageSeconds      map[string]float64 `json:"stage_seconds" yaml:"stage_seconds"`
	Success           bool               `json:"success" yaml:"success"`

	// Partial is set on a successful run in which at least one stage failed.
	Partial     bool `json:"partial" yaml:"partial"`
	StageErrors int  `json:"stage_errors" yaml:"stage_errors"`
}

// Report is the outcome of one consolidation run. A report is returned for
// every run with a valid horizon, including runs that failed.
type Report struct {
	RunID                  string             `json:"run_id" yaml:"run_id"`
	Horizon                horizon.Horizon    `json:"time_horizon" yaml:"time_horizon"`
	StartTime              time.Time          `json:"start_time" yaml:"start_time"`
	EndTime                time.Time          `json:"end_time" yaml:"end_time"`
	MemoriesProcessed      int                `json:"memories_processed" yaml:"memories_processed"`
	ScoresUpdated          int                `json:"scores_updated" yaml:"scores_updated"`
	AssociationsDiscovered int                `json:"associations_discovered" yaml:"associations_discovered"`
	ClustersCreated        int                `json:"clusters_created" yaml:"clusters_created"`
	MemoriesCompressed     int                `json:"memories_compressed" yaml:"memories_compressed"`
	MemoriesArchived       int                `json:"memories_archived" yaml:"memories_archived"`
	ForgettingActions      map[string]int     `json:"forgetting_actions,omitempty" yaml:"forgetting_actions,omitempty"`
	Errors                 []string           `json:"errors" yaml:"errors"`
	Performance            PerformanceMetrics `json:"performance_metrics" yaml:"performance_metrics"`

	stageErrs []*StageError
}

// StageErrors returns the typed errors behind Errors.
func (r *Report) StageErrors() []*StageError { return r.stageErrs }

func (r *Report) fail(stage string, err error) {
	se := &StageError{Stage: stage, Err: err}
	r.stageErrs = append(r.stageErrs, se)
	r.Errors = append(r.Errors, se.Error())
}

// Stats accumulates run outcomes for the lifetime of a Consolidator.
type Stats struct {
	TotalRuns           int                     `json:"total_runs" yaml:"total_runs"`
	SuccessfulRuns      int                     `json:"successful_runs" yaml:"successful_runs"`
	FailedRuns          int                     `json:"failed_runs" yaml:"failed_runs"`
	PartialRuns         int                     `json:"partial_runs" yaml:"partial_runs"`
	RunsByHorizon       map[horizon.Horizon]int `json:"runs_by_horizon" yaml:"runs_by_horizon"`
	MemoriesProcessed   int                     `json:"memories_processed" yaml:"memories_processed"`
	AssociationsCreated int                     `json:"associations_created" yaml:"associations_created"`
	ClustersCreated     int                     `json:"clusters_created" yaml:"clusters_created"`
	MemoriesCompressed  int                     `json:"memories_compressed" yaml:"memories_compressed"`
	MemoriesArchived    int                     `json:"memories_archived" yaml:"memories_archived"`
	TotalDuration       time.Duration           `json:"total_duration" yaml:"total_duration"`
	LastRun             time.Time               `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

func newStats() Stats {
	return Stats{RunsByHorizon: make(map[horizon.Horizon]int)}
}

func (s *Stats) add(r *Report) {
	s.TotalRuns++
	if r.Performance.Success {
		s.SuccessfulRuns++
		if r.Performance.Partial {
			s.PartialRuns++
		}
	} else {
		s.FailedRuns++
	}
	s.RunsByHorizon[r.Horizon]++
	s.MemoriesProcessed += r.MemoriesProcessed
	s.AssociationsCreated += r.AssociationsDiscovered
	s.ClustersCreated += r.ClustersCreated
	s.MemoriesCompressed += r.MemoriesCompressed
	s.MemoriesArchived += r.MemoriesArchived
	s.TotalDuration += r.EndTime.Sub(r.StartTime)
	s.LastRun = r.EndTime
}

func (s Stats) clone() Stats {
	s.RunsByHorizon = maps.Clone(s.RunsByHorizon)
	return s
}
