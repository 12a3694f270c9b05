// Package drift compares recent live prediction error against the model's
// trained baseline, classifying system health. The signal is performance based:
// an old but accurate model is not flagged, and a fresh but degrading model is.
// Age alone is used only as a fallback while live comparison data is thin.
package drift

import (
	"fmt"
	logger "log"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/OpenTransitTools/ridecast/business/mlmodel"
	"github.com/jmoiron/sqlx"
)

// Status classifies system health
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Classification thresholds
const (
	criticalDriftPct    = 25.0
	warningDriftPct     = 10.0
	warningModelAgeDays = 7.0
	maximumModelAgeDays = 14.0
)

// Report is the result of one drift check. Heuristic is true when the status came
// from the age-only fallback rather than live comparison data
type Report struct {
	Status             Status  `json:"status"`
	BaselineMAESeconds float64 `json:"baseline_mae_sec"`
	RecentMAESeconds   float64 `json:"recent_ml_mae_sec"`
	DriftPct           float64 `json:"drift_pct"`
	SampleCount        int     `json:"prediction_count_48h"`
	ModelAgeDays       float64 `json:"model_age_days"`
	Heuristic          bool    `json:"heuristic"`
	Recommendation     string  `json:"recommendation"`
}

// ModelStatus summarizes the serving model for operational displays
type ModelStatus struct {
	ModelName          string     `json:"model_name"`
	Version            int        `json:"version"`
	TrainedAt          *time.Time `json:"trained_at"`
	AgeDays            float64    `json:"age_days"`
	BaselineMAESeconds float64    `json:"baseline_mae_sec"`
	RecentMAESeconds   float64    `json:"recent_ml_mae_sec"`
	RawMAESeconds      float64    `json:"recent_api_mae_sec"`
	ImprovementPct     float64    `json:"improvement_vs_raw_pct"`
	SampleCount        int        `json:"prediction_count_48h"`
	Available          bool       `json:"available"`
}

// driftDataProvider provides matched a/b record aggregates
type driftDataProvider interface {
	GetMatchedWindowStats(window time.Duration) (*arrivals.WindowStats, error)
}

// dbDriftDataProvider uses a database connection to retrieve matched aggregates
type dbDriftDataProvider struct {
	db *sqlx.DB
}

func (d *dbDriftDataProvider) GetMatchedWindowStats(window time.Duration) (*arrivals.WindowStats, error) {
	return arrivals.GetMatchedWindowStats(d.db, window)
}

// MakeDBProvider builds the database backed provider for MakeMonitor
func MakeDBProvider(db *sqlx.DB) *dbDriftDataProvider {
	return &dbDriftDataProvider{db: db}
}

// modelSource provides the current model artifact
type modelSource interface {
	Current() (*mlmodel.Artifact, bool)
}

// Conf contains all configurable parameters in the monitor
type Conf struct {
	WindowHours        int
	MinimumSampleCount int
}

// Monitor performs drift checks against the matched a/b record log
type Monitor struct {
	log      *logger.Logger
	provider driftDataProvider
	models   modelSource
	conf     Conf
}

// MakeMonitor builds Monitor
func MakeMonitor(log *logger.Logger, provider driftDataProvider, models modelSource, conf Conf) *Monitor {
	return &Monitor{
		log:      log,
		provider: provider,
		models:   models,
		conf:     conf,
	}
}

// CheckDrift classifies current system health as of "now". A pure read, no side effects
func (m *Monitor) CheckDrift(now time.Time) *Report {
	artifact, available := m.models.Current()
	if !available {
		return &Report{
			Status:         StatusCritical,
			Heuristic:      true,
			Recommendation: "no model artifact available, serving raw agency predictions only",
		}
	}

	ageDays := artifact.AgeDays(now)

	stats, err := m.provider.GetMatchedWindowStats(time.Duration(m.conf.WindowHours) * time.Hour)
	if err != nil {
		m.log.Printf("unable to retrieve matched window stats, falling back to age heuristic: %v", err)
		return m.heuristicReport(artifact, ageDays, 0)
	}
	if stats.SampleCount < m.conf.MinimumSampleCount {
		return m.heuristicReport(artifact, ageDays, stats.SampleCount)
	}

	driftPct := (stats.MLMAESeconds - artifact.BaselineMAESeconds) / artifact.BaselineMAESeconds * 100
	status := classifyDrift(driftPct, ageDays)
	return &Report{
		Status:             status,
		BaselineMAESeconds: artifact.BaselineMAESeconds,
		RecentMAESeconds:   stats.MLMAESeconds,
		DriftPct:           driftPct,
		SampleCount:        stats.SampleCount,
		ModelAgeDays:       ageDays,
		Recommendation:     recommendation(status, false, driftPct, ageDays),
	}
}

// heuristicReport classifies by model age alone, flagged so operators know the
// confidence of the signal itself
func (m *Monitor) heuristicReport(artifact *mlmodel.Artifact, ageDays float64, sampleCount int) *Report {
	status := classifyAge(ageDays)
	return &Report{
		Status:             status,
		BaselineMAESeconds: artifact.BaselineMAESeconds,
		SampleCount:        sampleCount,
		ModelAgeDays:       ageDays,
		Heuristic:          true,
		Recommendation:     recommendation(status, true, 0, ageDays),
	}
}

// GetModelStatus summarizes the serving model and its live accuracy as of "now"
func (m *Monitor) GetModelStatus(now time.Time) *ModelStatus {
	artifact, available := m.models.Current()
	if !available {
		return &ModelStatus{Available: false}
	}
	status := &ModelStatus{
		ModelName:          artifact.ModelName,
		Version:            artifact.Version,
		TrainedAt:          &artifact.TrainedAt,
		AgeDays:            artifact.AgeDays(now),
		BaselineMAESeconds: artifact.BaselineMAESeconds,
		Available:          true,
	}
	stats, err := m.provider.GetMatchedWindowStats(time.Duration(m.conf.WindowHours) * time.Hour)
	if err != nil {
		m.log.Printf("unable to retrieve matched window stats for model status: %v", err)
		return status
	}
	status.RecentMAESeconds = stats.MLMAESeconds
	status.RawMAESeconds = stats.APIMAESeconds
	status.SampleCount = stats.SampleCount
	if stats.SampleCount > 0 && stats.APIMAESeconds > 0 {
		status.ImprovementPct = (stats.APIMAESeconds - stats.MLMAESeconds) / stats.APIMAESeconds * 100
	}
	return status
}

// classifyDrift classifies measured drift, folding in the maximum model age bound
func classifyDrift(driftPct float64, ageDays float64) Status {
	if driftPct > criticalDriftPct || ageDays > maximumModelAgeDays {
		return StatusCritical
	}
	if driftPct > warningDriftPct {
		return StatusWarning
	}
	return StatusOK
}

// classifyAge classifies by model age alone, for use before enough matched outcomes exist
func classifyAge(ageDays float64) Status {
	if ageDays > maximumModelAgeDays {
		return StatusCritical
	}
	if ageDays > warningModelAgeDays {
		return StatusWarning
	}
	return StatusOK
}

func recommendation(status Status, heuristic bool, driftPct float64, ageDays float64) string {
	if heuristic {
		switch status {
		case StatusCritical:
			return fmt.Sprintf("model is %.0f days old with insufficient live outcomes, retrain recommended", ageDays)
		case StatusWarning:
			return fmt.Sprintf("model is %.0f days old, schedule retraining soon", ageDays)
		}
		return "insufficient live outcomes, model age within bounds"
	}
	switch status {
	case StatusCritical:
		if driftPct > criticalDriftPct {
			return fmt.Sprintf("live error is %.1f%% above trained baseline, retrain now", driftPct)
		}
		return fmt.Sprintf("model is %.0f days old, retrain now", ageDays)
	case StatusWarning:
		return fmt.Sprintf("live error is %.1f%% above trained baseline, monitor closely", driftPct)
	}
	return "live error within trained baseline"
}
