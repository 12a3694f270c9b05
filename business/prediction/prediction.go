// Package prediction turns a raw agency eta into a statistically corrected
// estimate with a low/median/high confidence band. Predictions never fail the
// caller: when the model artifact or route history is unavailable the band
// degrades to fixed multipliers on the raw eta.
package prediction

import (
	logger "log"
	"sort"
	"time"

	"github.com/OpenTransitTools/ridecast/business/mlmodel"
	"github.com/OpenTransitTools/ridecast/business/routestats"
)

// Band is a low/median/high arrival estimate in minutes
type Band struct {
	Low    float64 `json:"eta_low_min"`
	Median float64 `json:"eta_median_min"`
	High   float64 `json:"eta_high_min"`
}

// Fallback band multipliers applied to the raw agency eta when no model is available
const (
	fallbackLowMultiplier  = 0.8
	fallbackHighMultiplier = 1.3
)

// modelSource provides the current model artifact
type modelSource interface {
	Current() (*mlmodel.Artifact, bool)
}

// routeStatsSource provides per-route historical error statistics
type routeStatsSource interface {
	GetRouteStats(routeId string) *routestats.RouteStats
}

// Predictor produces corrected eta bands from the model cache and route statistics
type Predictor struct {
	log             *logger.Logger
	models          modelSource
	routeStats      routeStatsSource
	holidayCalendar *transitHolidayCalendar
	abLog           *ABLog
}

// MakePredictor builds Predictor. abLog may be nil when a/b logging is disabled
func MakePredictor(log *logger.Logger,
	models modelSource,
	routeStats routeStatsSource,
	abLog *ABLog) *Predictor {
	return &Predictor{
		log:             log,
		models:          models,
		routeStats:      routeStats,
		holidayCalendar: makeTransitHolidayCalendar(),
		abLog:           abLog,
	}
}

// Predict returns the corrected eta band for a raw agency eta. Always yields a
// usable band, partial backend failure degrades the result instead of erroring.
// As a side effect an a/b test record is queued for later drift measurement,
// off the request path
func (p *Predictor) Predict(routeId string,
	stopId string,
	vehicleId string,
	apiEtaMin float64,
	at time.Time) Band {

	band := p.correctedBand(routeId, apiEtaMin, at)

	if p.abLog != nil {
		p.abLog.Enqueue(routeId, stopId, vehicleId, apiEtaMin, band.Median, at)
	}
	return band
}

// correctedBand applies the current model's quantile corrections to the raw eta,
// falling back to fixed multipliers when no model is available
func (p *Predictor) correctedBand(routeId string, apiEtaMin float64, at time.Time) Band {
	artifact, available := p.models.Current()
	if !available {
		return fallbackBand(apiEtaMin)
	}

	stats := p.routeStats.GetRouteStats(routeId)
	features := buildFeatures(apiEtaMin, at, p.holidayCalendar.isHoliday(at), stats)

	quantiles := []string{mlmodel.QuantileLow, mlmodel.QuantileMedian, mlmodel.QuantileHigh}
	corrected := make([]float64, len(quantiles))
	for i, quantile := range quantiles {
		correctionSeconds, err := artifact.CorrectionSeconds(quantile, features)
		if err != nil {
			p.log.Printf("unable to apply model %s version %d, using fallback band: %v",
				artifact.ModelName, artifact.Version, err)
			return fallbackBand(apiEtaMin)
		}
		corrected[i] = apiEtaMin + correctionSeconds/60
	}
	return normalizeBand(corrected[0], corrected[1], corrected[2])
}

// fallbackBand synthesizes a band from the raw eta alone
func fallbackBand(apiEtaMin float64) Band {
	return normalizeBand(apiEtaMin*fallbackLowMultiplier, apiEtaMin, apiEtaMin*fallbackHighMultiplier)
}

// normalizeBand enforces low <= median <= high and clamps all values non-negative
func normalizeBand(low, median, high float64) Band {
	values := []float64{low, median, high}
	sort.Float64s(values)
	for i := range values {
		if values[i] < 0 {
			values[i] = 0
		}
	}
	return Band{
		Low:    values[0],
		Median: values[1],
		High:   values[2],
	}
}
