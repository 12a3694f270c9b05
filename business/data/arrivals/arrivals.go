// Package arrivals provides storage for prediction outcomes and a/b test records.
// Both tables are append-only logs written by ingestion and by the prediction
// service; this package adds the idempotent matching step that pairs a served
// correction with its eventually observed arrival, plus the aggregate queries
// consumed by the route statistics aggregator and the drift monitor.
package arrivals

import (
	"fmt"
	"sort"
	"time"

	"github.com/OpenTransitTools/ridecast/foundation/database"
	"github.com/jmoiron/sqlx"
)

// Outcome is one observed (predicted, actual) arrival pair, immutable once written
type Outcome struct {
	OutcomeId     int64     `db:"outcome_id" json:"outcome_id"`
	RouteId       string    `db:"route_id" json:"route_id"`
	StopId        string    `db:"stop_id" json:"stop_id"`
	VehicleId     string    `db:"vehicle_id" json:"vehicle_id"`
	PredictedAt   time.Time `db:"predicted_at" json:"predicted_at"`
	ActualArrival time.Time `db:"actual_arrival" json:"actual_arrival"`
	ErrorSeconds  float64   `db:"error_seconds" json:"error_seconds"`
}

// ABTestRecord is one served correction awaiting (or holding) its matched outcome
type ABTestRecord struct {
	ABTestId             int64      `db:"ab_test_id" json:"ab_test_id"`
	RouteId              string     `db:"route_id" json:"route_id"`
	StopId               string     `db:"stop_id" json:"stop_id"`
	VehicleId            string     `db:"vehicle_id" json:"vehicle_id"`
	APIEtaMin            float64    `db:"api_eta_min" json:"api_eta_min"`
	MLEtaMin             float64    `db:"ml_eta_min" json:"ml_eta_min"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	Matched              bool       `db:"matched" json:"matched"`
	Expired              bool       `db:"expired" json:"expired"`
	ActualArrival        *time.Time `db:"actual_arrival" json:"actual_arrival"`
	ObservedErrorSeconds *float64   `db:"observed_error_seconds" json:"observed_error_seconds"`
	APIErrorSeconds      *float64   `db:"api_error_seconds" json:"api_error_seconds"`
}

// WindowStats aggregates matched a/b records over a trailing window
type WindowStats struct {
	SampleCount   int     `db:"sample_count"`
	MLMAESeconds  float64 `db:"ml_mae_seconds"`
	APIMAESeconds float64 `db:"api_mae_seconds"`
}

// RouteAggregate holds per-route error aggregates from the outcome log
type RouteAggregate struct {
	RouteId               string  `db:"route_id"`
	SampleCount           int     `db:"sample_count"`
	MeanAbsErrorSeconds   float64 `db:"mean_abs_error_seconds"`
	MedianAbsErrorSeconds float64 `db:"median_abs_error_seconds"`
	MeanErrorSeconds      float64 `db:"mean_error_seconds"`
}

// RouteHourAggregate holds per-route per-hour-of-day error aggregates
type RouteHourAggregate struct {
	RouteId          string  `db:"route_id"`
	HourOfDay        int     `db:"hour_of_day"`
	SampleCount      int     `db:"sample_count"`
	MeanErrorSeconds float64 `db:"mean_error_seconds"`
}

// RouteReliability summarizes how dependable predictions on a route have been
type RouteReliability struct {
	RouteId          string  `db:"route_id" json:"route"`
	ReliabilityScore float64 `db:"-" json:"reliability_score"`
	AvgErrorSeconds  float64 `db:"avg_error_seconds" json:"avg_error_sec"`
	Within2MinPct    float64 `db:"within_2min_pct" json:"within_2min_pct"`
	PredictionCount  int     `db:"prediction_count" json:"prediction_count"`
}

// RecordOutcome inserts a new Outcome record
func RecordOutcome(db *sqlx.DB, outcome *Outcome) error {
	statementString := "insert into arrival_outcome " +
		"(route_id, stop_id, vehicle_id, predicted_at, actual_arrival, error_seconds) " +
		"values (:route_id, :stop_id, :vehicle_id, :predicted_at, :actual_arrival, :error_seconds)"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, outcome)
	if err != nil {
		return fmt.Errorf("unable to record arrival outcome: %w", err)
	}
	return nil
}

// RecordABTest inserts a new ABTestRecord
func RecordABTest(db *sqlx.DB, record *ABTestRecord) error {
	statementString := "insert into ab_test_record " +
		"(route_id, stop_id, vehicle_id, api_eta_min, ml_eta_min, created_at, matched, expired) " +
		"values (:route_id, :stop_id, :vehicle_id, :api_eta_min, :ml_eta_min, :created_at, false, false)"
	statementString = db.Rebind(statementString)
	_, err := db.NamedExec(statementString, record)
	if err != nil {
		return fmt.Errorf("unable to record ab test record: %w", err)
	}
	return nil
}

// MatchEligible reports whether record can be paired with an arrival for vehicleId
// at stopId observed at actualArrival. Records already matched or expired never
// re-match, which is what makes the match operations below idempotent. The match
// statements carry the same guards in their where clauses
func MatchEligible(record *ABTestRecord,
	vehicleId string,
	stopId string,
	actualArrival time.Time,
	windowMinutes int) bool {
	if record.Matched || record.Expired {
		return false
	}
	if record.VehicleId != vehicleId || record.StopId != stopId {
		return false
	}
	windowStart := actualArrival.Add(-time.Duration(windowMinutes) * time.Minute)
	return !record.CreatedAt.Before(windowStart) && !record.CreatedAt.After(actualArrival)
}

// MatchOutcome pairs unmatched a/b records for a (vehicle, stop) with an observed
// arrival inside the match window. The matched = false guard makes the operation
// idempotent, running it twice for the same outcome changes nothing.
// Returns the number of records matched
func MatchOutcome(db *sqlx.DB,
	vehicleId string,
	stopId string,
	actualArrival time.Time,
	windowMinutes int) (int64, error) {

	statementString := "update ab_test_record set " +
		"matched = true, " +
		"actual_arrival = :actual_arrival, " +
		"observed_error_seconds = abs(extract(epoch from (:actual_arrival - created_at)) - (ml_eta_min * 60)), " +
		"api_error_seconds = abs(extract(epoch from (:actual_arrival - created_at)) - (api_eta_min * 60)) " +
		"where vehicle_id = :vehicle_id " +
		"and stop_id = :stop_id " +
		"and matched = false " +
		"and expired = false " +
		"and created_at between :actual_arrival - make_interval(mins => :window_minutes) and :actual_arrival"
	query, args, err := database.PrepareNamedQueryFromMap(statementString, db, map[string]interface{}{
		"vehicle_id":     vehicleId,
		"stop_id":        stopId,
		"actual_arrival": actualArrival,
		"window_minutes": windowMinutes,
	})
	if err != nil {
		return 0, fmt.Errorf("unable to prepare match statement: %w", err)
	}
	result, err := db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("unable to match ab test records for vehicle %s stop %s: %w", vehicleId, stopId, err)
	}
	return result.RowsAffected()
}

// MatchRecentOutcomes sweeps the outcome log, pairing every unmatched a/b record
// with an outcome for the same (vehicle, stop) inside the match window.
// Safe to run repeatedly, already matched records are untouched.
// Returns the number of records matched
func MatchRecentOutcomes(db *sqlx.DB, windowMinutes int) (int64, error) {
	statementString := "update ab_test_record ab set " +
		"matched = true, " +
		"actual_arrival = o.actual_arrival, " +
		"observed_error_seconds = abs(extract(epoch from (o.actual_arrival - ab.created_at)) - (ab.ml_eta_min * 60)), " +
		"api_error_seconds = abs(extract(epoch from (o.actual_arrival - ab.created_at)) - (ab.api_eta_min * 60)) " +
		"from arrival_outcome o " +
		"where o.vehicle_id = ab.vehicle_id " +
		"and o.stop_id = ab.stop_id " +
		"and ab.matched = false " +
		"and ab.expired = false " +
		"and ab.created_at between o.actual_arrival - make_interval(mins => :window_minutes) and o.actual_arrival"
	query, args, err := database.PrepareNamedQueryFromMap(statementString, db, map[string]interface{}{
		"window_minutes": windowMinutes,
	})
	if err != nil {
		return 0, fmt.Errorf("unable to prepare match sweep statement: %w", err)
	}
	result, err := db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("unable to sweep unmatched ab test records: %w", err)
	}
	return result.RowsAffected()
}

// ExpireUnmatched flags unmatched a/b records older than ageMinutes so they are
// excluded from drift computation. Returns the number of records expired
func ExpireUnmatched(db *sqlx.DB, ageMinutes int) (int64, error) {
	statementString := "update ab_test_record set expired = true " +
		"where matched = false " +
		"and expired = false " +
		"and created_at < current_timestamp - make_interval(mins => :age_minutes)"
	query, args, err := database.PrepareNamedQueryFromMap(statementString, db, map[string]interface{}{
		"age_minutes": ageMinutes,
	})
	if err != nil {
		return 0, fmt.Errorf("unable to prepare expire statement: %w", err)
	}
	result, err := db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("unable to expire unmatched ab test records: %w", err)
	}
	return result.RowsAffected()
}

// GetMatchedWindowStats aggregates matched a/b records created inside the trailing window
func GetMatchedWindowStats(db *sqlx.DB, window time.Duration) (*WindowStats, error) {
	statementString := "select count(*) as sample_count, " +
		"coalesce(avg(observed_error_seconds), 0) as ml_mae_seconds, " +
		"coalesce(avg(api_error_seconds), 0) as api_mae_seconds " +
		"from ab_test_record " +
		"where matched = true " +
		"and created_at > current_timestamp - make_interval(secs => :window_seconds)"
	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, map[string]interface{}{
		"window_seconds": window.Seconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve matched window stats: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var stats WindowStats
	if rows.Next() {
		if err = rows.StructScan(&stats); err != nil {
			return nil, fmt.Errorf("unable to scan matched window stats: %w", err)
		}
	}
	return &stats, nil
}

// GetRouteAggregates retrieves per-route error aggregates over trailing days from the outcome log
func GetRouteAggregates(db *sqlx.DB, trailingDays int) ([]RouteAggregate, error) {
	statementString := "select route_id, " +
		"count(*) as sample_count, " +
		"avg(abs(error_seconds)) as mean_abs_error_seconds, " +
		"percentile_cont(0.5) within group (order by abs(error_seconds)) as median_abs_error_seconds, " +
		"avg(error_seconds) as mean_error_seconds " +
		"from arrival_outcome " +
		"where actual_arrival > current_timestamp - make_interval(days => :trailing_days) " +
		"group by route_id"
	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, map[string]interface{}{
		"trailing_days": trailingDays,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve route aggregates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var results []RouteAggregate
	for rows.Next() {
		var aggregate RouteAggregate
		if err = rows.StructScan(&aggregate); err != nil {
			return nil, fmt.Errorf("unable to scan route aggregate: %w", err)
		}
		results = append(results, aggregate)
	}
	return results, nil
}

// GetRouteHourAggregates retrieves per-route per-hour-of-day signed error aggregates
// over trailing days from the outcome log
func GetRouteHourAggregates(db *sqlx.DB, trailingDays int) ([]RouteHourAggregate, error) {
	statementString := "select route_id, " +
		"extract(hour from actual_arrival)::int as hour_of_day, " +
		"count(*) as sample_count, " +
		"avg(error_seconds) as mean_error_seconds " +
		"from arrival_outcome " +
		"where actual_arrival > current_timestamp - make_interval(days => :trailing_days) " +
		"group by route_id, extract(hour from actual_arrival)"
	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, map[string]interface{}{
		"trailing_days": trailingDays,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve route hour aggregates: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var results []RouteHourAggregate
	for rows.Next() {
		var aggregate RouteHourAggregate
		if err = rows.StructScan(&aggregate); err != nil {
			return nil, fmt.Errorf("unable to scan route hour aggregate: %w", err)
		}
		results = append(results, aggregate)
	}
	return results, nil
}

// GetRouteReliability retrieves per-route reliability over trailing days of matched a/b records,
// ordered by reliability score descending
func GetRouteReliability(db *sqlx.DB, trailingDays int) ([]RouteReliability, error) {
	statementString := "select route_id, " +
		"avg(observed_error_seconds) as avg_error_seconds, " +
		"avg(case when observed_error_seconds <= 120 then 100.0 else 0.0 end) as within_2min_pct, " +
		"count(*) as prediction_count " +
		"from ab_test_record " +
		"where matched = true " +
		"and created_at > current_timestamp - make_interval(days => :trailing_days) " +
		"group by route_id"
	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, map[string]interface{}{
		"trailing_days": trailingDays,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve route reliability: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var results []RouteReliability
	for rows.Next() {
		var reliability RouteReliability
		if err = rows.StructScan(&reliability); err != nil {
			return nil, fmt.Errorf("unable to scan route reliability: %w", err)
		}
		reliability.ReliabilityScore = ReliabilityScore(reliability.AvgErrorSeconds, reliability.Within2MinPct)
		results = append(results, reliability)
	}
	sortReliabilityByScore(results)
	return results, nil
}

// ReliabilityScore blends the within-two-minutes rate with average error into a 0-100 score
func ReliabilityScore(avgErrorSeconds float64, within2MinPct float64) float64 {
	errorComponent := 100 - avgErrorSeconds/3
	if errorComponent < 0 {
		errorComponent = 0
	}
	score := 0.6*within2MinPct + 0.4*errorComponent
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func sortReliabilityByScore(results []RouteReliability) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].ReliabilityScore > results[j].ReliabilityScore
	})
}
