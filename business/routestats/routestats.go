// Package routestats maintains an in-memory snapshot of per-route historical
// error statistics, recomputed wholesale on an interval and published by atomic
// swap so request-path readers never block and never observe a partial table.
package routestats

import (
	"fmt"
	logger "log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/jmoiron/sqlx"
)

// RouteStats holds one route's aggregated error statistics. Default is true on
// entries synthesized for routes without sufficient history
type RouteStats struct {
	RouteId               string
	SampleCount           int
	MeanAbsErrorSeconds   float64
	MedianAbsErrorSeconds float64
	MeanErrorSeconds      float64
	HourMeanErrorSeconds  map[int]float64
	Default               bool
}

// HourError returns the mean signed error for hourOfDay, falling back to the
// route-level mean when that hour lacks sufficient samples
func (r *RouteStats) HourError(hourOfDay int) float64 {
	if r.HourMeanErrorSeconds != nil {
		if hourError, present := r.HourMeanErrorSeconds[hourOfDay]; present {
			return hourError
		}
	}
	return r.MeanErrorSeconds
}

// snapshot is one immutable generation of the statistics table
type snapshot struct {
	builtAt time.Time
	byRoute map[string]*RouteStats
}

// routeStatsDataProvider provides outcome aggregates for snapshot builds
type routeStatsDataProvider interface {
	GetRouteAggregates(trailingDays int) ([]arrivals.RouteAggregate, error)
	GetRouteHourAggregates(trailingDays int) ([]arrivals.RouteHourAggregate, error)
}

// dbRouteStatsDataProvider uses a database connection to retrieve outcome aggregates
type dbRouteStatsDataProvider struct {
	db *sqlx.DB
}

func (d *dbRouteStatsDataProvider) GetRouteAggregates(trailingDays int) ([]arrivals.RouteAggregate, error) {
	return arrivals.GetRouteAggregates(d.db, trailingDays)
}

func (d *dbRouteStatsDataProvider) GetRouteHourAggregates(trailingDays int) ([]arrivals.RouteHourAggregate, error) {
	return arrivals.GetRouteHourAggregates(d.db, trailingDays)
}

// MakeDBProvider builds the database backed provider for MakeAggregator
func MakeDBProvider(db *sqlx.DB) *dbRouteStatsDataProvider {
	return &dbRouteStatsDataProvider{db: db}
}

// Conf contains all configurable parameters in the aggregator
type Conf struct {
	TrailingDays           int
	MinimumRouteSamples    int
	MinimumHourSamples     int
	DefaultAbsErrorSeconds float64
}

// Aggregator recomputes route statistics in the background and serves them from
// an atomically swapped snapshot. GetRouteStats never blocks on a refresh
type Aggregator struct {
	log      *logger.Logger
	provider routeStatsDataProvider
	conf     Conf
	current  atomic.Pointer[snapshot]
}

// MakeAggregator builds Aggregator. The snapshot is empty until the first refresh
func MakeAggregator(log *logger.Logger, provider routeStatsDataProvider, conf Conf) *Aggregator {
	aggregator := &Aggregator{
		log:      log,
		provider: provider,
		conf:     conf,
	}
	aggregator.current.Store(&snapshot{byRoute: map[string]*RouteStats{}})
	return aggregator
}

// GetRouteStats returns statistics for routeId, or the global default entry when
// the route has insufficient recent history. Never returns nil
func (a *Aggregator) GetRouteStats(routeId string) *RouteStats {
	stats, present := a.current.Load().byRoute[routeId]
	if !present {
		return a.defaultStats(routeId)
	}
	return stats
}

// LastRefreshed returns when the current snapshot was built, zero before the first refresh
func (a *Aggregator) LastRefreshed() time.Time {
	return a.current.Load().builtAt
}

// defaultStats synthesizes the fallback entry served for routes without history
func (a *Aggregator) defaultStats(routeId string) *RouteStats {
	return &RouteStats{
		RouteId:               routeId,
		MeanAbsErrorSeconds:   a.conf.DefaultAbsErrorSeconds,
		MedianAbsErrorSeconds: a.conf.DefaultAbsErrorSeconds,
		Default:               true,
	}
}

// RefreshNow builds and publishes a new snapshot. On provider failure the previous
// snapshot remains in service and an error is returned for the caller to log
func (a *Aggregator) RefreshNow(now time.Time) error {
	routeAggregates, err := a.provider.GetRouteAggregates(a.conf.TrailingDays)
	if err != nil {
		return fmt.Errorf("unable to retrieve route aggregates, keeping previous snapshot: %w", err)
	}
	hourAggregates, err := a.provider.GetRouteHourAggregates(a.conf.TrailingDays)
	if err != nil {
		return fmt.Errorf("unable to retrieve route hour aggregates, keeping previous snapshot: %w", err)
	}

	byRoute := make(map[string]*RouteStats)
	for _, aggregate := range routeAggregates {
		if aggregate.SampleCount < a.conf.MinimumRouteSamples {
			continue
		}
		byRoute[aggregate.RouteId] = &RouteStats{
			RouteId:               aggregate.RouteId,
			SampleCount:           aggregate.SampleCount,
			MeanAbsErrorSeconds:   aggregate.MeanAbsErrorSeconds,
			MedianAbsErrorSeconds: aggregate.MedianAbsErrorSeconds,
			MeanErrorSeconds:      aggregate.MeanErrorSeconds,
			HourMeanErrorSeconds:  make(map[int]float64),
		}
	}
	for _, aggregate := range hourAggregates {
		if aggregate.SampleCount < a.conf.MinimumHourSamples {
			continue
		}
		stats, present := byRoute[aggregate.RouteId]
		if !present {
			// route itself fell below the minimum sample gate
			continue
		}
		stats.HourMeanErrorSeconds[aggregate.HourOfDay] = aggregate.MeanErrorSeconds
	}

	a.current.Store(&snapshot{
		builtAt: now,
		byRoute: byRoute,
	})
	return nil
}

// RunRefreshLoop refreshes the snapshot every refreshSeconds until shutdownSignal
func (a *Aggregator) RunRefreshLoop(wg *sync.WaitGroup,
	refreshSeconds int,
	shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	sleepChan := make(chan bool)

	loopDuration := time.Duration(refreshSeconds) * time.Second
	sleep := time.Duration(0)

	for {

		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			a.log.Printf("Exiting route statistics refresh loop on shutdown signal")
			return
		case <-sleepChan:
		}

		start := time.Now()

		if err := a.RefreshNow(start); err != nil {
			a.log.Printf("route statistics refresh failed: %v", err)
		} else {
			a.log.Printf("route statistics snapshot rebuilt with %d routes",
				len(a.current.Load().byRoute))
		}

		workTook := time.Now().Sub(start)

		if workTook >= loopDuration {
			sleep = time.Duration(0)
		} else {
			sleep = loopDuration - workTook
		}
	}
}
