package tripplanner

import (
	"context"
	logger "log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/agency"
	"github.com/OpenTransitTools/ridecast/foundation/httpclient"
)

// stopCatalogSource provides the stop roster and a cheap way to check it for changes
type stopCatalogSource interface {
	GetStops(ctx context.Context) ([]agency.Stop, error)
	StopsResourceInfo(ctx context.Context) (httpclient.RemoteResourceInfo, error)
}

// stopSnapshot holds an immutable stop roster. replaced whole on refresh
type stopSnapshot struct {
	stops         []agency.Stop
	resourceInfo  httpclient.RemoteResourceInfo
	lastRefreshed time.Time
}

// StopCatalog holds the agency stop roster in memory, refreshed in the background
// when the upstream resource changes. reads never block refreshes
type StopCatalog struct {
	log     *logger.Logger
	source  stopCatalogSource
	current atomic.Pointer[stopSnapshot]
}

// MakeStopCatalog builds StopCatalog. empty until the first refresh completes
func MakeStopCatalog(log *logger.Logger, source stopCatalogSource) *StopCatalog {
	catalog := &StopCatalog{
		log:    log,
		source: source,
	}
	catalog.current.Store(&stopSnapshot{})
	return catalog
}

// stopDistance pairs a stop with its distance from a query point
type stopDistance struct {
	stop  agency.Stop
	miles float64
}

// NearbyStops returns all stops within radiusMiles of the coordinate, nearest first.
// returns an empty slice before the first refresh completes
func (c *StopCatalog) NearbyStops(lat, lon, radiusMiles float64) []stopDistance {
	snapshot := c.current.Load()
	var results []stopDistance
	for _, stop := range snapshot.stops {
		miles := latLngDistanceMiles(lat, lon, stop.Latitude, stop.Longitude)
		if miles <= radiusMiles {
			results = append(results, stopDistance{stop: stop, miles: miles})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].miles < results[j].miles
	})
	return results
}

// StopCount returns the number of stops in the current roster
func (c *StopCatalog) StopCount() int {
	return len(c.current.Load().stops)
}

// RefreshNow retrieves the stop roster if the upstream resource has changed since the
// last refresh. on any error the previous roster remains in service
func (c *StopCatalog) RefreshNow(ctx context.Context) error {
	previous := c.current.Load()

	// only trust the change check when the server gave us a validator last time,
	// otherwise a headerless endpoint would never refresh
	hasValidator := len(previous.resourceInfo.ETag) > 0 || previous.resourceInfo.LastModifiedTimestamp > 0

	info, err := c.source.StopsResourceInfo(ctx)
	if err == nil && len(previous.stops) > 0 && hasValidator &&
		!previous.resourceInfo.IsDifferent(info.ETag, info.LastModifiedTimestamp) {
		return nil
	}
	if err != nil {
		c.log.Printf("unable to check stop roster for changes, attempting full retrieval: %v", err)
	}

	stops, err := c.source.GetStops(ctx)
	if err != nil {
		return err
	}
	c.current.Store(&stopSnapshot{
		stops:         stops,
		resourceInfo:  info,
		lastRefreshed: time.Now(),
	})
	c.log.Printf("loaded %d stops into catalog", len(stops))
	return nil
}

// RunRefreshLoop refreshes the stop roster every refreshSeconds until shutdownSignal fires.
// the first refresh happens immediately so the catalog is usable soon after startup
func (c *StopCatalog) RunRefreshLoop(wg *sync.WaitGroup,
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
			c.log.Printf("Exiting stop catalog refresh loop on shutdown signal")
			return
		case <-sleepChan:
		}

		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := c.RefreshNow(ctx)
		cancel()
		if err != nil {
			c.log.Printf("stop catalog refresh failed: %v", err)
		}

		workTook := time.Now().Sub(start)

		sleep = loopDuration - workTook
		if sleep < time.Second {
			sleep = time.Second
		}
	}
}
