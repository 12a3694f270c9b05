package tripplanner

import (
	"context"
	"errors"
	logger "log"
	"os"
	"testing"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/agency"
	"github.com/OpenTransitTools/ridecast/business/prediction"
	"github.com/OpenTransitTools/ridecast/business/routestats"
	"github.com/OpenTransitTools/ridecast/foundation/httpclient"
	"github.com/matryer/is"
)

func testLog() *logger.Logger {
	return logger.New(os.Stdout, "TEST : ", logger.LstdFlags)
}

type stubStopSource struct {
	stops    []agency.Stop
	info     httpclient.RemoteResourceInfo
	getCalls int
}

func (s *stubStopSource) GetStops(_ context.Context) ([]agency.Stop, error) {
	s.getCalls++
	return s.stops, nil
}

func (s *stubStopSource) StopsResourceInfo(_ context.Context) (httpclient.RemoteResourceInfo, error) {
	return s.info, nil
}

type stubEstimator struct {
	etaMinutesByRoute map[string]float64
	slowRoutes        map[string]bool
	failingRoutes     map[string]bool
}

func (s *stubEstimator) NextArrival(ctx context.Context, routeId string, stopId string, at time.Time) (agency.Arrival, bool, error) {
	if s.slowRoutes[routeId] {
		<-ctx.Done()
		return agency.Arrival{}, false, ctx.Err()
	}
	if s.failingRoutes[routeId] {
		return agency.Arrival{}, false, errors.New("feed unavailable")
	}
	minutes, present := s.etaMinutesByRoute[routeId]
	if !present {
		return agency.Arrival{}, false, nil
	}
	return agency.Arrival{
		RouteId:     routeId,
		StopId:      stopId,
		VehicleId:   "vehicle-" + routeId,
		ArrivalTime: at.Add(time.Duration(minutes * float64(time.Minute))),
	}, true, nil
}

// stubPredictor passes the raw eta through as the median with a fixed band around it
type stubPredictor struct{}

func (s *stubPredictor) Predict(_ string, _ string, _ string, apiEtaMin float64, _ time.Time) prediction.Band {
	return prediction.Band{Low: apiEtaMin * 0.9, Median: apiEtaMin, High: apiEtaMin * 1.2}
}

type stubAccuracySource struct {
	maeByRoute map[string]float64
}

func (s *stubAccuracySource) GetRouteStats(routeId string) *routestats.RouteStats {
	if mae, present := s.maeByRoute[routeId]; present {
		return &routestats.RouteStats{RouteId: routeId, MeanAbsErrorSeconds: mae}
	}
	return &routestats.RouteStats{RouteId: routeId, MeanAbsErrorSeconds: 45, Default: true}
}

// testStops lays out two north-south corridors a few blocks apart. routes 12 and 19
// run north from the origin area to the destination area, route 77 only serves the
// origin area, and route 31's stop sequence runs the wrong way
func testStops() []agency.Stop {
	return []agency.Stop{
		{StopId: "A1", Name: "5th & Main", Latitude: 45.5200, Longitude: -122.6800,
			Routes: []string{"12", "31"}, RouteSequence: map[string]int{"12": 5, "31": 10}},
		{StopId: "B7", Name: "5th & Northgate", Latitude: 45.5280, Longitude: -122.6800,
			Routes: []string{"12", "31"}, RouteSequence: map[string]int{"12": 9, "31": 4}},
		{StopId: "C3", Name: "Park & Main", Latitude: 45.5199, Longitude: -122.6812,
			Routes: []string{"19"}, RouteSequence: map[string]int{"19": 2}},
		{StopId: "C9", Name: "Park & Northgate", Latitude: 45.5281, Longitude: -122.6812,
			Routes: []string{"19"}, RouteSequence: map[string]int{"19": 7}},
		{StopId: "X1", Name: "Transit Center", Latitude: 45.5202, Longitude: -122.6790,
			Routes: []string{"77"}},
	}
}

func loadedCatalog(t *testing.T, stops []agency.Stop) *StopCatalog {
	t.Helper()
	catalog := MakeStopCatalog(testLog(), &stubStopSource{stops: stops})
	if err := catalog.RefreshNow(context.Background()); err != nil {
		t.Fatalf("unable to load stop catalog: %v", err)
	}
	return catalog
}

func makeTestPlanner(catalog *StopCatalog, estimator arrivalEstimator, maeByRoute map[string]float64) *Planner {
	return MakePlanner(testLog(),
		catalog,
		estimator,
		&stubPredictor{},
		&stubAccuracySource{maeByRoute: maeByRoute},
		Conf{WalkRadiusMiles: 0.4, MaxOptions: 5, ScoreTimeoutSeconds: 2})
}

func TestPlanner_PlanTrip_ranksByTotalDuration(t *testing.T) {
	is := is.New(t)
	now := time.Date(2022, 5, 10, 9, 0, 0, 0, time.UTC)

	estimator := &stubEstimator{etaMinutesByRoute: map[string]float64{"12": 8, "19": 3, "77": 1}}
	planner := makeTestPlanner(loadedCatalog(t, testStops()), estimator, nil)

	// origin just south of A1/C3, destination just north of B7/C9
	options, err := planner.PlanTrip(context.Background(), 45.5201, -122.6800, 45.5281, -122.6800, now)
	is.NoErr(err)
	is.Equal(len(options), 2)

	// route 19's bus arrives five minutes sooner over nearly identical geometry
	is.Equal(options[0].RouteId, "19")
	is.Equal(options[1].RouteId, "12")
	for _, option := range options {
		is.True(option.RouteId != "77") // route serving only the origin side is discarded
		is.True(option.RouteId != "31") // stop sequence runs away from the destination
		wantTotal := option.WalkToMin + option.NextBusMin + option.RideMin + option.WalkFromMin
		if option.TotalMin != wantTotal {
			t.Errorf("route %s total %f does not sum from its legs %f", option.RouteId, option.TotalMin, wantTotal)
		}
	}
}

func TestPlanner_PlanTrip_breaksTiesByRouteReliability(t *testing.T) {
	is := is.New(t)
	now := time.Date(2022, 5, 10, 9, 0, 0, 0, time.UTC)

	// both routes share the same stops and the same eta, only history differs
	stops := []agency.Stop{
		{StopId: "A1", Latitude: 45.5200, Longitude: -122.6800, Routes: []string{"12", "19"}},
		{StopId: "B7", Latitude: 45.5280, Longitude: -122.6800, Routes: []string{"12", "19"}},
	}
	estimator := &stubEstimator{etaMinutesByRoute: map[string]float64{"12": 5, "19": 5}}
	planner := makeTestPlanner(loadedCatalog(t, stops), estimator,
		map[string]float64{"12": 95, "19": 30})

	options, err := planner.PlanTrip(context.Background(), 45.5201, -122.6800, 45.5281, -122.6800, now)
	is.NoErr(err)
	is.Equal(len(options), 2)
	is.Equal(options[0].RouteId, "19")
}

func TestPlanner_PlanTrip_nearestWrongDirectionStopFallsBackToFartherStop(t *testing.T) {
	is := is.New(t)
	now := time.Date(2022, 5, 10, 9, 0, 0, 0, time.UTC)

	// route 31 runs north. the destination stop nearest the rider sits earlier in
	// the route's stop sequence than the origin, but another in-radius stop
	// further up the sequence still makes the trip possible
	stops := []agency.Stop{
		{StopId: "O1", Latitude: 45.5200, Longitude: -122.6800,
			Routes: []string{"31"}, RouteSequence: map[string]int{"31": 10}},
		{StopId: "D1", Latitude: 45.5282, Longitude: -122.6800,
			Routes: []string{"31"}, RouteSequence: map[string]int{"31": 4}},
		{StopId: "D2", Latitude: 45.5290, Longitude: -122.6800,
			Routes: []string{"31"}, RouteSequence: map[string]int{"31": 20}},
	}
	estimator := &stubEstimator{etaMinutesByRoute: map[string]float64{"31": 6}}
	planner := makeTestPlanner(loadedCatalog(t, stops), estimator, nil)

	options, err := planner.PlanTrip(context.Background(), 45.5201, -122.6800, 45.5281, -122.6800, now)
	is.NoErr(err)
	is.Equal(len(options), 1)
	is.Equal(options[0].RouteId, "31")
	is.Equal(options[0].DestStop, "D2")
}

func TestPlanner_PlanTrip_noCommonRouteIsNotPlannable(t *testing.T) {
	is := is.New(t)
	stops := []agency.Stop{
		{StopId: "A1", Latitude: 45.5200, Longitude: -122.6800, Routes: []string{"12"}},
		{StopId: "B7", Latitude: 45.5280, Longitude: -122.6800, Routes: []string{"19"}},
	}
	planner := makeTestPlanner(loadedCatalog(t, stops), &stubEstimator{}, nil)

	_, err := planner.PlanTrip(context.Background(), 45.5201, -122.6800, 45.5281, -122.6800, time.Now())
	is.True(errors.Is(err, ErrNotPlannable))
}

func TestPlanner_PlanTrip_noNearbyStops(t *testing.T) {
	is := is.New(t)
	planner := makeTestPlanner(loadedCatalog(t, testStops()), &stubEstimator{}, nil)

	// origin is across town, far outside the walking radius
	_, err := planner.PlanTrip(context.Background(), 45.6500, -122.6800, 45.5281, -122.6800, time.Now())
	is.True(errors.Is(err, ErrNoNearbyStops))
}

func TestPlanner_PlanTrip_rejectsInvalidCoordinates(t *testing.T) {
	planner := makeTestPlanner(loadedCatalog(t, testStops()), &stubEstimator{}, nil)

	_, err := planner.PlanTrip(context.Background(), 91, -122.68, 45.5281, -122.6800, time.Now())
	if err == nil || errors.Is(err, ErrNoNearbyStops) || errors.Is(err, ErrNotPlannable) {
		t.Errorf("expected a coordinate validation error, got %v", err)
	}
}

func TestPlanner_PlanTrip_sameStopTripIsWaitDominated(t *testing.T) {
	is := is.New(t)
	now := time.Date(2022, 5, 10, 9, 0, 0, 0, time.UTC)

	stops := []agency.Stop{
		{StopId: "A1", Latitude: 45.5200, Longitude: -122.6800, Routes: []string{"12"}},
	}
	estimator := &stubEstimator{etaMinutesByRoute: map[string]float64{"12": 10}}
	planner := makeTestPlanner(loadedCatalog(t, stops), estimator, nil)

	// both endpoints within a tenth of a mile of the only stop
	options, err := planner.PlanTrip(context.Background(), 45.5207, -122.6800, 45.5194, -122.6800, now)
	is.NoErr(err)
	is.Equal(len(options), 1)
	option := options[0]
	is.Equal(option.OriginStop, "A1")
	is.Equal(option.DestStop, "A1")
	is.True(option.WalkToMin < 2.1)
	is.True(option.WalkFromMin < 2.1)
	// wait plus boarding dwarfs the walking legs
	is.True(option.NextBusMin+option.RideMin > option.WalkToMin+option.WalkFromMin)
}

func TestPlanner_PlanTrip_slowRouteIsSkippedNotFatal(t *testing.T) {
	is := is.New(t)
	now := time.Date(2022, 5, 10, 9, 0, 0, 0, time.UTC)

	estimator := &stubEstimator{
		etaMinutesByRoute: map[string]float64{"12": 8},
		slowRoutes:        map[string]bool{"19": true},
	}
	catalog := loadedCatalog(t, testStops())
	planner := MakePlanner(testLog(), catalog, estimator, &stubPredictor{}, &stubAccuracySource{},
		Conf{WalkRadiusMiles: 0.4, MaxOptions: 5, ScoreTimeoutSeconds: 1})

	start := time.Now()
	options, err := planner.PlanTrip(context.Background(), 45.5201, -122.6800, 45.5281, -122.6800, now)
	is.NoErr(err)
	is.Equal(len(options), 1)
	is.Equal(options[0].RouteId, "12")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected shared deadline to bound the call near one second, took %v", elapsed)
	}
}

func TestPlanner_PlanTrip_failingRouteIsSkippedNotFatal(t *testing.T) {
	is := is.New(t)
	now := time.Date(2022, 5, 10, 9, 0, 0, 0, time.UTC)

	estimator := &stubEstimator{
		etaMinutesByRoute: map[string]float64{"12": 8},
		failingRoutes:     map[string]bool{"19": true},
	}
	planner := makeTestPlanner(loadedCatalog(t, testStops()), estimator, nil)

	options, err := planner.PlanTrip(context.Background(), 45.5201, -122.6800, 45.5281, -122.6800, now)
	is.NoErr(err)
	is.Equal(len(options), 1)
	is.Equal(options[0].RouteId, "12")
}

func TestStopCatalog_RefreshNow_skipsRetrievalWhenUnchanged(t *testing.T) {
	is := is.New(t)
	source := &stubStopSource{
		stops: testStops(),
		info:  httpclient.RemoteResourceInfo{ETag: "v1"},
	}
	catalog := MakeStopCatalog(testLog(), source)

	is.NoErr(catalog.RefreshNow(context.Background()))
	is.Equal(catalog.StopCount(), 5)
	is.Equal(source.getCalls, 1)

	// unchanged etag, roster retrieval skipped
	is.NoErr(catalog.RefreshNow(context.Background()))
	is.Equal(source.getCalls, 1)

	// upstream publishes a new roster
	source.info = httpclient.RemoteResourceInfo{ETag: "v2"}
	source.stops = testStops()[:3]
	is.NoErr(catalog.RefreshNow(context.Background()))
	is.Equal(source.getCalls, 2)
	is.Equal(catalog.StopCount(), 3)
}

func TestStopCatalog_NearbyStops_sortedNearestFirst(t *testing.T) {
	is := is.New(t)
	catalog := loadedCatalog(t, testStops())

	nearby := catalog.NearbyStops(45.5201, -122.6800, 0.4)
	is.True(len(nearby) >= 3)
	is.Equal(nearby[0].stop.StopId, "A1")
	for i := 1; i < len(nearby); i++ {
		if nearby[i].miles < nearby[i-1].miles {
			t.Errorf("stops not sorted by distance at index %d", i)
		}
	}
}
