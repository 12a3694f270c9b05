// Package tripplanner produces ranked walk-ride-walk itineraries between two
// coordinates using the in-memory stop catalog, live next-arrival estimates and
// corrected arrival predictions.
package tripplanner

import (
	"context"
	"errors"
	"fmt"
	logger "log"
	"sort"
	"sync"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/agency"
	"github.com/OpenTransitTools/ridecast/business/prediction"
	"github.com/OpenTransitTools/ridecast/business/routestats"
)

// ErrNoNearbyStops indicates no stops exist within walking distance of the origin
// or destination
var ErrNoNearbyStops = errors.New("no stops within walking distance")

// ErrNotPlannable indicates stops exist on both sides but no route serves both,
// or no candidate route could be scored in time
var ErrNotPlannable = errors.New("no route serves both origin and destination")

// TripOption is one ranked walk-ride-walk itinerary
type TripOption struct {
	RouteId     string          `json:"routeId"`
	OriginStop  string          `json:"originStop"`
	DestStop    string          `json:"destStop"`
	WalkToMin   float64         `json:"walkToMin"`
	WalkFromMin float64         `json:"walkFromMin"`
	RideMin     float64         `json:"rideMin"`
	NextBusMin  float64         `json:"nextBusMin"`
	TotalMin    float64         `json:"totalMin"`
	MLEta       prediction.Band `json:"mlEta"`
}

// arrivalEstimator provides the next live vehicle arrival for a route at a stop
type arrivalEstimator interface {
	NextArrival(ctx context.Context, routeId string, stopId string, at time.Time) (agency.Arrival, bool, error)
}

// tripPredictor produces a corrected arrival band from a raw agency eta
type tripPredictor interface {
	Predict(routeId string, stopId string, vehicleId string, apiEtaMin float64, at time.Time) prediction.Band
}

// routeAccuracySource provides historical route error statistics for ranking ties
type routeAccuracySource interface {
	GetRouteStats(routeId string) *routestats.RouteStats
}

// Conf contains all configurable parameters in the planner
type Conf struct {
	WalkRadiusMiles     float64
	MaxOptions          int
	ScoreTimeoutSeconds int
}

// Planner finds and ranks trip options between two coordinates
type Planner struct {
	log        *logger.Logger
	catalog    *StopCatalog
	estimator  arrivalEstimator
	predictor  tripPredictor
	routeStats routeAccuracySource
	conf       Conf
}

// MakePlanner builds Planner
func MakePlanner(log *logger.Logger,
	catalog *StopCatalog,
	estimator arrivalEstimator,
	predictor tripPredictor,
	routeStats routeAccuracySource,
	conf Conf) *Planner {
	return &Planner{
		log:        log,
		catalog:    catalog,
		estimator:  estimator,
		predictor:  predictor,
		routeStats: routeStats,
		conf:       conf,
	}
}

// candidate is one route with its nearest qualifying stop on each side
type candidate struct {
	routeId     string
	origin      stopDistance
	destination stopDistance
}

// PlanTrip returns up to MaxOptions itineraries from origin to destination as of "now",
// ranked ascending by total estimated duration. routes that cannot be scored within the
// shared deadline are skipped rather than stalling the response
func (p *Planner) PlanTrip(ctx context.Context, olat, olon, dlat, dlon float64, now time.Time) ([]TripOption, error) {
	if !validLatLng(olat, olon) || !validLatLng(dlat, dlon) {
		return nil, fmt.Errorf("coordinates out of range: origin (%v,%v) destination (%v,%v)",
			olat, olon, dlat, dlon)
	}

	originStops := p.catalog.NearbyStops(olat, olon, p.conf.WalkRadiusMiles)
	destStops := p.catalog.NearbyStops(dlat, dlon, p.conf.WalkRadiusMiles)
	if len(originStops) == 0 || len(destStops) == 0 {
		return nil, ErrNoNearbyStops
	}

	candidates := commonRouteCandidates(originStops, destStops)
	if len(candidates) == 0 {
		return nil, ErrNotPlannable
	}

	options := p.scoreCandidates(ctx, candidates, now)
	if len(options) == 0 {
		return nil, ErrNotPlannable
	}

	sortOptions(options, p.routeStats)
	if len(options) > p.conf.MaxOptions {
		options = options[:p.conf.MaxOptions]
	}
	return options, nil
}

// commonRouteCandidates intersects the routes serving the origin-side and
// destination-side stops, pairing each route with its nearest qualifying stop pair.
// a pairing whose stop sequences indicate travel the wrong way is passed over in
// favor of the next nearest in-radius pairing that travels toward the destination
func commonRouteCandidates(originStops, destStops []stopDistance) []candidate {
	// nearest-first input order is preserved per route
	originsByRoute := make(map[string][]stopDistance)
	for _, sd := range originStops {
		for _, routeId := range sd.stop.Routes {
			originsByRoute[routeId] = append(originsByRoute[routeId], sd)
		}
	}

	var candidates []candidate
	seen := make(map[string]bool)
	for _, sd := range destStops {
		for _, routeId := range sd.stop.Routes {
			origins, present := originsByRoute[routeId]
			if !present || seen[routeId] {
				continue
			}
			for _, origin := range origins {
				// same stop on both sides is a valid degenerate trip
				if origin.stop.StopId == sd.stop.StopId ||
					travelsTowardDestination(routeId, origin.stop, sd.stop) {
					seen[routeId] = true
					candidates = append(candidates, candidate{routeId: routeId, origin: origin, destination: sd})
					break
				}
			}
		}
	}
	return candidates
}

// travelsTowardDestination checks stop sequence ordering when the roster provides it.
// when either sequence is unknown the route is given the benefit of the doubt
func travelsTowardDestination(routeId string, origin, destination agency.Stop) bool {
	originSeq, originKnown := origin.SequenceOnRoute(routeId)
	destSeq, destKnown := destination.SequenceOnRoute(routeId)
	if !originKnown || !destKnown {
		return true
	}
	return originSeq < destSeq
}

// sortOptions orders options ascending by total duration, breaking ties with the
// historically more reliable route first
func sortOptions(options []TripOption, routeStats routeAccuracySource) {
	sort.Slice(options, func(i, j int) bool {
		if options[i].TotalMin != options[j].TotalMin {
			return options[i].TotalMin < options[j].TotalMin
		}
		return routeStats.GetRouteStats(options[i].RouteId).MeanAbsErrorSeconds <
			routeStats.GetRouteStats(options[j].RouteId).MeanAbsErrorSeconds
	})
}

// scoreCandidates scores every candidate route concurrently under one shared deadline
// and returns whatever completed in time
func (p *Planner) scoreCandidates(ctx context.Context, candidates []candidate, now time.Time) []TripOption {
	scoreCtx, cancel := context.WithTimeout(ctx, time.Duration(p.conf.ScoreTimeoutSeconds)*time.Second)
	defer cancel()

	results := make(chan *TripOption, len(candidates))
	wg := sync.WaitGroup{}
	for _, c := range candidates {
		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			results <- p.scoreCandidate(scoreCtx, c, now)
		}(c)
	}
	wg.Wait()
	close(results)

	var options []TripOption
	for option := range results {
		if option != nil {
			options = append(options, *option)
		}
	}
	return options
}

// scoreCandidate builds one trip option, or nil when the route has no upcoming
// arrival or its live data cannot be retrieved in time
func (p *Planner) scoreCandidate(ctx context.Context, c candidate, now time.Time) *TripOption {
	arrival, found, err := p.estimator.NextArrival(ctx, c.routeId, c.origin.stop.StopId, now)
	if err != nil {
		p.log.Printf("skipping route %s in trip plan, next arrival unavailable: %v", c.routeId, err)
		return nil
	}
	if !found {
		return nil
	}

	apiEtaMin := arrival.ArrivalTime.Sub(now).Minutes()
	if apiEtaMin < 0 {
		apiEtaMin = 0
	}
	band := p.predictor.Predict(c.routeId, c.origin.stop.StopId, arrival.VehicleId, apiEtaMin, now)

	walkTo := walkMinutes(c.origin.miles)
	walkFrom := walkMinutes(c.destination.miles)
	rideMiles := latLngDistanceMiles(c.origin.stop.Latitude, c.origin.stop.Longitude,
		c.destination.stop.Latitude, c.destination.stop.Longitude)
	ride := rideMinutes(rideMiles)

	return &TripOption{
		RouteId:     c.routeId,
		OriginStop:  c.origin.stop.StopId,
		DestStop:    c.destination.stop.StopId,
		WalkToMin:   walkTo,
		WalkFromMin: walkFrom,
		RideMin:     ride,
		NextBusMin:  band.Median,
		TotalMin:    walkTo + band.Median + ride + walkFrom,
		MLEta:       band,
	}
}
