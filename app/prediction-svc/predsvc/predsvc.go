// Package predsvc assembles and runs the arrival prediction service: the model
// cache, route statistics aggregator, drift monitor, trip planner, a/b test log
// and the web service that fronts them.
package predsvc

import (
	logger "log"
	"os"
	"sync"
	"time"

	"github.com/OpenTransitTools/ridecast/business/data/agency"
	"github.com/OpenTransitTools/ridecast/business/data/arrivals"
	"github.com/OpenTransitTools/ridecast/business/drift"
	"github.com/OpenTransitTools/ridecast/business/mlmodel"
	"github.com/OpenTransitTools/ridecast/business/prediction"
	"github.com/OpenTransitTools/ridecast/business/routestats"
	"github.com/OpenTransitTools/ridecast/business/tripplanner"
	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
)

//Conf contains all configurable parameters in the prediction service
type Conf struct {
	HTTPPort                int
	ModelArtifactPath       string
	AgencyBaseURL           string
	AgencyTripUpdatesURL    string
	AgencyTimeoutSeconds    int
	ArrivalSubject          string
	ServedCorrectionSubject string

	RouteStatsRefreshSeconds int
	RouteStatsTrailingDays   int
	MinimumRouteSamples      int
	MinimumHourSamples       int
	DefaultAbsErrorSeconds   float64

	StopCatalogRefreshSeconds int
	WalkRadiusMiles           float64
	MaxTripOptions            int
	TripScoreTimeoutSeconds   int

	ABQueueSize         int
	MatchSweepSeconds   int
	MatchWindowMinutes  int
	ExpireUnmatchedMins int

	DriftWindowHours        int
	DriftMinimumSampleCount int

	ReliabilityTrailingDays int
}

//normalizeWindows keeps the unmatched expiry age at or beyond the match window.
//records flagged expired are excluded from matching, so a shorter expiry age would
//silently lose the tail of the match window from the drift sample
func (c Conf) normalizeWindows(log *logger.Logger) Conf {
	if c.ExpireUnmatchedMins < c.MatchWindowMinutes {
		log.Printf("raising unmatched expiry age from %d to %d minutes to cover the match window",
			c.ExpireUnmatchedMins, c.MatchWindowMinutes)
		c.ExpireUnmatchedMins = c.MatchWindowMinutes
	}
	return c
}

//StartPredictionService starts all routines for serving corrected arrival predictions
//shuts down all routines after receiving on shutdownSignal
func StartPredictionService(log *logger.Logger,
	db *sqlx.DB,
	natsConn *nats.Conn,
	shutdownSignal chan os.Signal,
	conf Conf) error {

	conf = conf.normalizeWindows(log)

	//create shared objects

	log.Println("Creating shared prediction service structures")
	log.Println("Creating model cache")
	modelCache := mlmodel.MakeCache(log, conf.ModelArtifactPath)
	log.Println("Creating route statistics aggregator")
	statsAggregator := routestats.MakeAggregator(log, routestats.MakeDBProvider(db), routestats.Conf{
		TrailingDays:           conf.RouteStatsTrailingDays,
		MinimumRouteSamples:    conf.MinimumRouteSamples,
		MinimumHourSamples:     conf.MinimumHourSamples,
		DefaultAbsErrorSeconds: conf.DefaultAbsErrorSeconds,
	})
	log.Println("Creating agency client")
	agencyClient := agency.MakeClient(log, conf.AgencyBaseURL, conf.AgencyTripUpdatesURL,
		time.Duration(conf.AgencyTimeoutSeconds)*time.Second)
	log.Println("Creating stop catalog")
	stopCatalog := tripplanner.MakeStopCatalog(log, agencyClient)
	log.Println("Creating a/b test log")
	abLog := prediction.MakeABLog(log,
		prediction.MakeDBRecorder(db),
		prediction.MakeNatsDestination(natsConn, conf.ServedCorrectionSubject),
		conf.ABQueueSize)
	log.Println("Creating predictor")
	predictor := prediction.MakePredictor(log, modelCache, statsAggregator, abLog)
	log.Println("Creating drift monitor")
	driftMonitor := drift.MakeMonitor(log, drift.MakeDBProvider(db), modelCache, drift.Conf{
		WindowHours:        conf.DriftWindowHours,
		MinimumSampleCount: conf.DriftMinimumSampleCount,
	})
	log.Println("Creating trip planner")
	planner := tripplanner.MakePlanner(log, stopCatalog, agencyClient, predictor, statsAggregator,
		tripplanner.Conf{
			WalkRadiusMiles:     conf.WalkRadiusMiles,
			MaxOptions:          conf.MaxTripOptions,
			ScoreTimeoutSeconds: conf.TripScoreTimeoutSeconds,
		})
	log.Println("Done creating shared prediction service structures")

	srv := createServer(log, predictor, driftMonitor, planner,
		makeDBReliabilityProvider(db), conf.ReliabilityTrailingDays, conf.HTTPPort)

	// start up background routines
	wg := sync.WaitGroup{}
	routeStatsShutdown := make(chan bool, 1)
	stopCatalogShutdown := make(chan bool, 1)
	abLogShutdown := make(chan bool, 1)
	matcherShutdown := make(chan bool, 1)
	arrivalListenerShutdown := make(chan bool, 1)
	webServiceShutdown := make(chan bool, 1)

	log.Println("Starting route statistics refresh loop")
	go statsAggregator.RunRefreshLoop(&wg, conf.RouteStatsRefreshSeconds, routeStatsShutdown)
	log.Println("Starting stop catalog refresh loop")
	go stopCatalog.RunRefreshLoop(&wg, conf.StopCatalogRefreshSeconds, stopCatalogShutdown)
	log.Println("Starting a/b test log writer")
	go abLog.Run(&wg, abLogShutdown)
	log.Println("Starting outcome matcher loop")
	go runMatcherLoop(log, &wg, db, conf.MatchSweepSeconds, conf.MatchWindowMinutes,
		conf.ExpireUnmatchedMins, matcherShutdown)
	log.Println("Starting arrival listener")
	go runArrivalListener(log, &wg, natsConn, db, conf.ArrivalSubject, conf.MatchWindowMinutes,
		arrivalListenerShutdown)
	log.Println("Starting web service")
	go runWebService(log, &wg, srv, webServiceShutdown)

	select {
	case <-shutdownSignal:
		log.Printf("Exiting on shutdown signal, shutting down subroutines")
		routeStatsShutdown <- true
		stopCatalogShutdown <- true
		abLogShutdown <- true
		matcherShutdown <- true
		arrivalListenerShutdown <- true
		webServiceShutdown <- true
		wg.Wait()
		log.Printf("Subroutines shut down, exiting prediction service")

	}
	return nil
}

//runMatcherLoop periodically sweeps unmatched a/b records against recorded outcomes
//and ages out records that never matched
func runMatcherLoop(log *logger.Logger,
	wg *sync.WaitGroup,
	db *sqlx.DB,
	sweepSeconds int,
	matchWindowMinutes int,
	expireUnmatchedMins int,
	shutdownSignal chan bool) {
	wg.Add(1)
	defer wg.Done()

	sleepChan := make(chan bool)

	loopDuration := time.Duration(sweepSeconds) * time.Second
	sleep := loopDuration

	for {

		go func() {
			time.Sleep(sleep)
			sleepChan <- true
		}()

		select {
		case <-shutdownSignal:
			log.Printf("Exiting outcome matcher loop on shutdown signal")
			return
		case <-sleepChan:
		}

		start := time.Now()

		matched, err := arrivals.MatchRecentOutcomes(db, matchWindowMinutes)
		if err != nil {
			log.Printf("outcome match sweep failed: %v", err)
		} else if matched > 0 {
			matchedOutcomes.Add(float64(matched))
		}

		expired, err := arrivals.ExpireUnmatched(db, expireUnmatchedMins)
		if err != nil {
			log.Printf("expiring unmatched a/b records failed: %v", err)
		}

		log.Printf("outcome matcher sweep matched %d records, expired %d", matched, expired)

		workTook := time.Now().Sub(start)

		if workTook >= loopDuration {
			sleep = time.Duration(0)
		} else {
			sleep = loopDuration - workTook
		}
	}
}
