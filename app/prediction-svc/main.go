package main

import (
	"fmt"
	"github.com/OpenTransitTools/ridecast/app/prediction-svc/predsvc"
	"github.com/OpenTransitTools/ridecast/foundation/database"
	"github.com/ardanlabs/conf"
	"github.com/nats-io/nats.go"
	logger "log"
	"os"
	"os/signal"
	"syscall"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "PREDICTION_SVC : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger) error {
	var cfg struct {
		conf.Version
		Args conf.Args
		DB   struct {
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,noprint"`
			Host         string `conf:"default:0.0.0.0"`
			Name         string `conf:"default:postgres"`
			MaxOpenConns int    `conf:"default:10"`
			DisableTLS   bool   `conf:"default:true"`
		}
		NATS struct {
			Url                     string `conf:"default:nats://localhost:4222"`
			ArrivalSubject          string `conf:"default:arrival-observations"`
			ServedCorrectionSubject string `conf:"default:served-corrections"`
		}
		Web struct {
			HTTPPort int `conf:"default:8181"`
		}
		Model struct {
			ArtifactPath string `conf:"default:./arrival_correction_model.json"`
		}
		Agency struct {
			BaseUrl        string `conf:"default:https://developer.trimet.org/ws/v1"`
			TripUpdatesUrl string `conf:"default:https://developer.trimet.org/ws/V1/TripUpdate"`
			TimeoutSeconds int    `conf:"default:15"`
		}
		Stats struct {
			RefreshSeconds         int     `conf:"default:300"`
			TrailingDays           int     `conf:"default:7"`
			MinimumRouteSamples    int     `conf:"default:20"`
			MinimumHourSamples     int     `conf:"default:5"`
			DefaultAbsErrorSeconds float64 `conf:"default:90"`
		}
		Trip struct {
			StopCatalogRefreshSeconds int     `conf:"default:1800"`
			WalkRadiusMiles           float64 `conf:"default:0.4"`
			MaxOptions                int     `conf:"default:5"`
			ScoreTimeoutSeconds       int     `conf:"default:2"`
		}
		ABTest struct {
			QueueSize           int `conf:"default:256"`
			MatchSweepSeconds   int `conf:"default:60"`
			MatchWindowMinutes  int `conf:"default:45"`
			ExpireUnmatchedMins int `conf:"default:90"`
		}
		Drift struct {
			WindowHours        int `conf:"default:48"`
			MinimumSampleCount int `conf:"default:50"`
		}
		Reliability struct {
			TrailingDays int `conf:"default:7"`
		}
	}
	cfg.Version.SVN = build
	cfg.Version.Desc = "Serve ML corrected arrival predictions, drift reports and trip plans"
	const prefix = "PREDICTION"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			printUsage(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Printf("main : Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	// =========================================================================
	// Start Database

	log.Println("main: Initializing database support")

	db, err := database.Open(database.Config{
		User:         cfg.DB.User,
		Password:     cfg.DB.Password,
		Host:         cfg.DB.Host,
		Name:         cfg.DB.Name,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		DisableTLS:   cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		err = db.Close()
		if err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	// =========================================================================
	// Start NATS

	log.Printf("main: Connecting to NATS at %s", cfg.NATS.Url)

	natsConn, err := nats.Connect(cfg.NATS.Url)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer func() {
		log.Println("main: Draining NATS connection")
		err = natsConn.Drain()
		if err != nil {
			log.Printf("main: error draining NATS connection: %v", err)
		}
	}()

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	return predsvc.StartPredictionService(log, db, natsConn, shutdown, predsvc.Conf{
		HTTPPort:                cfg.Web.HTTPPort,
		ModelArtifactPath:       cfg.Model.ArtifactPath,
		AgencyBaseURL:           cfg.Agency.BaseUrl,
		AgencyTripUpdatesURL:    cfg.Agency.TripUpdatesUrl,
		AgencyTimeoutSeconds:    cfg.Agency.TimeoutSeconds,
		ArrivalSubject:          cfg.NATS.ArrivalSubject,
		ServedCorrectionSubject: cfg.NATS.ServedCorrectionSubject,

		RouteStatsRefreshSeconds: cfg.Stats.RefreshSeconds,
		RouteStatsTrailingDays:   cfg.Stats.TrailingDays,
		MinimumRouteSamples:      cfg.Stats.MinimumRouteSamples,
		MinimumHourSamples:       cfg.Stats.MinimumHourSamples,
		DefaultAbsErrorSeconds:   cfg.Stats.DefaultAbsErrorSeconds,

		StopCatalogRefreshSeconds: cfg.Trip.StopCatalogRefreshSeconds,
		WalkRadiusMiles:           cfg.Trip.WalkRadiusMiles,
		MaxTripOptions:            cfg.Trip.MaxOptions,
		TripScoreTimeoutSeconds:   cfg.Trip.ScoreTimeoutSeconds,

		ABQueueSize:         cfg.ABTest.QueueSize,
		MatchSweepSeconds:   cfg.ABTest.MatchSweepSeconds,
		MatchWindowMinutes:  cfg.ABTest.MatchWindowMinutes,
		ExpireUnmatchedMins: cfg.ABTest.ExpireUnmatchedMins,

		DriftWindowHours:        cfg.Drift.WindowHours,
		DriftMinimumSampleCount: cfg.Drift.MinimumSampleCount,

		ReliabilityTrailingDays: cfg.Reliability.TrailingDays,
	})

}

func printUsage(confUsage string) {
	fmt.Println(confUsage)
}
