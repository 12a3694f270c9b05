package predsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	predictionsServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridecast_predictions_served_total",
		Help: "Number of corrected arrival predictions served.",
	})
	tripPlansServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ridecast_trip_plans_total",
		Help: "Number of trip plan requests by outcome.",
	}, []string{"outcome"})
	arrivalObservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridecast_arrival_observations_total",
		Help: "Number of arrival observations received from the ingestion feed.",
	})
	matchedOutcomes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ridecast_matched_outcomes_total",
		Help: "Number of served corrections matched against observed arrivals.",
	})
)
