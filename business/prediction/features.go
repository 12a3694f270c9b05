package prediction

import (
	"time"

	"github.com/OpenTransitTools/ridecast/business/routestats"
)

// FeatureNames lists the model feature vector in its fixed order. Training and
// serving share this contract through the artifact's feature_names field
var FeatureNames = []string{
	"api_eta_min",
	"hour",
	"weekday",
	"month",
	"holiday",
	"route_mean_abs_error_sec",
	"route_hour_mean_error_sec",
	"route_sample_count",
}

// buildFeatures assembles the feature vector for one prediction request
func buildFeatures(apiEtaMin float64,
	at time.Time,
	holiday bool,
	stats *routestats.RouteStats) []float64 {

	holidayFeature := 0.0
	if holiday {
		holidayFeature = 1.0
	}
	return []float64{
		apiEtaMin,
		float64(at.Hour()),
		float64(at.Weekday()),
		float64(at.Month()),
		holidayFeature,
		stats.MeanAbsErrorSeconds,
		stats.HourError(at.Hour()),
		float64(stats.SampleCount),
	}
}
