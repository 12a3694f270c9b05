// Package mlmodel loads and caches the correction model artifact produced by
// offline training. The artifact is an immutable, versioned file, superseded
// atomically when training publishes a newer version.
package mlmodel

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Quantile labels present in every artifact
const (
	QuantileLow    = "0.10"
	QuantileMedian = "0.50"
	QuantileHigh   = "0.90"
)

var requiredQuantiles = []string{QuantileLow, QuantileMedian, QuantileHigh}

// QuantileCoefficients holds one quantile's linear coefficient set. Applying it to
// a feature vector yields a signed correction in seconds on the raw agency eta
type QuantileCoefficients struct {
	Intercept float64   `json:"intercept"`
	Weights   []float64 `json:"weights"`
}

// Artifact is a loaded correction model. Written once by training, never mutated
type Artifact struct {
	ModelName          string                          `json:"model_name"`
	Version            int                             `json:"version"`
	TrainedAt          time.Time                       `json:"trained_at"`
	BaselineMAESeconds float64                         `json:"baseline_mae_seconds"`
	FeatureNames       []string                        `json:"feature_names"`
	Quantiles          map[string]QuantileCoefficients `json:"quantiles"`

	modTime time.Time
}

// LoadArtifact reads and validates a model artifact file
func LoadArtifact(path string) (*Artifact, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read model artifact %s: %w", path, err)
	}
	var artifact Artifact
	if err = json.Unmarshal(contents, &artifact); err != nil {
		return nil, fmt.Errorf("unable to unmarshal model artifact %s: %w", path, err)
	}
	if err = validateArtifact(&artifact); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	return &artifact, nil
}

// validateArtifact checks the artifact holds everything serving requires
func validateArtifact(artifact *Artifact) error {
	if artifact.Version <= 0 {
		return fmt.Errorf("version %d is not positive", artifact.Version)
	}
	if artifact.TrainedAt.IsZero() {
		return fmt.Errorf("trained_at is missing")
	}
	if artifact.BaselineMAESeconds <= 0 {
		return fmt.Errorf("baseline_mae_seconds %f is not positive", artifact.BaselineMAESeconds)
	}
	if len(artifact.FeatureNames) == 0 {
		return fmt.Errorf("feature_names is empty")
	}
	for _, quantile := range requiredQuantiles {
		coefficients, present := artifact.Quantiles[quantile]
		if !present {
			return fmt.Errorf("quantile %s is missing", quantile)
		}
		if len(coefficients.Weights) != len(artifact.FeatureNames) {
			return fmt.Errorf("quantile %s has %d weights for %d features",
				quantile, len(coefficients.Weights), len(artifact.FeatureNames))
		}
	}
	return nil
}

// CorrectionSeconds applies one quantile's coefficients to a feature vector,
// returning the signed correction in seconds on the raw agency eta
func (a *Artifact) CorrectionSeconds(quantile string, features []float64) (float64, error) {
	coefficients, present := a.Quantiles[quantile]
	if !present {
		return 0, fmt.Errorf("model %s version %d has no quantile %s", a.ModelName, a.Version, quantile)
	}
	if len(features) != len(coefficients.Weights) {
		return 0, fmt.Errorf("model %s version %d expects %d features, got %d",
			a.ModelName, a.Version, len(coefficients.Weights), len(features))
	}
	correction := coefficients.Intercept
	for i, weight := range coefficients.Weights {
		correction += weight * features[i]
	}
	return correction, nil
}

// AgeDays returns the artifact's age since training as of "now"
func (a *Artifact) AgeDays(now time.Time) float64 {
	return now.Sub(a.TrainedAt).Hours() / 24
}
