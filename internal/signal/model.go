package signal

import (
	"fmt"
	"math"
	"os"

	"bfx_trader/pkg/persist"
)

// Model is a logistic classifier over the indicator features with Platt
// calibration on the output. Files are JSON snapshots produced offline.
type Model struct {
	Features []string           `json:"features"`
	Weights  map[string]float64 `json:"weights"`
	Bias     float64            `json:"bias"`
	PlattA   float64            `json:"platt_a"`
	PlattB   float64            `json:"platt_b"`
	Means    map[string]float64 `json:"means"`
	Stddevs  map[string]float64 `json:"stddevs"`
	Version  string             `json:"version"`
}

// LoadModel reads a model snapshot. A missing file is not an error: the
// engine falls back to the heuristic mapping.
func LoadModel(path string) (*Model, error) {
	if path == "" {
		return nil, nil
	}
	var m Model
	if err := persist.LoadJSON(path, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load signal model: %w", err)
	}
	if len(m.Features) == 0 || len(m.Weights) == 0 {
		return nil, fmt.Errorf("signal model %s has no features", path)
	}
	return &m, nil
}

// Probability maps a feature vector to a calibrated up-move probability.
func (m *Model) Probability(features map[string]float64) float64 {
	z := m.Bias
	for _, name := range m.Features {
		v := features[name]
		if sd, ok := m.Stddevs[name]; ok && sd > 0 {
			v = (v - m.Means[name]) / sd
		}
		z += m.Weights[name] * v
	}
	raw := sigmoid(z)
	if m.PlattA == 0 && m.PlattB == 0 {
		return raw
	}
	return sigmoid(m.PlattA*logit(raw) + m.PlattB)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func logit(p float64) float64 {
	const eps = 1e-9
	if p < eps {
		p = eps
	}
	if p > 1-eps {
		p = 1 - eps
	}
	return math.Log(p / (1 - p))
}
