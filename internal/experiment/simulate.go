package experiment

import (
	"errors"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/copyleftdev/PRISM/internal/refinement"
)

// Observation is an observed reflection centroid.
type Observation struct {
	H   refinement.Miller
	X   float64
	Y   float64
	Phi float64
}

// Noise describes the Gaussian error added to simulated centroids.
// Zero sigmas give exact predictions.
type Noise struct {
	SigmaXY  float64
	SigmaPhi float64
	Seed     uint64
}

// Simulate predicts every index in hkls against exp and returns one
// observation per solution that lands on the detector, perturbed by noise.
// Indices that never diffract are skipped.
func Simulate(exp *Experiment, hkls []refinement.Miller, noise Noise) ([]Observation, error) {
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	src := rand.NewPCG(noise.Seed, noise.Seed^0x9e3779b97f4a7c15)
	xy := distuv.Normal{Mu: 0, Sigma: noise.SigmaXY, Src: src}
	ph := distuv.Normal{Mu: 0, Sigma: noise.SigmaPhi, Src: src}

	pred := NewPredictor(exp)
	obs := make([]Observation, 0, 2*len(hkls))
	for _, h := range hkls {
		preds, err := pred.Predict(h)
		if errors.Is(err, ErrNoIntersection) || errors.Is(err, ErrMissesDetector) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, p := range preds {
			o := Observation{H: h, X: p.X, Y: p.Y, Phi: p.Phi}
			if noise.SigmaXY > 0 {
				o.X += xy.Rand()
				o.Y += xy.Rand()
			}
			if noise.SigmaPhi > 0 {
				o.Phi += ph.Rand()
			}
			obs = append(obs, o)
		}
	}
	return obs, nil
}

// MillerRange returns every non-zero index with components in [-n, n].
func MillerRange(n int) []refinement.Miller {
	out := make([]refinement.Miller, 0, (2*n+1)*(2*n+1)*(2*n+1)-1)
	for h := -n; h <= n; h++ {
		for k := -n; k <= n; k++ {
			for l := -n; l <= n; l++ {
				m := refinement.Miller{h, k, l}
				if !m.IsZero() {
					out = append(out, m)
				}
			}
		}
	}
	return out
}
