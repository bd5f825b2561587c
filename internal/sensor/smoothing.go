package sensor

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultSmoothingWindow is the number of samples the smoother fits
const DefaultSmoothingWindow = 8

// Smoother fits a quadratic to the most recent samples and reports the fitted
// value at the newest one, which takes the edge off single noisy readings.
type Smoother struct {
	window  int
	samples []float64
}

// NewSmoother keeps the last window samples. A window below 3 disables fitting.
func NewSmoother(window int) *Smoother {
	if window <= 0 {
		window = DefaultSmoothingWindow
	}
	return &Smoother{window: window}
}

// Add records v and returns the smoothed value
func (s *Smoother) Add(v uint16) uint16 {
	s.samples = append(s.samples, float64(v))
	if len(s.samples) > s.window {
		s.samples = s.samples[len(s.samples)-s.window:]
	}
	fitted, ok := Fit(s.samples)
	if !ok {
		return v
	}
	return clamp(fitted[len(fitted)-1])
}

// Fit returns the least-squares quadratic through y sampled at t = 0, 1, ..., n-1.
// It needs at least three samples.
func Fit(y []float64) ([]float64, bool) {
	n := len(y)
	if n < 3 {
		return nil, false
	}

	// rows [1, t, t^2]
	x := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		t := float64(i)
		x.Set(i, 0, 1)
		x.Set(i, 1, t)
		x.Set(i, 2, t*t)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, mat.NewVecDense(n, append([]float64(nil), y...))); err != nil {
		return nil, false
	}

	a, b, c := beta.AtVec(0), beta.AtVec(1), beta.AtVec(2)
	fitted := make([]float64, n)
	for i := range fitted {
		t := float64(i)
		fitted[i] = a + b*t + c*t*t
	}
	return fitted, true
}

func clamp(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(math.Round(v))
	}
}
