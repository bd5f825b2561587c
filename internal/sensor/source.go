// Package sensor produces the periodic readings a node publishes
package sensor

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// Source yields one raw reading per call
type Source interface {
	Read() (uint16, error)
}

// Constant always reads the same value
type Constant uint16

func (c Constant) Read() (uint16, error) {
	return uint16(c), nil
}

// Wave simulates a slowly oscillating quantity with uniform noise
type Wave struct {
	Base      float64
	Amplitude float64
	Period    time.Duration
	Noise     float64

	mu    sync.Mutex
	rng   *rand.Rand
	start time.Time
	now   func() time.Time
}

// NewWave creates a wave source seeded with seed
func NewWave(base, amplitude float64, period time.Duration, noise float64, seed uint64) *Wave {
	return &Wave{
		Base:      base,
		Amplitude: amplitude,
		Period:    period,
		Noise:     noise,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		start:     time.Now(),
		now:       time.Now,
	}
}

func (w *Wave) Read() (uint16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.Base
	if w.Period > 0 {
		phase := float64(w.now().Sub(w.start)) / float64(w.Period)
		v += w.Amplitude * math.Sin(2*math.Pi*phase)
	}
	if w.Noise > 0 {
		v += (w.rng.Float64()*2 - 1) * w.Noise
	}
	return clamp(v), nil
}

// Profiles of the simulated sources for the well-known topics, in tenths of a unit
var profiles = map[string]func(seed uint64) Source{
	"temperature": func(seed uint64) Source { return NewWave(220, 30, 10*time.Minute, 4, seed) },
	"humidity":    func(seed uint64) Source { return NewWave(450, 80, 20*time.Minute, 10, seed) },
	"luminosity":  func(seed uint64) Source { return NewWave(600, 500, 30*time.Minute, 25, seed) },
}

// NewSource builds the simulated source named kind. A plain number gives a constant source.
func NewSource(kind string, seed uint64) (Source, error) {
	if build, ok := profiles[strings.ToLower(kind)]; ok {
		return build(seed), nil
	}
	var value uint16
	if _, err := fmt.Sscanf(kind, "%d", &value); err == nil {
		return Constant(value), nil
	}
	return nil, fmt.Errorf("unknown sensor source %q", kind)
}
