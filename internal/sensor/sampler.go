package sensor

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/wire"
)

// Sampler reads a source every period and hands each reading to a callback
type Sampler struct {
	topic    wire.Topic
	source   Source
	period   time.Duration
	smoother *Smoother
}

// NewSampler creates a sampler. A nil smoother publishes raw values.
func NewSampler(topic wire.Topic, source Source, period time.Duration, smoother *Smoother) *Sampler {
	return &Sampler{topic: topic, source: source, period: period, smoother: smoother}
}

// Sample takes one reading
func (s *Sampler) Sample() (uint16, error) {
	v, err := s.source.Read()
	if err != nil {
		return 0, err
	}
	if s.smoother != nil {
		v = s.smoother.Add(v)
	}
	return v, nil
}

// Run samples until ctx is done. Failed reads are logged and skipped.
func (s *Sampler) Run(ctx context.Context, emit func(topic wire.Topic, value uint16)) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := s.Sample()
			if err != nil {
				logger.WarnF("Fail to read sensor for topic %d, details: %v", s.topic, err)
				continue
			}
			emit(s.topic, v)
		}
	}
}
