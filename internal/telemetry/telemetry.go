package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sample is one recorded measurement. The harness records probe timings and
// provisioner invocations; Flush writes them through the structured logger.
type Sample struct {
	Name      string
	Value     float64
	Unit      string
	Labels    map[string]string
	Timestamp time.Time
}

// Collector buffers samples until flushed. Disabled collectors drop
// everything, so call sites never need to guard.
type Collector struct {
	mu      sync.Mutex
	samples []Sample
	enabled bool
}

func NewCollector(enabled bool) *Collector {
	return &Collector{enabled: enabled}
}

// Counter records an occurrence count.
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.add(Sample{Name: name, Value: value, Labels: labels, Timestamp: time.Now()})
}

// Timer records a duration in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.add(Sample{Name: name, Value: float64(d.Milliseconds()), Unit: "ms", Labels: labels, Timestamp: time.Now()})
}

func (c *Collector) add(s Sample) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

// Samples returns a copy of the buffered samples.
func (c *Collector) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sample, len(c.samples))
	copy(out, c.samples)
	return out
}

// Flush logs and clears the buffered samples.
func (c *Collector) Flush() {
	c.mu.Lock()
	samples := c.samples
	c.samples = nil
	c.mu.Unlock()
	for _, s := range samples {
		evt := log.Info().
			Str("name", s.Name).
			Float64("value", s.Value).
			Time("timestamp", s.Timestamp)
		if s.Unit != "" {
			evt = evt.Str("unit", s.Unit)
		}
		if len(s.Labels) > 0 {
			evt = evt.Interface("labels", s.Labels)
		}
		evt.Msg("telemetry_sample")
	}
}

var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal replaces the process-wide collector.
func InitGlobal(enabled bool) {
	globalMu.Lock()
	globalCollector = NewCollector(enabled)
	globalMu.Unlock()
}

// Global returns the process-wide collector, creating a disabled one on
// first use.
func Global() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false)
	}
	return globalCollector
}

// TimerGlobal records a duration on the process-wide collector.
func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	Global().Timer(name, d, labels)
}

// CounterGlobal records a count on the process-wide collector.
func CounterGlobal(name string, value float64, labels map[string]string) {
	Global().Counter(name, value, labels)
}

// Shutdown flushes whatever the process-wide collector buffered.
func Shutdown() {
	Global().Flush()
}
