package policy

import "time"

// ThrottleConfig bounds the adaptive delay between successful items.
type ThrottleConfig struct {
	Base       time.Duration
	Min        time.Duration
	Max        time.Duration
	Window     int
	MinSamples int
	PoorBelow  float64
	GoodAbove  float64
	Factor     float64
	// SlowAbove widens the delay when the average item takes longer than
	// this, regardless of quality. Zero disables the latency signal.
	SlowAbove time.Duration
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	if c.Base < 0 {
		c.Base = 0
	}
	if c.Min <= 0 {
		c.Min = c.Base / 4
	}
	if c.Max <= 0 {
		c.Max = c.Base * 4
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Window <= 0 {
		c.Window = 10
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 3
	}
	if c.MinSamples > c.Window {
		c.MinSamples = c.Window
	}
	if c.PoorBelow <= 0 {
		c.PoorBelow = 60
	}
	if c.GoodAbove <= 0 {
		c.GoodAbove = 85
	}
	if c.Factor <= 1 {
		c.Factor = 1.5
	}
	return c
}

type sample struct {
	quality int
	took    time.Duration
}

// Throttle is a negative-feedback controller over a rolling window of
// recent outcomes. Poor average quality or slow items widen the delay
// multiplicatively; good quality eases it back. Between the bands it holds.
type Throttle struct {
	cfg     ThrottleConfig
	samples []sample
	next    int
	delay   time.Duration
}

func NewThrottle(cfg ThrottleConfig) *Throttle {
	t := &Throttle{}
	t.Reset(cfg)
	return t
}

// Reset drops the window and starts again from cfg.Base.
func (t *Throttle) Reset(cfg ThrottleConfig) {
	t.cfg = cfg.withDefaults()
	t.samples = t.samples[:0]
	t.next = 0
	t.delay = t.clamp(t.cfg.Base)
}

func (t *Throttle) Delay() time.Duration { return t.delay }

// Observe records one successful item and returns the delay to wait before
// the next one.
func (t *Throttle) Observe(quality int, took time.Duration) time.Duration {
	s := sample{quality: quality, took: took}
	if len(t.samples) < t.cfg.Window {
		t.samples = append(t.samples, s)
	} else {
		t.samples[t.next] = s
	}
	t.next = (t.next + 1) % t.cfg.Window

	if len(t.samples) < t.cfg.MinSamples {
		return t.delay
	}
	avgQ, avgTook, _ := t.Averages()
	slow := t.cfg.SlowAbove > 0 && avgTook > t.cfg.SlowAbove
	switch {
	case avgQ < t.cfg.PoorBelow || slow:
		t.delay = t.clamp(time.Duration(float64(max(t.delay, time.Second)) * t.cfg.Factor))
	case avgQ > t.cfg.GoodAbove:
		t.delay = t.clamp(time.Duration(float64(t.delay) / t.cfg.Factor))
	}
	return t.delay
}

// Averages over the current window.
func (t *Throttle) Averages() (quality float64, took time.Duration, n int) {
	n = len(t.samples)
	if n == 0 {
		return 0, 0, 0
	}
	var q int
	var d time.Duration
	for _, s := range t.samples {
		q += s.quality
		d += s.took
	}
	return float64(q) / float64(n), d / time.Duration(n), n
}

func (t *Throttle) clamp(d time.Duration) time.Duration {
	if d < t.cfg.Min {
		return t.cfg.Min
	}
	if d > t.cfg.Max {
		return t.cfg.Max
	}
	return d
}
