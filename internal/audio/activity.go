package audio

import (
	"math"
	"time"
)

// Detector defaults.
const (
	DefaultThresholdDB = -35.0
	DefaultInterval    = 250 * time.Millisecond
)

// Detector spots voiced frames by RMS energy. It reports at most one voiced
// frame per interval so callers are not flooded while the user talks.
type Detector struct {
	thresholdDB float64
	interval    time.Duration
	now         func() time.Time
	last        time.Time
}

// NewDetector returns a detector treating frames at or above thresholdDB as
// speech.
func NewDetector(thresholdDB float64, interval time.Duration) *Detector {
	return &Detector{thresholdDB: thresholdDB, interval: interval, now: time.Now}
}

// Voiced reports whether samples contain speech and no voiced frame was
// reported within the interval.
func (d *Detector) Voiced(samples []float32) bool {
	if energyDB(samples) < d.thresholdDB {
		return false
	}
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.interval {
		return false
	}
	d.last = now
	return true
}

func energyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
