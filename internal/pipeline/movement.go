package pipeline

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

const (
	movementWindow = 3 * time.Second
	maxSamples     = 20
	// minConfidence is the prediction confidence below which nothing is
	// prefetched.
	minConfidence = 0.3
)

type sample struct {
	center orb.Point
	at     time.Time
}

// movement tracks recent viewport centres and extrapolates where the view is
// heading. Not safe for concurrent use; the pipeline guards it with its
// mutex.
type movement struct {
	samples    []sample
	velocity   orb.Point // centre units per second
	moving     bool
	confidence float64
}

// observe records the centre of vp at now and recomputes the velocity as the
// mean of the pairwise velocities inside the window.
func (m *movement) observe(vp Viewport, now time.Time) {
	cutoff := now.Add(-movementWindow)
	keep := m.samples[:0]
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	m.samples = append(keep, sample{center: vp.Center, at: now})
	if len(m.samples) > maxSamples {
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}

	var sum orb.Point
	n := 0
	for i := 1; i < len(m.samples); i++ {
		dt := m.samples[i].at.Sub(m.samples[i-1].at).Seconds()
		if dt <= 0 {
			continue
		}
		sum[0] += (m.samples[i].center[0] - m.samples[i-1].center[0]) / dt
		sum[1] += (m.samples[i].center[1] - m.samples[i-1].center[1]) / dt
		n++
	}
	if n == 0 {
		m.velocity, m.moving, m.confidence = orb.Point{}, false, 0
		return
	}
	m.velocity = orb.Point{sum[0] / float64(n), sum[1] / float64(n)}
	m.moving = true
	m.confidence = min(math.Hypot(m.velocity[0], m.velocity[1])*100, 1)
}

// predict returns the centre expected ahead from now, if the movement is
// confident enough to act on.
func (m *movement) predict(ahead time.Duration) (orb.Point, bool) {
	if !m.moving || m.confidence < minConfidence || ahead <= 0 || len(m.samples) == 0 {
		return orb.Point{}, false
	}
	last := m.samples[len(m.samples)-1].center
	s := ahead.Seconds()
	return orb.Point{last[0] + m.velocity[0]*s, last[1] + m.velocity[1]*s}, true
}
