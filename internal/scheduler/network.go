package scheduler

import (
	"sync"
	"time"

	"gigamap/internal/runtime"
)

type Condition int

const (
	Good Condition = iota
	Fair
	Poor
)

func (c Condition) String() string {
	switch c {
	case Good:
		return "good"
	case Fair:
		return "fair"
	default:
		return "poor"
	}
}

const (
	networkWindow    = 30 * time.Second
	maxDownloadTimes = 20
	maxFailures      = 10
	fairDownloadTime = 500 * time.Millisecond
	poorDownloadTime = 2 * time.Second
	poorFailureRate  = 0.3
)

type sample struct {
	at       time.Time
	duration time.Duration
}

// NetworkMonitor classifies recent fetch performance and scales the fetch
// concurrency limit down when the network degrades.
type NetworkMonitor struct {
	clock runtime.Clock

	mu        sync.Mutex
	downloads []sample
	failures  []time.Time
}

func NewNetworkMonitor(clock runtime.Clock) *NetworkMonitor {
	return &NetworkMonitor{clock: clock}
}

func (m *NetworkMonitor) RecordSuccess(d time.Duration) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	m.downloads = append(m.downloads, sample{at: now, duration: d})
	if len(m.downloads) > maxDownloadTimes {
		m.downloads = m.downloads[1:]
	}
}

func (m *NetworkMonitor) RecordFailure() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	m.failures = append(m.failures, now)
	if len(m.failures) > maxFailures {
		m.failures = m.failures[1:]
	}
}

func (m *NetworkMonitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-networkWindow)
	i := 0
	for i < len(m.downloads) && !m.downloads[i].at.After(cutoff) {
		i++
	}
	m.downloads = m.downloads[i:]
	j := 0
	for j < len(m.failures) && !m.failures[j].After(cutoff) {
		j++
	}
	m.failures = m.failures[j:]
}

// AverageDownload is the mean duration of successful fetches in the window.
func (m *NetworkMonitor) AverageDownload() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.clock.Now())
	return m.averageLocked()
}

func (m *NetworkMonitor) averageLocked() time.Duration {
	if len(m.downloads) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range m.downloads {
		total += s.duration
	}
	return total / time.Duration(len(m.downloads))
}

func (m *NetworkMonitor) Condition() Condition {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.clock.Now())

	failureRate := float64(len(m.failures)) / maxFailures
	avg := m.averageLocked()
	switch {
	case failureRate > poorFailureRate, avg > poorDownloadTime:
		return Poor
	case avg > fairDownloadTime:
		return Fair
	default:
		return Good
	}
}

// Limit scales base by the current condition, never below one.
func (m *NetworkMonitor) Limit(base int) int {
	switch m.Condition() {
	case Fair:
		return max(base*3/4, 1)
	case Poor:
		return max(base/2, 1)
	default:
		return base
	}
}
