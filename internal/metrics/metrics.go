package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics counts what happens to frames. All methods are safe for concurrent use.
type Metrics struct {
	framesSeen     atomic.Int64
	framesAdmitted atomic.Int64
	framesDropped  atomic.Int64
	poolDrops      atomic.Int64
	framesDone     atomic.Int64
	staleRejected  atomic.Int64
	totalErrors    atomic.Int64
	eventsEmitted  atomic.Int64
	eventsDropped  atomic.Int64
	totalLatency   atomic.Int64
	lastFrameTime  atomic.Int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncrementSeen() {
	m.framesSeen.Add(1)
}

func (m *Metrics) IncrementAdmitted() {
	m.framesAdmitted.Add(1)
}

// IncrementDropped counts frames turned away by the rate limiter.
func (m *Metrics) IncrementDropped() {
	m.framesDropped.Add(1)
}

// IncrementPoolDrops counts admitted frames released because every worker was busy.
func (m *Metrics) IncrementPoolDrops() {
	m.poolDrops.Add(1)
}

func (m *Metrics) RecordProcessed(duration time.Duration) {
	m.framesDone.Add(1)
	m.totalLatency.Add(duration.Milliseconds())
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementStale() {
	m.staleRejected.Add(1)
}

func (m *Metrics) IncrementErrors() {
	m.totalErrors.Add(1)
}

func (m *Metrics) IncrementEvents() {
	m.eventsEmitted.Add(1)
}

func (m *Metrics) IncrementEventDrops() {
	m.eventsDropped.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesSeen     int64
	FramesAdmitted int64
	FramesDropped  int64
	PoolDrops      int64
	FramesDone     int64
	StaleRejected  int64
	Errors         int64
	EventsEmitted  int64
	EventsDropped  int64
	AvgLatencyMs   float64
	LastFrameUnix  int64
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		FramesSeen:     m.framesSeen.Load(),
		FramesAdmitted: m.framesAdmitted.Load(),
		FramesDropped:  m.framesDropped.Load(),
		PoolDrops:      m.poolDrops.Load(),
		FramesDone:     m.framesDone.Load(),
		StaleRejected:  m.staleRejected.Load(),
		Errors:         m.totalErrors.Load(),
		EventsEmitted:  m.eventsEmitted.Load(),
		EventsDropped:  m.eventsDropped.Load(),
		LastFrameUnix:  m.lastFrameTime.Load(),
	}
	if s.FramesDone > 0 {
		s.AvgLatencyMs = float64(m.totalLatency.Load()) / float64(s.FramesDone)
	}
	return s
}
