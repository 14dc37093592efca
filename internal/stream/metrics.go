package stream

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts relay activity
type Metrics struct {
	sessionsOpened  atomic.Uint64
	sessionsActive  atomic.Int64
	framesForwarded atomic.Uint64
	resumes         atomic.Uint64
	// sessions ended because their feed could not be opened or resumed
	feedFailures    atomic.Uint64
}

// Snapshot is a point-in-time copy of Metrics
type Snapshot struct {
	SessionsOpened  uint64 `json:"sessions_opened_total"`
	SessionsActive  int64  `json:"sessions_active"`
	FramesForwarded uint64 `json:"frames_forwarded_total"`
	Resumes         uint64 `json:"feed_resumes_total"`
	FeedFailures    uint64 `json:"feed_failures_total"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		SessionsOpened:  m.sessionsOpened.Load(),
		SessionsActive:  m.sessionsActive.Load(),
		FramesForwarded: m.framesForwarded.Load(),
		Resumes:         m.resumes.Load(),
		FeedFailures:    m.feedFailures.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
