package syncer

import (
	"fmt"
	"time"
)

const responseWindow = 100

// Stats are cumulative sync counters.
type Stats struct {
	TotalSyncs          int        `json:"totalSyncs"`
	SuccessfulSyncs     int        `json:"successfulSyncs"`
	FailedSyncs         int        `json:"failedSyncs"`
	LastError           string     `json:"lastError,omitempty"`
	LastErrorTime       *time.Time `json:"lastErrorTime,omitempty"`
	AverageResponseTime int64      `json:"averageResponseTime"`
	SuccessRate         string     `json:"successRate"`
}

// stats is owned by the loop goroutine.
type stats struct {
	Stats
	window []time.Duration
	next   int
}

func (s *stats) success(rt time.Duration) {
	s.TotalSyncs++
	s.SuccessfulSyncs++
	s.observe(rt)
}

func (s *stats) failure(err error, at time.Time) {
	s.TotalSyncs++
	s.FailedSyncs++
	s.LastError = err.Error()
	s.LastErrorTime = &at
}

// observe keeps the last responseWindow durations in a ring.
func (s *stats) observe(rt time.Duration) {
	if len(s.window) < responseWindow {
		s.window = append(s.window, rt)
	} else {
		s.window[s.next] = rt
		s.next = (s.next + 1) % responseWindow
	}
	var sum time.Duration
	for _, d := range s.window {
		sum += d
	}
	s.AverageResponseTime = (sum / time.Duration(len(s.window))).Milliseconds()
}

func (s *stats) snapshot() Stats {
	out := s.Stats
	if out.TotalSyncs == 0 {
		out.SuccessRate = "0%"
	} else {
		out.SuccessRate = fmt.Sprintf("%.2f%%", float64(out.SuccessfulSyncs)/float64(out.TotalSyncs)*100)
	}
	return out
}
