package timer

import (
	"time"

	"shopfloor-backend/internal/model"
)

// SessionState returns the state of a persisted stage session.
func SessionState(s *model.TimeSession) State {
	return Of(s.StartedAt, s.AccumulatedMinutes, s.IsPaused, s.CompletedAt, s.DurationMinutes)
}

// ApplySession writes st back onto the flat session record.
func ApplySession(s *model.TimeSession, st State) {
	switch v := st.(type) {
	case Running:
		s.StartedAt = v.SegmentStart
		s.AccumulatedMinutes = v.Banked
		s.IsPaused = false
	case Paused:
		s.AccumulatedMinutes = v.Banked
		s.IsPaused = true
	case Closed:
		completed := v.CompletedAt
		duration := v.Duration
		s.CompletedAt = &completed
		s.DurationMinutes = &duration
		s.AccumulatedMinutes = v.Duration
		s.IsPaused = false
		s.AutoStopped = v.AutoStopped
		s.AutoStopReason = v.Reason
	}
}

// WorkerState returns the state of an active batch worker entry.
func WorkerState(w *model.BatchWorker) State {
	return Of(w.StartedAt, w.AccumulatedMinutes, w.IsPaused, nil, nil)
}

// ApplyWorker writes an open state back onto the worker entry. Closed states
// are not representable on an active entry and are ignored.
func ApplyWorker(w *model.BatchWorker, st State) {
	switch v := st.(type) {
	case Running:
		w.StartedAt = v.SegmentStart
		w.AccumulatedMinutes = v.Banked
		w.IsPaused = false
	case Paused:
		w.AccumulatedMinutes = v.Banked
		w.IsPaused = true
	}
}

// LiveMinutes is the credited time of an open worker entry as of now.
func LiveMinutes(w *model.BatchWorker, now time.Time) float64 {
	return WorkerState(w).Elapsed(now)
}
