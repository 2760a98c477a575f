// Package timer models the lifecycle of a work-session timer as a sum type.
//
// A timer is Running (a segment is in progress on top of banked minutes), Paused
// (only banked minutes) or Closed (a final duration). Idle is represented by the
// absence of an open record and has no variant.
package timer

import (
	"math"
	"time"
)

// State is one of Running, Paused or Closed.
type State interface {
	// Elapsed returns the minutes credited so far as of now.
	Elapsed(now time.Time) float64
	isState()
}

// Running is an open timer with a segment in progress since SegmentStart.
type Running struct {
	SegmentStart time.Time
	Banked       float64
}

// Paused is an open timer whose banked minutes reflect all time up to the pause.
type Paused struct {
	Banked float64
}

// Closed is a finished timer.
type Closed struct {
	CompletedAt time.Time
	Duration    float64
	AutoStopped bool
	Reason      string
}

func (Running) isState() {}
func (Paused) isState()  {}
func (Closed) isState()  {}

func (r Running) Elapsed(now time.Time) float64 { return r.Banked + Minutes(r.SegmentStart, now) }
func (p Paused) Elapsed(time.Time) float64      { return p.Banked }
func (c Closed) Elapsed(time.Time) float64      { return c.Duration }

// Minutes returns the non-negative number of minutes between from and to.
func Minutes(from, to time.Time) float64 {
	d := to.Sub(from).Minutes()
	if d < 0 {
		return 0
	}
	return d
}

// Round2 rounds v to two decimals for display.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Of builds the state from the flat persisted fields.
func Of(startedAt time.Time, accumulated float64, isPaused bool, completedAt *time.Time, duration *float64) State {
	if completedAt != nil {
		d := accumulated
		if duration != nil {
			d = *duration
		}
		return Closed{CompletedAt: *completedAt, Duration: d}
	}
	if isPaused {
		return Paused{Banked: accumulated}
	}
	return Running{SegmentStart: startedAt, Banked: accumulated}
}

// Pause banks the running segment.
func Pause(s State, now time.Time) (Paused, error) {
	switch st := s.(type) {
	case Running:
		return Paused{Banked: st.Elapsed(now)}, nil
	case Paused:
		return Paused{}, Errorf(ErrInvalidState, "timer is already paused")
	default:
		return Paused{}, Errorf(ErrInvalidState, "timer is not running")
	}
}

// Resume starts a fresh segment at now on top of the banked minutes.
func Resume(s State, now time.Time) (Running, error) {
	switch st := s.(type) {
	case Paused:
		return Running{SegmentStart: now, Banked: st.Banked}, nil
	case Running:
		return Running{}, Errorf(ErrInvalidState, "timer is not paused")
	default:
		return Running{}, Errorf(ErrInvalidState, "timer is not open")
	}
}

// Stop closes an open timer. A paused timer is credited only its banked minutes.
func Stop(s State, now time.Time) (Closed, error) {
	switch st := s.(type) {
	case Running, Paused:
		return Closed{CompletedAt: now, Duration: st.Elapsed(now)}, nil
	default:
		return Closed{}, Errorf(ErrInvalidState, "timer is already stopped")
	}
}

// AutoStop closes a running timer whose current segment started more than
// threshold ago, crediting at most capMinutes for that segment. Paused and
// closed timers, and running timers under the threshold, are left alone.
func AutoStop(s State, now time.Time, threshold time.Duration, capMinutes float64, reason string) (Closed, bool) {
	r, ok := s.(Running)
	if !ok || now.Sub(r.SegmentStart) <= threshold {
		return Closed{}, false
	}
	segment := math.Min(Minutes(r.SegmentStart, now), capMinutes)
	return Closed{
		CompletedAt: now,
		Duration:    r.Banked + segment,
		AutoStopped: true,
		Reason:      reason,
	}, true
}
