package queue

import (
	"time"
)

type windowEvent struct {
	at     time.Time
	weight float64
	served bool
}

// efficiencyWindow keeps priority-weighted admitted and served totals over a
// trailing time window, plus the unweighted served count behind the service
// rate.
type efficiencyWindow struct {
	span      time.Duration
	events    []windowEvent
	admittedW float64
	servedW   float64
	servedN   int
	// since is the first event ever recorded; a window younger than span
	// only covers [since, now].
	since time.Time
}

func newEfficiencyWindow(span time.Duration) *efficiencyWindow {
	return &efficiencyWindow{span: span}
}

func (w *efficiencyWindow) add(at time.Time, weight float64, served bool) {
	if w.since.IsZero() {
		w.since = at
	}
	w.events = append(w.events, windowEvent{at: at, weight: weight, served: served})
	if served {
		w.servedW += weight
		w.servedN++
	} else {
		w.admittedW += weight
	}
}

func (w *efficiencyWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.events) && w.events[drop].at.Before(cutoff) {
		ev := w.events[drop]
		if ev.served {
			w.servedW -= ev.weight
			w.servedN--
		} else {
			w.admittedW -= ev.weight
		}
		drop++
	}
	if drop > 0 {
		w.events = append(w.events[:0], w.events[drop:]...)
	}
	if len(w.events) == 0 {
		w.admittedW, w.servedW, w.servedN = 0, 0, 0
	}
}

// expectedWait estimates how long the request at position waits, from the
// number of requests served over the covered part of the window. It is zero
// until something has been served over a non-empty interval.
func (w *efficiencyWindow) expectedWait(now time.Time, position int) time.Duration {
	w.prune(now)
	if w.servedN == 0 || w.since.IsZero() {
		return 0
	}
	covered := min(w.span, now.Sub(w.since))
	if covered <= 0 {
		return 0
	}
	return time.Duration(int64(covered) * int64(position) / int64(w.servedN))
}

// score is servedW/admittedW clamped to [0,1]; an idle window scores 1.
func (w *efficiencyWindow) score(now time.Time) float64 {
	w.prune(now)
	if w.admittedW <= 0 {
		return 1
	}
	return min(1, max(0, w.servedW/w.admittedW))
}
