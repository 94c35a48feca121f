package policy

import "time"

// rateWindow is the insertion-ordered list of recent arrivals for one client.
// callers must hold the policy mutex.
type rateWindow struct {
	stamps []time.Time
}

// record appends now, drops entries older than window, and caps the stored list
// at the earliest limit survivors. The returned count is taken before the cap so
// a request over the limit is visible to the caller even though it is not kept.
func (w *rateWindow) record(now time.Time, window time.Duration, limit int) int {
	w.stamps = append(w.stamps, now)

	cutoff := now.Add(-window)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	count := len(kept)

	if limit >= 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	w.stamps = kept
	return count
}

// newest returns the latest retained arrival, or the zero time for an empty window.
func (w *rateWindow) newest() time.Time {
	var latest time.Time
	for _, ts := range w.stamps {
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest
}

func (w *rateWindow) len() int { return len(w.stamps) }

// oldest returns the earliest retained arrival, or the zero time for an empty window.
func (w *rateWindow) oldest() time.Time {
	var first time.Time
	for _, ts := range w.stamps {
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
	}
	return first
}
