package control

import (
	"time"

	"github.com/watertreat/supervisor/internal/registry"
)

func durationMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// conditionMet evaluates an interlock's predicate against a sensor sample.
// A sensor loss (any quality other than GOOD) is always treated as the
// condition being met: fail-safe, not fail-open (§4.4).
func conditionMet(il *Interlock, sample registry.SensorSample) bool {
	if sample.Quality != registry.QualityGood {
		return true
	}
	v := float64(sample.Value)
	switch il.Predicate {
	case PredicateAbove:
		return v > il.Threshold
	case PredicateBelow:
		return v < il.Threshold
	case PredicateEqual:
		return v == il.Threshold
	case PredicateNotEqual:
		return v != il.Threshold
	default:
		return false
	}
}

// evaluateInterlock advances one interlock's debounce/trip state machine
// given the current condition reading and returns whether it should act
// this scan. Once tripped, the interlock stays tripped until explicitly
// reset via Engine.ResetInterlock, even if the condition later clears
// (§4.4: "tripped state persists until explicit reset").
func evaluateInterlock(il *Interlock, met bool, now time.Time) (act bool) {
	if il.Tripped {
		return true
	}
	if !met {
		il.ConditionFirstSeen = time.Time{}
		return false
	}
	if il.ConditionFirstSeen.IsZero() {
		il.ConditionFirstSeen = now
	}
	if now.Sub(il.ConditionFirstSeen) >= durationMs(il.DebounceMs) {
		il.Tripped = true
		il.TripTime = now
		return true
	}
	return false
}
