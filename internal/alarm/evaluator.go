package alarm

import (
	"sync"
	"time"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/errcode"
	"github.com/watertreat/supervisor/internal/registry"
)

// floodWindowSize is the rolling-window depth for the flood-prevention
// gauge (§4.5: "last 600 raise timestamps").
const floodWindowSize = 600

// Evaluator holds the rule set and live event table, and drives the
// raise/clear/ack lifecycle against a Registry.
type Evaluator struct {
	reg   *registry.Registry
	clock clock.Clock

	mu          sync.Mutex
	rules       map[int]*Rule
	events      map[int]*Event
	pending     map[int]time.Time // ruleID -> condition-first-seen, debounce not yet elapsed; no Event exists yet
	nextRuleID  int
	rateSamples map[int]rateSample // last (value, time) per rule, for RATE_OF_CHANGE
	raiseTimes  []time.Time        // ring-like rolling window, oldest-first

	onTransition func(ruleID int, station string, state State)
}

type rateSample struct {
	value float64
	at    time.Time
}

// NewEvaluator builds an Evaluator over reg using clk for timestamps.
func NewEvaluator(reg *registry.Registry, clk clock.Clock) *Evaluator {
	if clk == nil {
		clk = clock.System{}
	}
	return &Evaluator{
		reg:         reg,
		clock:       clk,
		rules:       make(map[int]*Rule),
		events:      make(map[int]*Event),
		pending:     make(map[int]time.Time),
		rateSamples: make(map[int]rateSample),
	}
}

// SetNotifier installs a callback invoked whenever a rule's event crosses
// into ActiveUnack (raised) or ClearedUnack (cleared), outside the
// Evaluator's own mutex, the same post-unlock dispatch shape Authority uses
// for its ChangeCallback. Intended for the Supervisor to publish onto
// internal/eventbus so the IPC Bridge's notification ring picks up alarm
// transitions without the Alarm package importing eventbus directly.
func (e *Evaluator) SetNotifier(fn func(ruleID int, station string, state State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTransition = fn
}

// AddRule installs a new alarm rule and returns its assigned ID.
func (e *Evaluator) AddRule(r Rule) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextRuleID++
	r.ID = e.nextRuleID
	e.rules[r.ID] = &r
	return r.ID
}

// RemoveRule deletes a rule and any live event for it.
func (e *Evaluator) RemoveRule(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
	delete(e.events, id)
	delete(e.rateSamples, id)
	delete(e.pending, id)
}

// Acknowledge moves an event from *_UNACK to *_ACK. Acknowledging a
// CLEARED_UNACK event is terminal: it is removed from the active table
// entirely (§4.5).
func (e *Evaluator) Acknowledge(ruleID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[ruleID]
	if !ok {
		return errcode.New(errcode.NotFound, "Acknowledge", "no active event for rule")
	}
	now := e.clock.Now()
	switch ev.State {
	case ActiveUnack:
		ev.State = ActiveAck
		ev.AckedAt = now
	case ClearedUnack:
		delete(e.events, ruleID)
	default:
		// ActiveAck/ClearedAck already acknowledged; idempotent no-op.
	}
	return nil
}

// Shelve hides an active event from snapshots for the given duration
// without stopping its evaluation (§4.5).
func (e *Evaluator) Shelve(ruleID int, reason string, duration time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[ruleID]
	if !ok {
		return errcode.New(errcode.NotFound, "Shelve", "no active event for rule")
	}
	ev.Shelved = &Shelf{Reason: reason, Until: e.clock.Now().Add(duration)}
	return nil
}

// Unshelve clears a shelf immediately, independent of its expiry.
func (e *Evaluator) Unshelve(ruleID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev, ok := e.events[ruleID]; ok {
		ev.Shelved = nil
	}
}

// Snapshots returns owned copies of every live event, excluding shelved
// ones that have not yet expired (§4.5: "hidden from active snapshots").
// Expired shelves are cleared as a side effect of the scan that finds them.
func (e *Evaluator) Snapshots() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	out := make([]Snapshot, 0, len(e.events))
	for id, ev := range e.events {
		if ev.Shelved != nil {
			if now.After(ev.Shelved.Until) {
				ev.Shelved = nil
			} else {
				continue
			}
		}
		rule := Rule{}
		if r, ok := e.rules[id]; ok {
			rule = *r
		}
		out = append(out, Snapshot{Rule: rule, Event: *ev})
	}
	return out
}

// AlarmsPerWindow reports how many raises fall within the trailing
// duration, the flood-prevention gauge required by §4.5.
func (e *Evaluator) AlarmsPerWindow(window time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	count := 0
	for _, t := range e.raiseTimes {
		if now.Sub(t) <= window {
			count++
		}
	}
	return count
}

// Scan evaluates every enabled rule once against the Registry, advancing
// each rule's event state machine.
func (e *Evaluator) Scan(now time.Time) {
	e.mu.Lock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	e.mu.Unlock()

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		e.evaluateRule(r, now)
	}
}

func (e *Evaluator) evaluateRule(r *Rule, now time.Time) {
	met, value := e.predicateMet(r, now)

	e.mu.Lock()

	ev, exists := e.events[r.ID]

	if !met {
		delete(e.pending, r.ID)
		transitioned := false
		if exists && (ev.State == ActiveUnack || ev.State == ActiveAck) {
			ev.State = ClearedUnack
			ev.ClearedAt = now
			ev.Value = value
			transitioned = true
		}
		notify := e.onTransition
		e.mu.Unlock()
		if transitioned && notify != nil {
			notify(r.ID, r.Station, ClearedUnack)
		}
		return
	}

	if exists && (ev.State == ActiveUnack || ev.State == ActiveAck) {
		ev.Value = value
		e.mu.Unlock()
		return
	}

	// Condition is met but no ACTIVE event exists yet: track the
	// debounce window in pending, without materializing a visible event
	// (§4.5: raise only on first evaluation past the debounce window).
	firstSeen, seen := e.pending[r.ID]
	if !seen {
		firstSeen = now
		e.pending[r.ID] = firstSeen
	}
	if now.Sub(firstSeen) < time.Duration(r.DebounceMs)*time.Millisecond {
		e.mu.Unlock()
		return
	}
	delete(e.pending, r.ID)

	if !exists {
		ev = &Event{RuleID: r.ID}
		e.events[r.ID] = ev
	}
	ev.State = ActiveUnack
	ev.RaisedAt = now
	ev.Value = value

	e.raiseTimes = append(e.raiseTimes, now)
	if len(e.raiseTimes) > floodWindowSize {
		e.raiseTimes = e.raiseTimes[len(e.raiseTimes)-floodWindowSize:]
	}
	notify := e.onTransition
	e.mu.Unlock()
	if notify != nil {
		notify(r.ID, r.Station, ActiveUnack)
	}
}

// predicateMet reads the Registry and applies the rule's predicate,
// returning whether the condition currently holds and the observed value.
// A COMMUNICATION rule is met when the device is missing or not Running;
// it does not look at sample quality. Other rule kinds on a bad-quality
// sample are treated as not-met (the Control Engine, not the
// alarm evaluator, is the fail-safe boundary for sensor loss).
func (e *Evaluator) predicateMet(r *Rule, now time.Time) (bool, float64) {
	if r.Kind == KindCommunication {
		dev, err := e.reg.GetDevice(r.Station)
		if err != nil {
			return true, 0
		}
		return dev.State != registry.Running, 0
	}

	sample, err := e.reg.GetSensor(r.Station, r.Slot)
	if err != nil {
		return false, 0
	}
	if sample.Quality != registry.QualityGood {
		return false, 0
	}
	v := float64(sample.Value)

	switch r.Kind {
	case KindDiscrete:
		return v != 0, v
	case KindAnalogHigh:
		return v > r.Setpoint+r.Deadband, v
	case KindAnalogLow:
		return v < r.Setpoint-r.Deadband, v
	case KindRateOfChange:
		e.mu.Lock()
		prev, had := e.rateSamples[r.ID]
		e.rateSamples[r.ID] = rateSample{value: v, at: now}
		e.mu.Unlock()
		if !had || now.Sub(prev.at) <= 0 {
			return false, v
		}
		rate := (v - prev.value) / now.Sub(prev.at).Seconds()
		return rate > r.Setpoint || rate < -r.Setpoint, rate
	default:
		return false, v
	}
}
