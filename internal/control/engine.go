package control

import (
	"context"
	"sync"
	"time"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/errcode"
	"github.com/watertreat/supervisor/internal/logging"
	"github.com/watertreat/supervisor/internal/mathx"
	"github.com/watertreat/supervisor/internal/registry"
)

// Engine is the Control Engine (§4.4): it runs a fixed-period scan that
// evaluates interlocks, then PID loops, then applies operator-forced
// outputs, writing the result to the Registry.
//
// The scan loop's deadline arithmetic is adapted from the teacher's
// services/hal/worker.go timer-driven loop (drainTimer plus a recomputed
// "next due" on every iteration, never an accumulating ticker): each scan
// computes its own next deadline as start-of-this-scan plus the period (now
// plus the period after an overrun), so a scan that overruns the period does not queue up a burst of catch-up
// scans immediately afterward.
type Engine struct {
	reg    *registry.Registry
	clock  clock.Clock
	period time.Duration
	log    *logging.Logger

	mu         sync.Mutex
	pidLoops   map[int]*PIDLoop
	interlocks map[int]*Interlock
	forced     map[ForceKey]Override
	nextPIDID  int
	nextILID   int
	stats      ScanStats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine builds a Control Engine scanning at the given period.
func NewEngine(reg *registry.Registry, clk clock.Clock, period time.Duration, log *logging.Logger) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	named := log
	if named != nil {
		named = named.Named("control")
	}
	return &Engine{
		reg:        reg,
		clock:      clk,
		period:     period,
		log:        named,
		pidLoops:   make(map[int]*PIDLoop),
		interlocks: make(map[int]*Interlock),
		forced:     make(map[ForceKey]Override),
	}
}

// AddPIDLoop installs a new PID loop and returns its assigned ID.
func (e *Engine) AddPIDLoop(l PIDLoop) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextPIDID++
	l.ID = e.nextPIDID
	e.pidLoops[l.ID] = &l
	return l.ID
}

// UpdatePIDLoop replaces the configuration fields of an existing loop,
// preserving its runtime state (integral, filtered derivative, etc).
func (e *Engine) UpdatePIDLoop(id int, cfg PIDLoop) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pidLoops[id]
	if !ok {
		return errcode.New(errcode.NotFound, "UpdatePIDLoop", "no such loop")
	}
	cfg.ID = id
	cfg.lastError, cfg.integral, cfg.filteredD = l.lastError, l.integral, l.filteredD
	cfg.lastPV, cfg.lastUpdate, cfg.initialized, cfg.cv = l.lastPV, l.lastUpdate, l.initialized, l.cv
	*l = cfg
	return nil
}

// SetSetpoint updates one loop's setpoint without disturbing its runtime
// state.
func (e *Engine) SetSetpoint(id int, sp float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pidLoops[id]
	if !ok {
		return errcode.New(errcode.NotFound, "SetSetpoint", "no such loop")
	}
	l.Setpoint = sp
	return nil
}

// SetMode switches a loop between Off/Manual/Auto.
func (e *Engine) SetMode(id int, mode Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pidLoops[id]
	if !ok {
		return errcode.New(errcode.NotFound, "SetMode", "no such loop")
	}
	l.Mode = mode
	return nil
}

// SetManualCV sets the operator-supplied output used while a loop is in
// ModeManual.
func (e *Engine) SetManualCV(id int, cv float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.pidLoops[id]
	if !ok {
		return errcode.New(errcode.NotFound, "SetManualCV", "no such loop")
	}
	l.ManualCV = cv
	return nil
}

// PIDSnapshots returns owned copies of every PID loop's current state.
func (e *Engine) PIDSnapshots() []PIDSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PIDSnapshot, 0, len(e.pidLoops))
	for _, l := range e.pidLoops {
		out = append(out, PIDSnapshot{PIDLoop: *l, CV: l.cv, LastUpdate: l.lastUpdate})
	}
	return out
}

// AddInterlock installs a new interlock and returns its assigned ID.
func (e *Engine) AddInterlock(il Interlock) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextILID++
	il.ID = e.nextILID
	e.interlocks[il.ID] = &il
	return il.ID
}

// ResetInterlock clears a tripped interlock's latched state (§4.4: explicit
// reset is the only way to clear a trip).
func (e *Engine) ResetInterlock(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	il, ok := e.interlocks[id]
	if !ok {
		return errcode.New(errcode.NotFound, "ResetInterlock", "no such interlock")
	}
	il.Tripped = false
	il.ConditionFirstSeen = time.Time{}
	il.TripTime = time.Time{}
	return nil
}

// InterlockSnapshots returns owned copies of every interlock's current
// state.
func (e *Engine) InterlockSnapshots() []InterlockSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InterlockSnapshot, 0, len(e.interlocks))
	for _, il := range e.interlocks {
		out = append(out, InterlockSnapshot{Interlock: *il})
	}
	return out
}

// SetForcedOverride pins an actuator's command, overriding interlocks and
// PID output alike until cleared. Fails with CapacityFull past
// MaxForcedOverrides distinct slots.
func (e *Engine) SetForcedOverride(station string, slot int, ov Override) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := ForceKey{Station: station, Slot: slot}
	if _, exists := e.forced[key]; !exists && len(e.forced) >= MaxForcedOverrides {
		return errcode.New(errcode.CapacityFull, "SetForcedOverride", "forced-override set full")
	}
	e.forced[key] = ov
	return nil
}

// ForcedOverride reports the pinned override for (station, slot), if any,
// so callers outside the scan loop (the IPC Bridge's actuator-command path,
// §4.4: "the set of forced-output entries is consulted by the IPC Bridge
// before it mirrors an actuator command into the Registry") can check
// membership without waiting for the next scan's phase-3 re-pin.
func (e *Engine) ForcedOverride(station string, slot int) (Override, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ov, ok := e.forced[ForceKey{Station: station, Slot: slot}]
	return ov, ok
}

// ClearForcedOverride removes a pinned override, returning control of the
// slot to interlocks/PID.
func (e *Engine) ClearForcedOverride(station string, slot int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.forced, ForceKey{Station: station, Slot: slot})
}

// Stats returns the running scan-timing counters.
func (e *Engine) Stats() ScanStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Start launches the periodic scan loop in a background goroutine. Stop (or
// ctx cancellation) ends it.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		timer := e.clock.NewTimer(e.period)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C():
				scanStart := e.clock.Now()
				e.runScan(scanStart)
				elapsed := e.clock.Now().Sub(scanStart)
				e.recordScan(elapsed)

				// No catch-up spiral: the next deadline is anchored to this
				// scan's start plus one period; if the scan overran, the next
				// deadline is now plus one period rather than stacking delay.
				next := e.period - e.clock.Now().Sub(scanStart)
				if next < 0 {
					next = e.period
				}
				if !timer.Stop() {
					clock.Drain(timer)
				}
				timer.Reset(next)
			}
		}
	}()
}

// Stop ends the scan loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

func (e *Engine) recordScan(elapsed time.Duration) {
	micros := elapsed.Microseconds()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.stats
	s.Count++
	if s.Count == 1 || micros < s.MinMicros {
		s.MinMicros = micros
	}
	if micros > s.MaxMicros {
		s.MaxMicros = micros
	}
	s.MeanMicros += (float64(micros) - s.MeanMicros) / float64(s.Count)
	s.LastOverran = elapsed > e.period
}

// runScan executes one interlock -> PID -> forced-output pass (§4.4).
func (e *Engine) runScan(now time.Time) {
	e.mu.Lock()
	interlocks := make([]*Interlock, 0, len(e.interlocks))
	for _, il := range e.interlocks {
		interlocks = append(interlocks, il)
	}
	pidLoops := make([]*PIDLoop, 0, len(e.pidLoops))
	for _, l := range e.pidLoops {
		pidLoops = append(pidLoops, l)
	}
	forced := make(map[ForceKey]Override, len(e.forced))
	for k, v := range e.forced {
		forced[k] = v
	}
	e.mu.Unlock()

	forcedThisScan := make(map[ForceKey]bool)

	// Phase 1: interlocks. Evaluated first; a tripped interlock's action
	// wins over any PID output written to the same slot this scan.
	for _, il := range interlocks {
		if !il.Enabled {
			continue
		}
		sample, err := e.reg.GetSensor(il.Condition.Station, il.Condition.Slot)
		var met bool
		if err != nil {
			met = true // sensor unreachable: fail-safe, treat condition as met
		} else {
			met = conditionMet(il, sample)
		}
		if !evaluateInterlock(il, met, now) {
			continue
		}
		if il.Action == ActionAlarmOnly {
			continue
		}
		key := ForceKey{Station: il.ActionTarget.Station, Slot: il.ActionTarget.Slot}
		cmd := interlockCommand(il)
		if err := e.reg.UpdateActuator(key.Station, key.Slot, cmd); err == nil {
			forcedThisScan[key] = true
		}
	}

	// Phase 2: PID loops. Skipped (not written) for any output slot an
	// interlock already forced this scan, but runtime state still advances
	// so the loop doesn't accumulate a stale integral gap.
	for _, l := range pidLoops {
		if !l.Enabled || l.Mode == ModeOff {
			continue
		}
		key := ForceKey{Station: l.Output.Station, Slot: l.Output.Slot}

		if l.Mode == ModeManual {
			l.cv = mathx.Clamp(l.ManualCV, l.OutputMin, l.OutputMax)
			l.lastUpdate = now
			if !forcedThisScan[key] {
				writeCV(e.reg, l, l.cv)
			}
			continue
		}

		sample, err := e.reg.GetSensor(l.Input.Station, l.Input.Slot)
		if err != nil {
			continue
		}
		dt := e.period.Seconds()
		if !l.lastUpdate.IsZero() {
			dt = now.Sub(l.lastUpdate).Seconds()
		}
		cv := stepPID(l, float64(sample.Value), dt)
		l.lastUpdate = now
		if !forcedThisScan[key] {
			writeCV(e.reg, l, cv)
		}
	}

	// Phase 3: operator-forced overrides win over everything computed
	// above.
	for key, ov := range forced {
		_ = e.reg.UpdateActuator(key.Station, key.Slot, registry.ActuatorCommand{
			Code:    ov.Code,
			PWMDuty: ov.PWMDuty,
			Forced:  true,
		})
	}
}

func interlockCommand(il *Interlock) registry.ActuatorCommand {
	switch il.Action {
	case ActionForceOff:
		return registry.ActuatorCommand{Code: registry.CommandOff, Forced: true}
	case ActionForceOn:
		return registry.ActuatorCommand{Code: registry.CommandOn, Forced: true}
	case ActionSetValue:
		return registry.ActuatorCommand{Code: registry.CommandPWM, PWMDuty: il.ActionValue, Forced: true}
	default:
		return registry.ActuatorCommand{Code: registry.CommandOff, Forced: true}
	}
}

// writeCV projects a control value, clamped to [OutputMin,OutputMax], to an
// actuator command (§4.4): > 0.5 drives a PWM duty equal to cv itself, > 0
// but <= 0.5 is ON, otherwise OFF.
func writeCV(reg *registry.Registry, l *PIDLoop, cv float64) {
	var cmd registry.ActuatorCommand
	switch {
	case cv > 0.5:
		cmd = registry.ActuatorCommand{Code: registry.CommandPWM, PWMDuty: cv}
	case cv > 0:
		cmd = registry.ActuatorCommand{Code: registry.CommandOn}
	default:
		cmd = registry.ActuatorCommand{Code: registry.CommandOff}
	}
	_ = reg.UpdateActuator(l.Output.Station, l.Output.Slot, cmd)
}

