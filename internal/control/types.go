// Package control implements the Control Engine (§4.4): a periodic
// scheduler running PID loops, interlock evaluation, and operator
// output-forcing against the Registry.
//
// The scan scheduler's deadline arithmetic ("no catch-up spiral": if
// execution overran the period, the next deadline is now+period rather than
// previous+period+period...) and timer-drain helper are adapted from the
// teacher's services/hal/worker.go, which runs the same shape of loop for
// trigger/collect device polling instead of interlock/PID/forced-output
// scans.
package control

import (
	"time"

	"github.com/watertreat/supervisor/internal/registry"
)

// Mode is a PID loop's operating mode (§3).
type Mode int

const (
	ModeOff Mode = iota
	ModeManual
	ModeAuto
)

// SlotRef addresses one slot on one station.
type SlotRef struct {
	Station string
	Slot    int
}

// PIDLoop is the full PID loop record (§3), configuration plus runtime
// state. Identified by an integer ID assigned at creation time.
type PIDLoop struct {
	ID      int
	Name    string
	Enabled bool
	Mode    Mode

	Input  SlotRef
	Output SlotRef

	Kp, Ki, Kd float64
	Setpoint   float64

	OutputMin, OutputMax float64
	Deadband             float64
	IntegralBound        float64
	DerivativeFilter     float64 // [0,1)

	// ManualCV is the operator-supplied control value used when Mode ==
	// ModeManual.
	ManualCV float64

	// Runtime state, updated every scan.
	lastError   float64
	integral    float64
	filteredD   float64
	lastPV      float64
	lastUpdate  time.Time
	initialized bool
	cv          float64
}

// PIDSnapshot is an owned, read-only view of a PID loop's current state.
type PIDSnapshot struct {
	PIDLoop
	CV         float64
	LastUpdate time.Time
}

// Predicate is an interlock's condition comparator (§3).
type Predicate int

const (
	PredicateAbove Predicate = iota
	PredicateBelow
	PredicateEqual
	PredicateNotEqual
)

// InterlockAction is the action an interlock takes once tripped (§3).
type InterlockAction int

const (
	ActionForceOff InterlockAction = iota
	ActionForceOn
	ActionSetValue
	ActionAlarmOnly
)

// Interlock is the full interlock record (§3).
type Interlock struct {
	ID      int
	Name    string
	Enabled bool

	Condition SlotRef
	Predicate Predicate
	Threshold float64
	DebounceMs int64

	Action       InterlockAction
	ActionTarget SlotRef
	ActionValue  float64

	// Runtime state.
	Tripped             bool
	ConditionFirstSeen  time.Time // zero means "not currently seen"
	TripTime            time.Time
}

// InterlockSnapshot is an owned, read-only view of an interlock's state.
type InterlockSnapshot struct {
	Interlock
}

// ForceKey addresses a forced-override entry (§3).
type ForceKey struct {
	Station string
	Slot    int
}

// Override is a pinned command+duty that takes precedence over any
// control-engine-computed output for that slot (§3, §4.4).
type Override struct {
	Code    registry.CommandCode
	PWMDuty float64
}

// MaxForcedOverrides is the implementation cap on the forced-override set
// (§3: "at most 128 entries").
const MaxForcedOverrides = 128

// ScanStats tracks per-scan execution timing (§4.4 "running min/max/mean
// counters").
type ScanStats struct {
	Count       uint64
	MinMicros   int64
	MaxMicros   int64
	MeanMicros  float64
	LastOverran bool
}
