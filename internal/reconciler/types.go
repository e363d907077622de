// Package reconciler implements the State Reconciler (§4.3): a versioned,
// per-RTU desired-state snapshot that persists across restarts and
// converges the RTU to it on reconnect.
//
// The teacher has no on-disk persistence anywhere (a TinyGo firmware image
// has no filesystem to speak of); this component's write-temp-then-rename
// requirement (§4.3, §6) is grounded instead on the pack's renameio idiom
// (github.com/google/renameio/v2, an indirect dependency pulled in by
// _examples/joeycumines-go-utilpkg's tool chain).
package reconciler

import "github.com/watertreat/supervisor/internal/registry"

// DesiredActuator is one actuator's desired command.
type DesiredActuator struct {
	Slot    int
	Code    registry.CommandCode
	PWMDuty float64
	Forced  bool
}

// DesiredPIDLoop is one PID loop's desired runtime configuration.
type DesiredPIDLoop struct {
	LoopID   int
	Enabled  bool
	Mode     int // mirrors control.Mode without importing internal/control
	Setpoint float64
}

// DesiredState is the versioned per-RTU snapshot (§3).
type DesiredState struct {
	Version     uint32
	Sequence    uint64
	Checksum    uint32
	TimestampMs int64
	Station     string
	Actuators   []DesiredActuator
	PIDLoops    []DesiredPIDLoop
	Valid       bool
	Dirty       bool
}

// ActualActuator is an RTU-reported actuator state used during
// reconciliation.
type ActualActuator struct {
	Slot    int
	Code    registry.CommandCode
	PWMDuty float64
	Forced  bool
}

// ActualPIDLoop is an RTU-reported PID loop state used during
// reconciliation.
type ActualPIDLoop struct {
	LoopID   int
	Enabled  bool
	Mode     int
	Setpoint float64
}

// ActualState is what the RTU reports on reconnect (§4.3 step 1).
type ActualState struct {
	Actuators []ActualActuator
	PIDLoops  []ActualPIDLoop
}

// Conflict describes one desired/actual mismatch.
type Conflict struct {
	Kind string // "actuator" | "pid"
	Slot int    // actuator slot, or PID loop id when Kind == "pid"
}

// Result summarizes a reconciliation pass (§4.3 step 3).
type Result struct {
	Synced     int
	Conflicted int
	Conflicts  []Conflict
	ElapsedNs  int64
	Success    bool
}
