// Package ipc implements the IPC Bridge (§4.6): a single shared-memory
// region exposing the core's state to an out-of-process API tier and
// draining API-originated commands back into the core.
//
// Go structs have no C-committed memory layout, so the region is not an
// unsafe pointer overlay onto the mapped bytes (the teacher never faces
// this problem; its x/shmring and bus packages are entirely in-process).
// Instead the region is a versioned byte format explicitly (de)serialized
// as an encoding/binary magic+version header followed by a JSON body, the
// same technique
// internal/reconciler uses for its persisted desired-state files, which in
// turn is grounded on the teacher's consistent use of explicit wire
// encoding (services/hal's 5-byte sensor format) rather than raw struct
// casts. The only unsafe-pointer use in the package is the process-shared
// spinlock word, where a CAS on a shared memory address is the standard
// technique and x/sys/unix has no higher-level primitive for it.
package ipc

import "github.com/watertreat/supervisor/internal/registry"

// Magic identifies the region format; mismatched Magic or Version is a
// hard reader error (§4.6).
const (
	Magic   uint32 = 0x57545243 // "WTRC"
	Version uint32 = 1
)

// Capacity limits (§4.6: "bounded array ... cap ≈ N").
const (
	MaxDevices            = 64
	MaxSlotsPerDevice      = 64
	MaxAlarms              = 256
	MaxPIDLoops            = 64
	MaxDiscoveryResults    = 64
	NotificationRingCap    = 32
	CorrelationIDLen       = 37
	ErrorMsgLen            = 256
)

// CommandType is the closed set of IPC command kinds (§4.6).
type CommandType uint32

const (
	CmdNone CommandType = iota
	CmdActuatorCommand
	CmdPIDSetpoint
	CmdPIDMode
	CmdAlarmAcknowledge
	CmdInterlockReset
	CmdAddRTU
	CmdRemoveRTU
	CmdConnectRTU
	CmdDisconnectRTU
	CmdDiscoveryDCP
	CmdDiscoveryI2C
	CmdDiscoveryOneWire
	CmdSlotConfigure
	CmdUserSyncBatch
)

// CommandResult mirrors the errcode taxonomy for the last-command outcome
// field (§7).
type CommandResult uint32

const (
	ResultPending CommandResult = iota
	ResultOK
	ResultInvalidParam
	ResultNotInitialized
	ResultNotFound
	ResultDuplicate
	ResultCapacityFull
	ResultTypeMismatch
	ResultPermission
	ResultBusy
	ResultProtocol
	ResultCorrupt
	ResultIO
	ResultTimeout
	ResultError
)

// DiscoveryKind distinguishes the three discovery protocols (§4.6).
type DiscoveryKind int

const (
	DiscoveryDCP DiscoveryKind = iota
	DiscoveryI2C
	DiscoveryOneWire
)

// SensorSnapshot is the 5-byte-on-the-wire sensor reading (§6), widened
// here with a slot index for the region's shallow per-device copies.
type SensorSnapshot struct {
	Slot     int
	Value    float32
	Quality  registry.Quality
}

// ActuatorSnapshot is a shallow copy of one actuator slot's commanded
// state.
type ActuatorSnapshot struct {
	Slot    int
	Code    registry.CommandCode
	PWMDuty float64
	Forced  bool
}

// DeviceSnapshot is one RTU's identity plus per-slot shallow copies
// (§4.6).
type DeviceSnapshot struct {
	Station   string
	State     registry.ConnState
	Sensors   []SensorSnapshot
	Actuators []ActuatorSnapshot
}

// AlarmSnapshot is one alarm event's externally visible state.
type AlarmSnapshot struct {
	RuleID   int
	Station  string
	Slot     int
	Priority int
	State    int
	Value    float64
	RaisedAt int64 // unix millis
}

// PIDSnapshot is one PID loop's externally visible state.
type PIDSnapshot struct {
	LoopID   int
	Enabled  bool
	Mode     int
	Setpoint float64
	CV       float64
}

// FleetCounters is the fleet rollup (§4.6).
type FleetCounters struct {
	TotalDevices   int
	RunningDevices int
	DegradedDevices int
	OfflineDevices int
	ActiveAlarms   int
	UnackedAlarms  int
}

// DiscoveryResult is one harvested discovery hit.
type DiscoveryResult struct {
	Kind     DiscoveryKind
	Station  string
	IP       string
	VendorID uint32
	DeviceID uint32
}

// Command is the single command-slot payload (§4.6).
type Command struct {
	Type          CommandType
	CorrelationID string // 36-char UUID, truncated to CorrelationIDLen-1 if longer
	Epoch         uint32 // authority epoch this command was issued under; 0 bypasses the stale-epoch check
	Station       string
	Slot          int
	ActuatorCode  registry.CommandCode
	PWMDuty       float64
	LoopID        int
	Setpoint      float64
	Mode          int
	RuleID        int
	InterlockID   int
	DiscoveryKind DiscoveryKind
	SlotConfig    registry.SlotConfig
	Batch         []byte // opaque user-sync batch payload
}

// Notification is one entry in the small async-event ring (§4.6).
type Notification struct {
	Kind    string
	Station string
	AtMs    int64
}

// Region is the full, versioned snapshot mirrored to shared memory. It is
// the in-memory staging area Marshal/Unmarshal round-trip to the mapped
// bytes.
type Region struct {
	Magic             uint32
	Version           uint32
	LastUpdateMs      int64
	ControllerRunning bool

	Fleet   FleetCounters
	Devices []DeviceSnapshot
	Alarms  []AlarmSnapshot
	Loops   []PIDSnapshot

	CommandSequence uint64
	CommandAck      uint64
	PendingCommand  Command
	CommandResult   CommandResult
	CommandErrorMsg string

	DiscoveryInProgress bool
	DiscoveryComplete   bool
	DiscoveryKind       DiscoveryKind
	DiscoveryResults    []DiscoveryResult

	Notifications []Notification
}

// NewRegion returns an empty, correctly-versioned Region.
func NewRegion() *Region {
	return &Region{Magic: Magic, Version: Version}
}
