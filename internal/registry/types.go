// Package registry implements the Registry component (§4.1): the single
// in-memory source of truth for RTUs, their slot layout, and the latest
// cyclic I/O state. Grounded on the teacher's services/hal/registry.go
// (a sync.RWMutex-guarded map with owned-copy accessors) generalized from a
// builder-type table to the full device/slot/sample model.
package registry

// ConnState is the connection-state enum from §3.
type ConnState int

const (
	Offline ConnState = iota
	Discovering
	Connecting
	Configuring
	Running
	Degraded
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Discovering:
		return "DISCOVERING"
	case Connecting:
		return "CONNECTING"
	case Configuring:
		return "CONFIGURING"
	case Running:
		return "RUNNING"
	case Degraded:
		return "DEGRADED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// SlotKind distinguishes empty, sensor, and actuator slots. Only
// ConfigureSlot may change a slot's kind (§4.1 invariant).
type SlotKind int

const (
	SlotEmpty SlotKind = iota
	SlotSensor
	SlotActuator
)

// Quality is the 2-bit OPC-UA-compatible data-quality field (§3).
type Quality byte

const (
	QualityGood         Quality = 0x00
	QualityUncertain     Quality = 0x40
	QualityBad           Quality = 0x80
	QualityNotConnected  Quality = 0xC0
)

// MeasurementType enumerates sensor kinds. The core treats this as an
// opaque tag; only internal/config maps it from its configured name.
type MeasurementType int

const (
	MeasurementGeneric MeasurementType = iota
	MeasurementPH
	MeasurementFlow
	MeasurementPressure
	MeasurementLevel
	MeasurementTemperature
	MeasurementTurbidity
	MeasurementChlorine
	MeasurementConductivity
)

// ActuatorKind enumerates actuator types (§3).
type ActuatorKind int

const (
	ActuatorPump ActuatorKind = iota
	ActuatorValve
	ActuatorRelay
	ActuatorPWMOutput
)

// CommandCode is the actuator command code (§3).
type CommandCode int

const (
	CommandOff CommandCode = iota
	CommandOn
	CommandPWM
)

// SensorConfig is a sensor slot's static configuration.
type SensorConfig struct {
	Measurement MeasurementType
	Unit        string
	RangeMin    float64
	RangeMax    float64
}

// SensorSample is the latest cyclic reading for a sensor slot. The wire
// format is exactly 5 bytes (4-byte big-endian IEEE-754 float + 1-byte
// quality, §3); the core never decodes the wire itself but preserves all
// five bytes' worth of information verbatim.
type SensorSample struct {
	Value       float32
	TimestampMs int64
	IOPS        byte
	Quality     Quality
}

// ActuatorConfig is an actuator slot's static configuration.
type ActuatorConfig struct {
	Kind       ActuatorKind
	PWMCapable bool
	PWMMin     float64
	PWMMax     float64
}

// ActuatorCommand is the current commanded state of an actuator slot.
type ActuatorCommand struct {
	Code    CommandCode
	PWMDuty float64 // 0..100
	Forced  bool
}

// SlotConfig is the configuration payload accepted by ConfigureSlot. Exactly
// one of Sensor/Actuator is set unless Kind == SlotEmpty.
type SlotConfig struct {
	Kind     SlotKind
	Sensor   SensorConfig
	Actuator ActuatorConfig
}

// Slot is one entry in a device's slot vector.
type Slot struct {
	Kind     SlotKind
	Sensor   SensorConfig
	Sample   SensorSample
	Actuator ActuatorConfig
	Command  ActuatorCommand
}

// DeviceConfig describes an RTU at registration time.
type DeviceConfig struct {
	Station  string // stable primary key
	IP       string
	VendorID uint32
	DeviceID uint32
	// NumSlots pre-sizes the slot vector; slots start as SlotEmpty. Layout
	// is dictated by the device at connection time (§3) via ConfigureSlot.
	NumSlots int
}

// Device is an owned snapshot of one RTU's record, returned by value so
// callers can work lock-free (§4.1 concurrency contract).
type Device struct {
	Config DeviceConfig
	State  ConnState
	Slots  []Slot
}
