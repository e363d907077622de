// Package config loads the plant topology bootstrap document: device and
// slot layout, PID loops, interlocks, alarm rules, and bridge/IPC paths.
//
// The teacher's services/config package publishes retained JSON config
// onto bus topics for other services to subscribe to; this system has no
// external config-store writer to subscribe to (§9: the topology is
// fixed at process start, not hot-reloaded from a store), so the shape
// here is a one-shot TOML document load via github.com/BurntSushi/toml
// instead — the same validate-then-use flow as the teacher's
// config.Load, minus the bus retained-message plumbing.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/watertreat/supervisor/internal/alarm"
	"github.com/watertreat/supervisor/internal/control"
	"github.com/watertreat/supervisor/internal/errcode"
	"github.com/watertreat/supervisor/internal/registry"
)

// SensorSlot is one TOML-declared sensor slot.
type SensorSlot struct {
	Index       int     `toml:"index"`
	Measurement string  `toml:"measurement"`
	Unit        string  `toml:"unit"`
	RangeMin    float64 `toml:"range_min"`
	RangeMax    float64 `toml:"range_max"`
}

// ActuatorSlot is one TOML-declared actuator slot.
type ActuatorSlot struct {
	Index      int     `toml:"index"`
	Kind       string  `toml:"kind"`
	PWMCapable bool    `toml:"pwm_capable"`
	PWMMin     float64 `toml:"pwm_min"`
	PWMMax     float64 `toml:"pwm_max"`
}

// Device is one RTU's static declaration.
type Device struct {
	Station   string         `toml:"station"`
	IP        string         `toml:"ip"`
	VendorID  uint32         `toml:"vendor_id"`
	DeviceID  uint32         `toml:"device_id"`
	Sensors   []SensorSlot   `toml:"sensor"`
	Actuators []ActuatorSlot `toml:"actuator"`
}

// PIDLoop is one TOML-declared control loop.
type PIDLoop struct {
	Name             string  `toml:"name"`
	InputStation     string  `toml:"input_station"`
	InputSlot        int     `toml:"input_slot"`
	OutputStation    string  `toml:"output_station"`
	OutputSlot       int     `toml:"output_slot"`
	Kp               float64 `toml:"kp"`
	Ki               float64 `toml:"ki"`
	Kd               float64 `toml:"kd"`
	Setpoint         float64 `toml:"setpoint"`
	OutputMin        float64 `toml:"output_min"`
	OutputMax        float64 `toml:"output_max"`
	Deadband         float64 `toml:"deadband"`
	IntegralBound    float64 `toml:"integral_bound"`
	DerivativeFilter float64 `toml:"derivative_filter"`
	Enabled          bool    `toml:"enabled"`
}

// Interlock is one TOML-declared safety interlock.
type Interlock struct {
	Name             string  `toml:"name"`
	ConditionStation string  `toml:"condition_station"`
	ConditionSlot    int     `toml:"condition_slot"`
	Predicate        string  `toml:"predicate"`
	Threshold        float64 `toml:"threshold"`
	DebounceMs       int64   `toml:"debounce_ms"`
	Action           string  `toml:"action"`
	ActionStation    string  `toml:"action_station"`
	ActionSlot       int     `toml:"action_slot"`
	ActionValue      float64 `toml:"action_value"`
	Enabled          bool    `toml:"enabled"`
}

// AlarmRule is one TOML-declared alarm rule.
type AlarmRule struct {
	Station    string  `toml:"station"`
	Slot       int     `toml:"slot"`
	Kind       string  `toml:"kind"`
	Priority   string  `toml:"priority"`
	Setpoint   float64 `toml:"setpoint"`
	Deadband   float64 `toml:"deadband"`
	DebounceMs int64   `toml:"debounce_ms"`
	Enabled    bool    `toml:"enabled"`
}

// Bridge carries the IPC bridge's shared-memory and persistence paths.
type Bridge struct {
	SharedMemoryName string `toml:"shared_memory_name"`
	DesiredStateDir  string `toml:"desired_state_dir"`
}

// Supervisor carries process-wide timing knobs.
type Supervisor struct {
	ScanPeriodMs       int `toml:"scan_period_ms"`
	HandoffTimeoutMs   int `toml:"handoff_timeout_ms"`
	StatusLogPeriodSec int `toml:"status_log_period_sec"`
}

// Plant is the root document.
type Plant struct {
	Supervisor Supervisor  `toml:"supervisor"`
	Bridge     Bridge      `toml:"bridge"`
	Devices    []Device    `toml:"device"`
	PIDLoops   []PIDLoop   `toml:"pid_loop"`
	Interlocks []Interlock `toml:"interlock"`
	AlarmRules []AlarmRule `toml:"alarm_rule"`
}

// Load parses a TOML plant-topology document from path.
func Load(path string) (*Plant, error) {
	var p Plant
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, errcode.Wrap(errcode.IO, "Load", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plant) validate() error {
	seen := make(map[string]bool, len(p.Devices))
	for _, d := range p.Devices {
		if d.Station == "" {
			return errcode.New(errcode.InvalidParam, "validate", "device with empty station name")
		}
		if seen[d.Station] {
			return errcode.New(errcode.Duplicate, "validate", "duplicate station: "+d.Station)
		}
		seen[d.Station] = true
	}
	return nil
}

// ScanPeriod returns the configured control-engine scan period, defaulting
// to 100ms (§4.4) when unset.
func (s Supervisor) ScanPeriod() time.Duration {
	if s.ScanPeriodMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(s.ScanPeriodMs) * time.Millisecond
}

// HandoffTimeout returns the configured authority handoff timeout,
// defaulting to 5s per §8 scenario 5.
func (s Supervisor) HandoffTimeout() time.Duration {
	if s.HandoffTimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.HandoffTimeoutMs) * time.Millisecond
}

// StatusLogPeriod returns the periodic status-log interval, defaulting to
// 10s (§4.7).
func (s Supervisor) StatusLogPeriod() time.Duration {
	if s.StatusLogPeriodSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.StatusLogPeriodSec) * time.Second
}

func measurementFromString(s string) registry.MeasurementType {
	switch s {
	case "ph":
		return registry.MeasurementPH
	case "flow":
		return registry.MeasurementFlow
	case "pressure":
		return registry.MeasurementPressure
	case "level":
		return registry.MeasurementLevel
	case "temperature":
		return registry.MeasurementTemperature
	case "turbidity":
		return registry.MeasurementTurbidity
	case "chlorine":
		return registry.MeasurementChlorine
	case "conductivity":
		return registry.MeasurementConductivity
	default:
		return registry.MeasurementGeneric
	}
}

func actuatorKindFromString(s string) registry.ActuatorKind {
	switch s {
	case "valve":
		return registry.ActuatorValve
	case "relay":
		return registry.ActuatorRelay
	case "pwm_output":
		return registry.ActuatorPWMOutput
	default:
		return registry.ActuatorPump
	}
}

func predicateFromString(s string) control.Predicate {
	switch s {
	case "below":
		return control.PredicateBelow
	case "equal":
		return control.PredicateEqual
	case "not_equal":
		return control.PredicateNotEqual
	default:
		return control.PredicateAbove
	}
}

func actionFromString(s string) control.InterlockAction {
	switch s {
	case "force_on":
		return control.ActionForceOn
	case "set_value":
		return control.ActionSetValue
	case "alarm_only":
		return control.ActionAlarmOnly
	default:
		return control.ActionForceOff
	}
}

func alarmKindFromString(s string) alarm.Kind {
	switch s {
	case "analog_high":
		return alarm.KindAnalogHigh
	case "analog_low":
		return alarm.KindAnalogLow
	case "rate_of_change":
		return alarm.KindRateOfChange
	case "communication":
		return alarm.KindCommunication
	default:
		return alarm.KindDiscrete
	}
}

func priorityFromString(s string) alarm.Priority {
	switch s {
	case "high":
		return alarm.PriorityHigh
	case "medium":
		return alarm.PriorityMedium
	default:
		return alarm.PriorityLow
	}
}
