package config

import (
	"github.com/watertreat/supervisor/internal/alarm"
	"github.com/watertreat/supervisor/internal/control"
	"github.com/watertreat/supervisor/internal/registry"
)

// Apply installs the plant topology into an already-constructed Registry,
// Control Engine, and Alarm Evaluator. It is the load-time counterpart to
// the teacher's config.Load + bus-publish flow, minus the publish: here
// the topology feeds the core directly instead of other services
// subscribing to it.
func Apply(p *Plant, reg *registry.Registry, ctrl *control.Engine, ev *alarm.Evaluator) error {
	for _, d := range p.Devices {
		numSlots := len(d.Sensors) + len(d.Actuators)
		if err := reg.AddDevice(registry.DeviceConfig{
			Station: d.Station, IP: d.IP, VendorID: d.VendorID, DeviceID: d.DeviceID, NumSlots: numSlots,
		}); err != nil {
			return err
		}
		for _, s := range d.Sensors {
			if err := reg.ConfigureSlot(d.Station, s.Index, registry.SlotConfig{
				Kind: registry.SlotSensor,
				Sensor: registry.SensorConfig{
					Measurement: measurementFromString(s.Measurement),
					Unit:        s.Unit,
					RangeMin:    s.RangeMin,
					RangeMax:    s.RangeMax,
				},
			}); err != nil {
				return err
			}
		}
		for _, a := range d.Actuators {
			if err := reg.ConfigureSlot(d.Station, a.Index, registry.SlotConfig{
				Kind: registry.SlotActuator,
				Actuator: registry.ActuatorConfig{
					Kind:       actuatorKindFromString(a.Kind),
					PWMCapable: a.PWMCapable,
					PWMMin:     a.PWMMin,
					PWMMax:     a.PWMMax,
				},
			}); err != nil {
				return err
			}
		}
	}

	for _, l := range p.PIDLoops {
		mode := control.ModeOff
		if l.Enabled {
			mode = control.ModeAuto
		}
		ctrl.AddPIDLoop(control.PIDLoop{
			Name:             l.Name,
			Enabled:          l.Enabled,
			Mode:             mode,
			Input:            control.SlotRef{Station: l.InputStation, Slot: l.InputSlot},
			Output:           control.SlotRef{Station: l.OutputStation, Slot: l.OutputSlot},
			Kp:               l.Kp,
			Ki:               l.Ki,
			Kd:               l.Kd,
			Setpoint:         l.Setpoint,
			OutputMin:        l.OutputMin,
			OutputMax:        l.OutputMax,
			Deadband:         l.Deadband,
			IntegralBound:    l.IntegralBound,
			DerivativeFilter: l.DerivativeFilter,
		})
	}

	for _, il := range p.Interlocks {
		ctrl.AddInterlock(control.Interlock{
			Name:         il.Name,
			Enabled:      il.Enabled,
			Condition:    control.SlotRef{Station: il.ConditionStation, Slot: il.ConditionSlot},
			Predicate:    predicateFromString(il.Predicate),
			Threshold:    il.Threshold,
			DebounceMs:   il.DebounceMs,
			Action:       actionFromString(il.Action),
			ActionTarget: control.SlotRef{Station: il.ActionStation, Slot: il.ActionSlot},
			ActionValue:  il.ActionValue,
		})
	}

	for _, r := range p.AlarmRules {
		ev.AddRule(alarm.Rule{
			Station:    r.Station,
			Slot:       r.Slot,
			Kind:       alarmKindFromString(r.Kind),
			Priority:   priorityFromString(r.Priority),
			Setpoint:   r.Setpoint,
			Deadband:   r.Deadband,
			DebounceMs: r.DebounceMs,
			Enabled:    r.Enabled,
		})
	}

	return nil
}
