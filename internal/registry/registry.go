package registry

import (
	"sync"

	"github.com/watertreat/supervisor/internal/errcode"
)

// DefaultMaxDevices and DefaultMaxSlotsPerDevice are the implementation
// caps referenced by §3 ("no fixed maximum imposed by the core beyond an
// implementation cap (>= 64 per device recommended)").
const (
	DefaultMaxDevices         = 256
	DefaultMaxSlotsPerDevice  = 64
)

type deviceRecord struct {
	config DeviceConfig
	state  ConnState
	slots  []Slot
}

// Registry is the single in-memory source of truth for every RTU (§4.1).
// Every mutation and every read acquires the single mutex mu; critical
// sections touch only in-memory state, never I/O or callbacks (teacher:
// services/hal/registry.go's sync.RWMutex over the builder map, widened
// here to a plain Mutex since reads also return owned copies that must not
// race a concurrent ConfigureSlot).
type Registry struct {
	mu              sync.Mutex
	devices         map[string]*deviceRecord
	maxDevices      int
	maxSlotsPerDev  int
}

// New returns an empty Registry with the given capacity limits. A zero
// value for either uses the package default.
func New(maxDevices, maxSlotsPerDevice int) *Registry {
	if maxDevices <= 0 {
		maxDevices = DefaultMaxDevices
	}
	if maxSlotsPerDevice <= 0 {
		maxSlotsPerDevice = DefaultMaxSlotsPerDevice
	}
	return &Registry{
		devices:        make(map[string]*deviceRecord),
		maxDevices:     maxDevices,
		maxSlotsPerDev: maxSlotsPerDevice,
	}
}

// AddDevice creates a device record. Fails with Duplicate if the station
// name is already present, CapacityFull if the implementation cap would be
// exceeded.
func (r *Registry) AddDevice(cfg DeviceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Station == "" {
		return errcode.New(errcode.InvalidParam, "AddDevice", "empty station name")
	}
	if _, exists := r.devices[cfg.Station]; exists {
		return errcode.New(errcode.Duplicate, "AddDevice", cfg.Station)
	}
	if len(r.devices) >= r.maxDevices {
		return errcode.New(errcode.CapacityFull, "AddDevice", "device capacity reached")
	}
	n := cfg.NumSlots
	if n < 0 {
		n = 0
	}
	if n > r.maxSlotsPerDev {
		return errcode.New(errcode.CapacityFull, "AddDevice", "slot capacity exceeded")
	}
	rec := &deviceRecord{
		config: cfg,
		state:  Offline,
		slots:  make([]Slot, n),
	}
	for i := range rec.slots {
		rec.slots[i] = Slot{Kind: SlotEmpty, Sample: SensorSample{Quality: QualityNotConnected}}
	}
	r.devices[cfg.Station] = rec
	return nil
}

// RemoveDevice removes the device and all slot state.
func (r *Registry) RemoveDevice(station string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[station]; !ok {
		return errcode.New(errcode.NotFound, "RemoveDevice", station)
	}
	delete(r.devices, station)
	return nil
}

// ConfigureSlot installs or replaces a slot's static configuration. This is
// the only path that may change a slot's Kind (§4.1 invariant). The
// sample/command state is reset: sensor slots reset to quality
// NOT_CONNECTED, actuator slots reset to CommandOff/unforced.
func (r *Registry) ConfigureSlot(station string, idx int, cfg SlotConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[station]
	if !ok {
		return errcode.New(errcode.NotFound, "ConfigureSlot", station)
	}
	if idx < 0 || idx >= len(rec.slots) {
		if idx < 0 || idx >= r.maxSlotsPerDev {
			return errcode.New(errcode.InvalidParam, "ConfigureSlot", "slot index out of range")
		}
		// Grow the slot vector up to the per-device cap, matching "slot
		// layout is dictated by the device at connection time and must be
		// accepted verbatim" (§3).
		grown := make([]Slot, idx+1)
		copy(grown, rec.slots)
		for i := len(rec.slots); i < len(grown); i++ {
			grown[i] = Slot{Kind: SlotEmpty, Sample: SensorSample{Quality: QualityNotConnected}}
		}
		rec.slots = grown
	}

	switch cfg.Kind {
	case SlotSensor:
		rec.slots[idx] = Slot{
			Kind:   SlotSensor,
			Sensor: cfg.Sensor,
			Sample: SensorSample{Quality: QualityNotConnected},
		}
	case SlotActuator:
		rec.slots[idx] = Slot{
			Kind:     SlotActuator,
			Actuator: cfg.Actuator,
			Command:  ActuatorCommand{Code: CommandOff},
		}
	case SlotEmpty:
		rec.slots[idx] = Slot{Kind: SlotEmpty, Sample: SensorSample{Quality: QualityNotConnected}}
	default:
		return errcode.New(errcode.InvalidParam, "ConfigureSlot", "unknown slot kind")
	}
	return nil
}

// UpdateSensor writes a new sample into a sensor slot. Any quality value
// other than the freshly-configured NOT_CONNECTED default is preserved
// byte-exactly (§4.1 invariant; §8 round-trip property).
func (r *Registry) UpdateSensor(station string, idx int, sample SensorSample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.slotLocked(station, idx)
	if err != nil {
		return err
	}
	if slot.Kind != SlotSensor {
		return errcode.New(errcode.TypeMismatch, "UpdateSensor", "slot is not a sensor")
	}
	slot.Sample = sample
	return nil
}

// GetSensor returns a value-copy of a sensor slot's latest sample.
func (r *Registry) GetSensor(station string, idx int) (SensorSample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.slotLocked(station, idx)
	if err != nil {
		return SensorSample{}, err
	}
	if slot.Kind != SlotSensor {
		return SensorSample{}, errcode.New(errcode.TypeMismatch, "GetSensor", "slot is not a sensor")
	}
	return slot.Sample, nil
}

// UpdateActuator writes a new actuator command.
func (r *Registry) UpdateActuator(station string, idx int, cmd ActuatorCommand) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.slotLocked(station, idx)
	if err != nil {
		return err
	}
	if slot.Kind != SlotActuator {
		return errcode.New(errcode.TypeMismatch, "UpdateActuator", "slot is not an actuator")
	}
	slot.Command = cmd
	return nil
}

// GetActuator returns a value-copy of an actuator slot's current command.
func (r *Registry) GetActuator(station string, idx int) (ActuatorCommand, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, err := r.slotLocked(station, idx)
	if err != nil {
		return ActuatorCommand{}, err
	}
	if slot.Kind != SlotActuator {
		return ActuatorCommand{}, errcode.New(errcode.TypeMismatch, "GetActuator", "slot is not an actuator")
	}
	return slot.Command, nil
}

// SetState updates a device's connection state.
func (r *Registry) SetState(station string, state ConnState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[station]
	if !ok {
		return errcode.New(errcode.NotFound, "SetState", station)
	}
	rec.state = state
	return nil
}

// GetDevice returns an owned snapshot of one device's record.
func (r *Registry) GetDevice(station string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices[station]
	if !ok {
		return Device{}, errcode.New(errcode.NotFound, "GetDevice", station)
	}
	return snapshotLocked(rec), nil
}

// ListDevices returns up to cap owned device snapshots (0 = unbounded).
func (r *Registry) ListDevices(capHint int) []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.devices))
	for _, rec := range r.devices {
		if capHint > 0 && len(out) >= capHint {
			break
		}
		out = append(out, snapshotLocked(rec))
	}
	return out
}

// Stations returns the current set of station names, for callers (e.g. the
// IPC Bridge and the Supervisor) that need to iterate keys without copying full devices.
func (r *Registry) Stations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.devices))
	for s := range r.devices {
		out = append(out, s)
	}
	return out
}

func (r *Registry) slotLocked(station string, idx int) (*Slot, error) {
	rec, ok := r.devices[station]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "slot", station)
	}
	if idx < 0 || idx >= len(rec.slots) {
		return nil, errcode.New(errcode.NotFound, "slot", "index out of range")
	}
	return &rec.slots[idx], nil
}

func snapshotLocked(rec *deviceRecord) Device {
	slots := make([]Slot, len(rec.slots))
	copy(slots, rec.slots)
	return Device{Config: rec.config, State: rec.state, Slots: slots}
}
