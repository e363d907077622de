package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/registry"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) NowMs() int64            { return f.now.UnixMilli() }
func (f *fakeClock) Sleep(time.Duration)     {}
func (f *fakeClock) NewTimer(d time.Duration) clock.Timer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

type fakeTimer struct{ c chan time.Time }

func (t *fakeTimer) C() <-chan time.Time        { return t.c }
func (t *fakeTimer) Reset(d time.Duration) bool { return true }
func (t *fakeTimer) Stop() bool                 { return true }

func newTestRegistry(t *testing.T) *registry.Registry {
	reg := registry.New(0, 0)
	require.NoError(t, reg.AddDevice(registry.DeviceConfig{Station: "rtu-1", NumSlots: 4}))
	require.NoError(t, reg.ConfigureSlot("rtu-1", 0, registry.SlotConfig{
		Kind:   registry.SlotSensor,
		Sensor: registry.SensorConfig{Measurement: registry.MeasurementPH},
	}))
	require.NoError(t, reg.ConfigureSlot("rtu-1", 1, registry.SlotConfig{
		Kind:     registry.SlotActuator,
		Actuator: registry.ActuatorConfig{Kind: registry.ActuatorPump, PWMCapable: true},
	}))
	return reg
}

func TestPIDDeadbandSuppressesSmallError(t *testing.T) {
	l := &PIDLoop{Kp: 1, Deadband: 0.5, OutputMin: -1, OutputMax: 1, IntegralBound: 10}
	cv := stepPID(l, 10.1, 1.0)
	l.Setpoint = 10
	cv = stepPID(l, 10.1, 1.0)
	require.InDelta(t, 0, cv, 1e-9)
}

func TestPIDAntiWindupClampsIntegral(t *testing.T) {
	l := &PIDLoop{Kp: 0, Ki: 10, Kd: 0, Setpoint: 100, OutputMin: 0, OutputMax: 1, IntegralBound: 1000}
	var cv float64
	for i := 0; i < 50; i++ {
		cv = stepPID(l, 0, 1.0)
	}
	require.InDelta(t, 1.0, cv, 1e-9)
	require.Less(t, l.integral, 1000.0) // back-calculation keeps it from winding to the full bound
}

func TestInterlockTripsAfterDebounceAndLatches(t *testing.T) {
	reg := newTestRegistry(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	e := NewEngine(reg, fc, 100*time.Millisecond, nil)

	ilID := e.AddInterlock(Interlock{
		Enabled:      true,
		Condition:    SlotRef{Station: "rtu-1", Slot: 0},
		Predicate:    PredicateAbove,
		Threshold:    9.0,
		DebounceMs:   200,
		Action:       ActionForceOff,
		ActionTarget: SlotRef{Station: "rtu-1", Slot: 1},
	})

	require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 9.5, Quality: registry.QualityGood}))

	e.runScan(fc.now)
	snaps := e.InterlockSnapshots()
	require.Len(t, snaps, 1)
	require.False(t, snaps[0].Tripped)

	fc.now = fc.now.Add(250 * time.Millisecond)
	e.runScan(fc.now)
	snaps = e.InterlockSnapshots()
	require.True(t, snaps[0].Tripped)

	cmd, err := reg.GetActuator("rtu-1", 1)
	require.NoError(t, err)
	require.Equal(t, registry.CommandOff, cmd.Code)

	// Condition clears, but interlock stays latched until explicit reset.
	require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 1.0, Quality: registry.QualityGood}))
	e.runScan(fc.now)
	snaps = e.InterlockSnapshots()
	require.True(t, snaps[0].Tripped)

	require.NoError(t, e.ResetInterlock(ilID))
	snaps = e.InterlockSnapshots()
	require.False(t, snaps[0].Tripped)
}

func TestInterlockSensorLossFailsSafe(t *testing.T) {
	reg := newTestRegistry(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	e := NewEngine(reg, fc, 100*time.Millisecond, nil)

	e.AddInterlock(Interlock{
		Enabled:      true,
		Condition:    SlotRef{Station: "rtu-1", Slot: 99}, // no such slot
		Predicate:    PredicateAbove,
		Threshold:    9.0,
		DebounceMs:   0,
		Action:       ActionForceOff,
		ActionTarget: SlotRef{Station: "rtu-1", Slot: 1},
	})

	e.runScan(fc.now)
	cmd, err := reg.GetActuator("rtu-1", 1)
	require.NoError(t, err)
	require.Equal(t, registry.CommandOff, cmd.Code)
}

func TestForcedOverrideWinsOverPID(t *testing.T) {
	reg := newTestRegistry(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	e := NewEngine(reg, fc, 100*time.Millisecond, nil)

	e.AddPIDLoop(PIDLoop{
		Enabled: true, Mode: ModeAuto,
		Input: SlotRef{Station: "rtu-1", Slot: 0}, Output: SlotRef{Station: "rtu-1", Slot: 1},
		Kp: 1, Setpoint: 100, OutputMin: 0, OutputMax: 1, IntegralBound: 10,
	})
	require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 0, Quality: registry.QualityGood}))

	require.NoError(t, e.SetForcedOverride("rtu-1", 1, Override{Code: registry.CommandOff}))
	e.runScan(fc.now)

	cmd, err := reg.GetActuator("rtu-1", 1)
	require.NoError(t, err)
	require.Equal(t, registry.CommandOff, cmd.Code)
	require.True(t, cmd.Forced)
}

func TestForcedOverrideCapacityLimit(t *testing.T) {
	reg := newTestRegistry(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	e := NewEngine(reg, fc, 100*time.Millisecond, nil)

	for i := 0; i < MaxForcedOverrides; i++ {
		require.NoError(t, e.SetForcedOverride("rtu-1", i, Override{Code: registry.CommandOff}))
	}
	err := e.SetForcedOverride("rtu-1", MaxForcedOverrides, Override{Code: registry.CommandOff})
	require.Error(t, err)
}
