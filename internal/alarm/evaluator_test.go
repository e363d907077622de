package alarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/registry"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time                        { return f.now }
func (f *fakeClock) NowMs() int64                          { return f.now.UnixMilli() }
func (f *fakeClock) Sleep(time.Duration)                   {}
func (f *fakeClock) NewTimer(d time.Duration) clock.Timer  { return nil }

func newTestReg(t *testing.T) *registry.Registry {
	reg := registry.New(0, 0)
	require.NoError(t, reg.AddDevice(registry.DeviceConfig{Station: "rtu-1", NumSlots: 2}))
	require.NoError(t, reg.ConfigureSlot("rtu-1", 0, registry.SlotConfig{
		Kind:   registry.SlotSensor,
		Sensor: registry.SensorConfig{Measurement: registry.MeasurementPH},
	}))
	return reg
}

func TestRaiseRequiresDebounce(t *testing.T) {
	reg := newTestReg(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	ev := NewEvaluator(reg, fc)
	id := ev.AddRule(Rule{Station: "rtu-1", Slot: 0, Kind: KindAnalogHigh, Setpoint: 8.0, DebounceMs: 500, Enabled: true})

	require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 9, Quality: registry.QualityGood}))
	ev.Scan(fc.now)
	require.Empty(t, ev.Snapshots())

	fc.now = fc.now.Add(600 * time.Millisecond)
	ev.Scan(fc.now)
	snaps := ev.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, ActiveUnack, snaps[0].Event.State)
	require.Equal(t, id, snaps[0].Event.RuleID)
}

func TestClearAndAckLifecycle(t *testing.T) {
	reg := newTestReg(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	ev := NewEvaluator(reg, fc)
	id := ev.AddRule(Rule{Station: "rtu-1", Slot: 0, Kind: KindAnalogHigh, Setpoint: 8.0, DebounceMs: 0, Enabled: true})

	require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 9, Quality: registry.QualityGood}))
	ev.Scan(fc.now)
	require.Equal(t, ActiveUnack, ev.Snapshots()[0].Event.State)

	require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 1, Quality: registry.QualityGood}))
	ev.Scan(fc.now)
	require.Equal(t, ClearedUnack, ev.Snapshots()[0].Event.State)

	require.NoError(t, ev.Acknowledge(id))
	require.Empty(t, ev.Snapshots())
}

func TestShelvingHidesButStillEvaluates(t *testing.T) {
	reg := newTestReg(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	ev := NewEvaluator(reg, fc)
	id := ev.AddRule(Rule{Station: "rtu-1", Slot: 0, Kind: KindAnalogHigh, Setpoint: 8.0, DebounceMs: 0, Enabled: true})

	require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 9, Quality: registry.QualityGood}))
	ev.Scan(fc.now)
	require.NoError(t, ev.Shelve(id, "known transient", time.Minute))
	require.Empty(t, ev.Snapshots())

	fc.now = fc.now.Add(2 * time.Minute)
	require.Len(t, ev.Snapshots(), 1) // shelf expired
}

func TestFloodWindowCountsRecentRaises(t *testing.T) {
	reg := newTestReg(t)
	fc := &fakeClock{now: time.Unix(0, 0)}
	ev := NewEvaluator(reg, fc)

	for i := 0; i < 3; i++ {
		id := ev.AddRule(Rule{Station: "rtu-1", Slot: 0, Kind: KindAnalogHigh, Setpoint: float64(i), DebounceMs: 0, Enabled: true})
		require.NoError(t, reg.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 100, Quality: registry.QualityGood}))
		ev.Scan(fc.now)
		require.NoError(t, ev.Acknowledge(id))
		fc.now = fc.now.Add(time.Second)
	}
	require.Equal(t, 3, ev.AlarmsPerWindow(10*time.Minute))
}
