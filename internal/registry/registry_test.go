package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watertreat/supervisor/internal/errcode"
)

func TestAddDeviceDuplicateAndCapacity(t *testing.T) {
	r := New(1, 4)
	require.NoError(t, r.AddDevice(DeviceConfig{Station: "rtu-1"}))

	err := r.AddDevice(DeviceConfig{Station: "rtu-1"})
	require.Equal(t, errcode.Duplicate, errcode.Of(err))

	err = r.AddDevice(DeviceConfig{Station: "rtu-2"})
	require.Equal(t, errcode.CapacityFull, errcode.Of(err))
}

func TestConfigureSlotResetsSampleQuality(t *testing.T) {
	r := New(8, 8)
	require.NoError(t, r.AddDevice(DeviceConfig{Station: "rtu-1", NumSlots: 2}))
	require.NoError(t, r.ConfigureSlot("rtu-1", 0, SlotConfig{
		Kind:   SlotSensor,
		Sensor: SensorConfig{Measurement: MeasurementPH, Unit: "pH", RangeMin: 0, RangeMax: 14},
	}))

	require.NoError(t, r.UpdateSensor("rtu-1", 0, SensorSample{Value: 6.5, Quality: QualityGood, TimestampMs: 10}))
	s, err := r.GetSensor("rtu-1", 0)
	require.NoError(t, err)
	require.Equal(t, QualityGood, s.Quality)

	// Re-configuring the same slot clears the sample back to NOT_CONNECTED.
	require.NoError(t, r.ConfigureSlot("rtu-1", 0, SlotConfig{
		Kind:   SlotSensor,
		Sensor: SensorConfig{Measurement: MeasurementPH, Unit: "pH", RangeMin: 0, RangeMax: 14},
	}))
	s, err = r.GetSensor("rtu-1", 0)
	require.NoError(t, err)
	require.Equal(t, QualityNotConnected, s.Quality)
}

func TestTypeMismatch(t *testing.T) {
	r := New(8, 8)
	require.NoError(t, r.AddDevice(DeviceConfig{Station: "rtu-1", NumSlots: 1}))
	require.NoError(t, r.ConfigureSlot("rtu-1", 0, SlotConfig{Kind: SlotActuator, Actuator: ActuatorConfig{Kind: ActuatorPump}}))

	err := r.UpdateSensor("rtu-1", 0, SensorSample{})
	require.Equal(t, errcode.TypeMismatch, errcode.Of(err))
}

func TestQualityPreservedByteExactly(t *testing.T) {
	r := New(8, 8)
	require.NoError(t, r.AddDevice(DeviceConfig{Station: "rtu-1", NumSlots: 1}))
	require.NoError(t, r.ConfigureSlot("rtu-1", 0, SlotConfig{Kind: SlotSensor}))

	in := SensorSample{Value: 3.14, TimestampMs: 99, IOPS: 0x01, Quality: QualityUncertain}
	require.NoError(t, r.UpdateSensor("rtu-1", 0, in))
	out, err := r.GetSensor("rtu-1", 0)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestListDevicesReturnsOwnedCopies(t *testing.T) {
	r := New(8, 8)
	require.NoError(t, r.AddDevice(DeviceConfig{Station: "rtu-1", NumSlots: 1}))
	require.NoError(t, r.ConfigureSlot("rtu-1", 0, SlotConfig{Kind: SlotSensor}))

	list := r.ListDevices(0)
	require.Len(t, list, 1)
	list[0].Slots[0].Sample.Value = 42

	fresh, err := r.GetSensor("rtu-1", 0)
	require.NoError(t, err)
	require.NotEqual(t, float32(42), fresh.Value)
}
