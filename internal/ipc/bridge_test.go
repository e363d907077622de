package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watertreat/supervisor/internal/authority"
	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/fieldbus"
	"github.com/watertreat/supervisor/internal/registry"
)

func TestRegionMarshalRoundTrip(t *testing.T) {
	r := NewRegion()
	r.LastUpdateMs = 1234
	r.ControllerRunning = true
	r.Devices = []DeviceSnapshot{{Station: "rtu-1", State: registry.Running}}

	raw, err := r.Marshal()
	require.NoError(t, err)

	back, err := Unmarshal(raw)
	require.NoError(t, err)
	require.Equal(t, r.LastUpdateMs, back.LastUpdateMs)
	require.Equal(t, r.Devices, back.Devices)
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	r := NewRegion()
	raw, err := r.Marshal()
	require.NoError(t, err)
	raw[0] ^= 0xFF
	_, err = Unmarshal(raw)
	require.Error(t, err)
}

func TestCommandOrderingActuatorReflectsInRegistry(t *testing.T) {
	reg := registry.New(0, 0)
	require.NoError(t, reg.AddDevice(registry.DeviceConfig{Station: "rtu-1", NumSlots: 2}))
	require.NoError(t, reg.ConfigureSlot("rtu-1", 0, registry.SlotConfig{
		Kind:     registry.SlotActuator,
		Actuator: registry.ActuatorConfig{Kind: registry.ActuatorPump},
	}))

	auth := authority.NewManager(clock.System{}, 5*time.Second, nil)
	auth.EnsureStation("rtu-1")
	require.NoError(t, auth.RequestAuthority("rtu-1"))
	require.NoError(t, auth.Grant("rtu-1", 1))

	b := NewBridge(reg, auth, nil, nil, nil, nil, clock.System{}, nil)

	seq := b.SubmitCommand(Command{Type: CmdActuatorCommand, Station: "rtu-1", Slot: 0, ActuatorCode: registry.CommandOn, CorrelationID: "abc"})
	require.EqualValues(t, 1, seq)

	executed, result, _ := b.ProcessCommands(time.Now())
	require.True(t, executed)
	require.Equal(t, ResultOK, result)

	cmd, err := reg.GetActuator("rtu-1", 0)
	require.NoError(t, err)
	require.Equal(t, registry.CommandOn, cmd.Code)
}

func TestCommandRejectedWithoutAuthority(t *testing.T) {
	reg := registry.New(0, 0)
	require.NoError(t, reg.AddDevice(registry.DeviceConfig{Station: "rtu-1", NumSlots: 1}))
	require.NoError(t, reg.ConfigureSlot("rtu-1", 0, registry.SlotConfig{
		Kind:     registry.SlotActuator,
		Actuator: registry.ActuatorConfig{Kind: registry.ActuatorPump},
	}))

	auth := authority.NewManager(clock.System{}, 5*time.Second, nil)
	auth.EnsureStation("rtu-1")

	b := NewBridge(reg, auth, nil, nil, nil, nil, clock.System{}, nil)
	b.SubmitCommand(Command{Type: CmdActuatorCommand, Station: "rtu-1", Slot: 0, ActuatorCode: registry.CommandOn})

	_, result, msg := b.ProcessCommands(time.Now())
	require.Equal(t, ResultPermission, result)
	require.NotEmpty(t, msg)
}

func TestDiscoveryKickoffAndHarvest(t *testing.T) {
	reg := registry.New(0, 0)
	sim := fieldbus.NewSimDriver(nil, nil)
	sim.Seed(fieldbus.DeviceInfo{Station: "rtu-9", IP: "10.0.0.9"})

	now := time.Unix(0, 0)
	b := NewBridge(reg, nil, nil, nil, nil, sim, clock.System{}, nil)

	b.SubmitCommand(Command{Type: CmdDiscoveryDCP})
	executed, result, _ := b.ProcessCommands(now)
	require.True(t, executed)
	require.Equal(t, ResultOK, result)

	b.Tick(now) // before timeout: no-op
	region := b.BuildRegion(now)
	require.True(t, region.DiscoveryInProgress)
	require.False(t, region.DiscoveryComplete)

	later := now.Add(fieldbus.DiscoveryTimeout + time.Second)
	b.Tick(later)
	region = b.BuildRegion(later)
	require.False(t, region.DiscoveryInProgress)
	require.True(t, region.DiscoveryComplete)
	require.Len(t, region.DiscoveryResults, 1)
	require.Equal(t, "rtu-9", region.DiscoveryResults[0].Station)
}
