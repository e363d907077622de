package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watertreat/supervisor/internal/config"
	"github.com/watertreat/supervisor/internal/fieldbus"
	"github.com/watertreat/supervisor/internal/ipc"
	"github.com/watertreat/supervisor/internal/registry"
)

func testPlant(t *testing.T, desiredDir string) *config.Plant {
	t.Helper()
	return &config.Plant{
		Supervisor: config.Supervisor{ScanPeriodMs: 10, HandoffTimeoutMs: 1000, StatusLogPeriodSec: 1},
		Bridge:     config.Bridge{DesiredStateDir: desiredDir},
		Devices: []config.Device{{
			Station: "rtu-1",
			Sensors: []config.SensorSlot{{Index: 0, Measurement: "turbidity"}},
			Actuators: []config.ActuatorSlot{{Index: 1, Kind: "pump", PWMCapable: true}},
		}},
		Interlocks: []config.Interlock{{
			Name: "hi-hi", ConditionStation: "rtu-1", ConditionSlot: 0, Predicate: "above",
			Threshold: 50, DebounceMs: 0, Action: "force_off", ActionStation: "rtu-1", ActionSlot: 1, Enabled: true,
		}},
	}
}

func TestSupervisorRunsScanAndInterlockTrips(t *testing.T) {
	cfg := testPlant(t, t.TempDir())
	sim := fieldbus.NewSimDriver(nil, nil)
	sim.Seed(fieldbus.DeviceInfo{Station: "rtu-1"})

	sup, err := New(cfg, sim, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sup.Registry.UpdateSensor("rtu-1", 0, registry.SensorSample{Value: 90, Quality: registry.QualityGood}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = sup.Run(ctx)
	require.NoError(t, err)

	cmd, err := sup.Registry.GetActuator("rtu-1", 1)
	require.NoError(t, err)
	require.Equal(t, registry.CommandOff, cmd.Code)
	require.True(t, cmd.Forced)
}

func TestSupervisorProcessesSubmittedCommand(t *testing.T) {
	cfg := testPlant(t, t.TempDir())
	cfg.Interlocks = nil // isolate this test from the concurrent scan loop's fail-safe force
	sim := fieldbus.NewSimDriver(nil, nil)
	sim.Seed(fieldbus.DeviceInfo{Station: "rtu-1"})

	sup, err := New(cfg, sim, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sup.Authority.RequestAuthority("rtu-1"))
	require.NoError(t, sup.Authority.Grant("rtu-1", 1))

	sup.Bridge.SubmitCommand(ipc.Command{
		Type: ipc.CmdActuatorCommand, Station: "rtu-1", Slot: 1, ActuatorCode: registry.CommandOn,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, sup.Run(ctx))

	cmd, err := sup.Registry.GetActuator("rtu-1", 1)
	require.NoError(t, err)
	require.Equal(t, registry.CommandOn, cmd.Code)
}
