// Command plantctl-sim runs the supervisor against fieldbus.SimDriver and
// injects a slow sensor ramp so the Control Engine, Alarm Evaluator, and
// IPC Bridge have something to react to without any real hardware — a demo
// integration-test harness, not a production entrypoint.
package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/watertreat/supervisor/internal/config"
	"github.com/watertreat/supervisor/internal/fieldbus"
	"github.com/watertreat/supervisor/internal/ipc"
	"github.com/watertreat/supervisor/internal/logging"
	"github.com/watertreat/supervisor/internal/registry"
	"github.com/watertreat/supervisor/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "plant.sim.toml", "plant topology TOML file")
	flag.Parse()

	log, err := logging.New(zapcore.DebugLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("failed to load plant topology", zap.Error(err))
	}

	sim := fieldbus.NewSimDriver(nil, nil)
	for _, d := range cfg.Devices {
		sim.Seed(fieldbus.DeviceInfo{Station: d.Station, IP: d.IP, VendorID: d.VendorID, DeviceID: d.DeviceID})
	}

	sup, err := supervisor.New(cfg, sim, nil, log)
	if err != nil {
		log.Fatal("failed to build supervisor", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go runSensorRamp(ctx, sup, cfg)

	// correlationID demonstrates the out-of-process API tier's command
	// submission shape: every operator-issued command carries a UUID so
	// its result can be matched back up once CommandAck advances.
	boot := uuid.NewString()
	sup.Bridge.SubmitCommand(ipc.Command{Type: ipc.CmdDiscoveryDCP, CorrelationID: boot})

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("supervisor exited with error", zap.Error(err))
	}
}

// runSensorRamp feeds a slow sinusoidal value into every sensor slot of
// every configured device, standing in for the cyclic I/O a real fieldbus
// collaborator would push via Exchange.PushSample.
func runSensorRamp(ctx context.Context, sup *supervisor.Supervisor, cfg *config.Plant) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			for _, d := range cfg.Devices {
				for _, s := range d.Sensors {
					v := float32(50 + 40*math.Sin(t/20))
					_ = sup.Registry.UpdateSensor(d.Station, s.Index, registry.SensorSample{
						Value: v, TimestampMs: now.UnixMilli(), Quality: registry.QualityGood,
					})
				}
			}
		}
	}
}
