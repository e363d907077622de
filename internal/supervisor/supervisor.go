// Package supervisor wires components A-G (Clock, Registry, Authority,
// Reconciler, Control Engine, Alarm Evaluator, IPC Bridge) into one running
// process (§4.7), plus the fieldbus collaborator and the shared-memory
// mapping the IPC Bridge publishes into.
//
// Start/stop sequencing uses golang.org/x/sync/errgroup, generalizing the
// teacher's manual goroutine+context.CancelFunc pairing in
// services/bridge/bridge.go's reconfigure path into a single group that
// cancels every member on the first error. The periodic status log is the
// teacher's services/heartbeat service adapted: a cadence taken from the
// plant config (10s by default) instead of bus-configurable, a fleet/alarm/scan-timing line instead of a bare
// heartbeat tick.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/watertreat/supervisor/internal/alarm"
	"github.com/watertreat/supervisor/internal/authority"
	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/config"
	"github.com/watertreat/supervisor/internal/control"
	"github.com/watertreat/supervisor/internal/eventbus"
	"github.com/watertreat/supervisor/internal/fieldbus"
	"github.com/watertreat/supervisor/internal/ipc"
	"github.com/watertreat/supervisor/internal/logging"
	"github.com/watertreat/supervisor/internal/reconciler"
	"github.com/watertreat/supervisor/internal/registry"
)

// Supervisor owns the full component graph for one plant process.
type Supervisor struct {
	cfg   *config.Plant
	clock clock.Clock
	log   *logging.Logger

	Registry *registry.Registry
	Authority *authority.Manager
	Reconciler *reconciler.Store
	Control  *control.Engine
	Alarms   *alarm.Evaluator
	Bridge   *ipc.Bridge
	Bus      *eventbus.Bus
	exch     fieldbus.Exchange

	shm *ipc.SharedRegion
}

// New builds every component in dependency order (§2: Registry before
// Authority before Reconciler before Alarm Evaluator before Control Engine
// before IPC Bridge before the fieldbus collaborator) and applies cfg's
// topology, but does not start any background goroutine yet — call Run for
// that.
func New(cfg *config.Plant, exch fieldbus.Exchange, clk clock.Clock, log *logging.Logger) (*Supervisor, error) {
	if clk == nil {
		clk = clock.System{}
	}
	bus := eventbus.New(32)

	reg := registry.New(0, 0)

	authLog := log
	auth := authority.NewManager(clk, cfg.Supervisor.HandoffTimeout(), func(station string, before, after authority.Context) {
		bus.Publish(&eventbus.Event{Topic: eventbus.T("authority", "changed"), Payload: station})
		if authLog != nil {
			authLog.Named("authority").Info("authority state changed",
				zap.String("station", station), zap.String("from", before.State.String()), zap.String("to", after.State.String()))
		}
	})

	recon, err := reconciler.NewStore(reconcileDir(cfg), clk)
	if err != nil {
		return nil, err
	}

	alarms := alarm.NewEvaluator(reg, clk)
	alarms.SetNotifier(func(ruleID int, station string, state alarm.State) {
		bus.Publish(&eventbus.Event{Topic: eventbus.T("alarm", state.String()), Payload: station})
		if log != nil {
			log.Named("alarm").Info("alarm state changed",
				zap.Int("rule_id", ruleID), zap.String("station", station), zap.String("state", state.String()))
		}
	})

	ctrl := control.NewEngine(reg, clk, cfg.Supervisor.ScanPeriod(), log)

	bridge := ipc.NewBridge(reg, auth, recon, ctrl, alarms, exch, clk, log)
	bridge.AttachEventBus(bus)

	s := &Supervisor{
		cfg: cfg, clock: clk, log: log,
		Registry: reg, Authority: auth, Reconciler: recon, Control: ctrl, Alarms: alarms,
		Bridge: bridge, Bus: bus, exch: exch,
	}

	if err := config.Apply(cfg, reg, ctrl, alarms); err != nil {
		return nil, err
	}
	for _, d := range cfg.Devices {
		auth.EnsureStation(d.Station)
	}

	return s, nil
}

func reconcileDir(cfg *config.Plant) string {
	if cfg.Bridge.DesiredStateDir != "" {
		return cfg.Bridge.DesiredStateDir
	}
	return "/var/lib/watertreat-supervisor/desired"
}

// Run starts the Control Engine's scan loop, the IPC Bridge's shared-memory
// publish loop, and the periodic status log, blocking until ctx is
// cancelled or any component errors. It mirrors every component's stop in
// the reverse of the start order on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Bridge.SharedMemoryName != "" {
		shm, err := ipc.CreateSharedRegion(s.cfg.Bridge.SharedMemoryName)
		if err != nil {
			return err
		}
		s.shm = shm
	}
	defer func() {
		if s.shm != nil {
			s.shm.Close()
		}
	}()

	s.Control.Start(ctx)
	defer s.Control.Stop()
	defer s.Bridge.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.mainLoop(gctx) })
	g.Go(func() error { return s.statusLoop(gctx) })
	return g.Wait()
}

// mainLoop drives the ~100ms housekeeping cycle (§4.7): authority timeout
// checks, alarm evaluation, IPC command draining, discovery harvesting, and
// publishing the fresh Region snapshot to shared memory.
func (s *Supervisor) mainLoop(ctx context.Context) error {
	period := s.cfg.Supervisor.ScanPeriod()
	timer := s.clock.NewTimer(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
			now := s.clock.Now()
			s.Authority.Tick(now)
			s.Alarms.Scan(now)
			if _, _, errMsg := s.Bridge.ProcessCommands(now); errMsg != "" && s.log != nil {
				s.log.Named("supervisor").Warn("ipc command failed", zap.String("error", errMsg))
			}
			s.Bridge.Tick(now)
			s.publish(now)

			if !timer.Stop() {
				clock.Drain(timer)
			}
			timer.Reset(period)
		}
	}
}

func (s *Supervisor) publish(now time.Time) {
	if s.shm == nil {
		return
	}
	region := s.Bridge.BuildRegion(now)
	raw, err := region.Marshal()
	if err != nil {
		if s.log != nil {
			s.log.Named("supervisor").Error("region marshal failed", zap.Error(err))
		}
		return
	}
	s.shm.Lock()
	_ = s.shm.Write(raw)
	s.shm.Unlock()
}

// statusLoop logs a fleet/alarm/scan-timing summary on the configured
// cadence, the adapted counterpart of the teacher's heartbeat tick.
func (s *Supervisor) statusLoop(ctx context.Context) error {
	period := s.cfg.Supervisor.StatusLogPeriod()
	timer := s.clock.NewTimer(period)
	defer timer.Stop()

	named := s.log
	if named != nil {
		named = named.Named("supervisor")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
			if named != nil {
				stats := s.Control.Stats()
				stations := s.Registry.Stations()
				named.Info("status",
					zap.Int("devices", len(stations)),
					zap.Int("active_alarms", len(s.Alarms.Snapshots())),
					zap.Uint64("scan_count", stats.Count),
					zap.Int64("scan_max_us", stats.MaxMicros),
					zap.Bool("last_scan_overran", stats.LastOverran),
				)
			}
			if !timer.Stop() {
				clock.Drain(timer)
			}
			timer.Reset(period)
		}
	}
}
