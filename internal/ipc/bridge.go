package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/watertreat/supervisor/internal/alarm"
	"github.com/watertreat/supervisor/internal/authority"
	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/control"
	"github.com/watertreat/supervisor/internal/errcode"
	"github.com/watertreat/supervisor/internal/eventbus"
	"github.com/watertreat/supervisor/internal/fieldbus"
	"github.com/watertreat/supervisor/internal/logging"
	"github.com/watertreat/supervisor/internal/reconciler"
	"github.com/watertreat/supervisor/internal/registry"
	"github.com/watertreat/supervisor/internal/shmring"
)

// Bridge is the IPC Bridge (§4.6): it mirrors Registry/Alarm/Control state
// into a shared-memory Region on every Update and drains the single
// command slot on every ProcessCommands call.
type Bridge struct {
	reg     *registry.Registry
	auth    *authority.Manager
	recon   *reconciler.Store
	ctrl    *control.Engine
	alarms  *alarm.Evaluator
	exch    fieldbus.Exchange
	clock   clock.Clock
	log     *logging.Logger

	mu sync.Mutex

	lastCommandSeq uint64
	pending        *Command
	lastAckSeq     uint64
	lastResult     CommandResult
	lastErrMsg     string

	discoveryInProgress bool
	discoveryDeadline   time.Time
	discoveryKind       DiscoveryKind
	discoveryResults    []DiscoveryResult
	discoveryComplete   bool

	ring    *shmring.Ring
	busSub  *eventbus.Subscription
	busDone chan struct{}
}

// NewBridge wires a Bridge over the core components.
func NewBridge(
	reg *registry.Registry,
	auth *authority.Manager,
	recon *reconciler.Store,
	ctrl *control.Engine,
	alarms *alarm.Evaluator,
	exch fieldbus.Exchange,
	clk clock.Clock,
	log *logging.Logger,
) *Bridge {
	if clk == nil {
		clk = clock.System{}
	}
	named := log
	if named != nil {
		named = named.Named("ipc")
	}
	return &Bridge{reg: reg, auth: auth, recon: recon, ctrl: ctrl, alarms: alarms, exch: exch, clock: clk, log: named}
}

// SubmitCommand is the reader-side half of §4.6's ordering protocol: it
// sets the command union and bumps the sequence counter. Callers must
// wait for the corresponding ack before submitting another (single
// outstanding command).
func (b *Bridge) SubmitCommand(cmd Command) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCommandSeq++
	cmd.CorrelationID = truncateCorrelationID(cmd.CorrelationID)
	b.pending = &cmd
	return b.lastCommandSeq
}

func truncateCorrelationID(id string) string {
	if len(id) >= CorrelationIDLen {
		return id[:CorrelationIDLen-1]
	}
	return id
}

// BuildRegion assembles a fresh Region snapshot from the core components
// (§4.6's writer-side "update the full snapshot in place"). It does not
// touch the command slot; call it from Update.
func (b *Bridge) BuildRegion(now time.Time) *Region {
	r := NewRegion()
	r.LastUpdateMs = now.UnixMilli()
	r.ControllerRunning = true

	stations := b.reg.Stations()
	var fleet FleetCounters
	fleet.TotalDevices = len(stations)
	for _, st := range stations {
		dev, err := b.reg.GetDevice(st)
		if err != nil {
			continue
		}
		switch dev.State {
		case registry.Running:
			fleet.RunningDevices++
		case registry.Degraded:
			fleet.DegradedDevices++
		case registry.Offline, registry.Failed:
			fleet.OfflineDevices++
		}
		if len(r.Devices) < MaxDevices {
			r.Devices = append(r.Devices, snapshotDevice(dev))
		}
	}

	if b.alarms != nil {
		for _, snap := range b.alarms.Snapshots() {
			if len(r.Alarms) >= MaxAlarms {
				break
			}
			fleet.ActiveAlarms++
			if snap.Event.State == alarm.ActiveUnack {
				fleet.UnackedAlarms++
			}
			r.Alarms = append(r.Alarms, AlarmSnapshot{
				RuleID:   snap.Rule.ID,
				Station:  snap.Rule.Station,
				Slot:     snap.Rule.Slot,
				Priority: int(snap.Rule.Priority),
				State:    int(snap.Event.State),
				Value:    snap.Event.Value,
				RaisedAt: snap.Event.RaisedAt.UnixMilli(),
			})
		}
	}

	if b.ctrl != nil {
		for _, p := range b.ctrl.PIDSnapshots() {
			if len(r.Loops) >= MaxPIDLoops {
				break
			}
			r.Loops = append(r.Loops, PIDSnapshot{
				LoopID: p.ID, Enabled: p.Enabled, Mode: int(p.Mode), Setpoint: p.Setpoint, CV: p.CV,
			})
		}
	}
	r.Fleet = fleet
	r.Notifications = b.drainNotifications()

	b.mu.Lock()
	r.DiscoveryInProgress = b.discoveryInProgress
	r.DiscoveryComplete = b.discoveryComplete
	r.DiscoveryKind = b.discoveryKind
	r.DiscoveryResults = append([]DiscoveryResult(nil), b.discoveryResults...)
	r.CommandSequence = b.lastCommandSeq
	r.CommandAck = b.lastAckSeq // stamped by ProcessCommands once the command has executed
	r.CommandResult = b.lastResult
	r.CommandErrorMsg = b.lastErrMsg
	b.mu.Unlock()

	return r
}

func snapshotDevice(dev registry.Device) DeviceSnapshot {
	ds := DeviceSnapshot{Station: dev.Config.Station, State: dev.State}
	for i, slot := range dev.Slots {
		switch slot.Kind {
		case registry.SlotSensor:
			ds.Sensors = append(ds.Sensors, SensorSnapshot{Slot: i, Value: slot.Sample.Value, Quality: slot.Sample.Quality})
		case registry.SlotActuator:
			ds.Actuators = append(ds.Actuators, ActuatorSnapshot{Slot: i, Code: slot.Command.Code, PWMDuty: slot.Command.PWMDuty, Forced: slot.Command.Forced})
		}
	}
	return ds
}

// ProcessCommands drains a single pending command (§4.6 writer tick):
// take the lock, observe sequence != ack, execute, store result, ack.
// It always acks, even on failure, to unblock the reader (§4.6 failure
// semantics).
func (b *Bridge) ProcessCommands(now time.Time) (executed bool, result CommandResult, errMsg string) {
	b.mu.Lock()
	cmd := b.pending
	b.pending = nil
	seq := b.lastCommandSeq
	b.mu.Unlock()

	if cmd == nil {
		return false, ResultPending, ""
	}

	result, errMsg = b.execute(*cmd, now)

	b.mu.Lock()
	b.lastAckSeq = seq
	b.lastResult = result
	b.lastErrMsg = errMsg
	b.mu.Unlock()

	return true, result, errMsg
}

// rtuDestined is the subset of the closed command set that targets a
// specific RTU and must therefore clear the Authority Manager's
// stale-epoch check before touching the Registry (§4.4 "Authority gates
// every command destined for an RTU").
func rtuDestined(t CommandType) bool {
	switch t {
	case CmdActuatorCommand, CmdConnectRTU, CmdDisconnectRTU, CmdSlotConfigure:
		return true
	default:
		return false
	}
}

func (b *Bridge) execute(cmd Command, now time.Time) (CommandResult, string) {
	if b.auth != nil && rtuDestined(cmd.Type) {
		if err := b.auth.ValidateCommand(cmd.Station, cmd.Epoch); err != nil {
			return codeToResult(err), err.Error()
		}
	}

	switch cmd.Type {
	case CmdActuatorCommand:
		// §4.4: the forced-output set is authoritative over any
		// computed output for a slot; consult it before mirroring this
		// command into the Registry, rather than waiting for the
		// Control Engine's next scan to re-pin it.
		actCmd := registry.ActuatorCommand{Code: cmd.ActuatorCode, PWMDuty: cmd.PWMDuty}
		if b.ctrl != nil {
			if ov, ok := b.ctrl.ForcedOverride(cmd.Station, cmd.Slot); ok {
				actCmd = registry.ActuatorCommand{Code: ov.Code, PWMDuty: ov.PWMDuty, Forced: true}
			}
		}
		if err := b.reg.UpdateActuator(cmd.Station, cmd.Slot, actCmd); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdPIDSetpoint:
		if err := b.ctrl.SetSetpoint(cmd.LoopID, cmd.Setpoint); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdPIDMode:
		if err := b.ctrl.SetMode(cmd.LoopID, control.Mode(cmd.Mode)); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdAlarmAcknowledge:
		if err := b.alarms.Acknowledge(cmd.RuleID); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdInterlockReset:
		if err := b.ctrl.ResetInterlock(cmd.InterlockID); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdAddRTU:
		if err := b.reg.AddDevice(registry.DeviceConfig{Station: cmd.Station}); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdRemoveRTU:
		if err := b.reg.RemoveDevice(cmd.Station); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdConnectRTU:
		if b.exch == nil {
			return ResultNotInitialized, "no fieldbus collaborator bound"
		}
		if err := b.exch.Connect(context.Background(), cmd.Station); err != nil {
			return ResultIO, err.Error()
		}
		return ResultOK, ""

	case CmdDisconnectRTU:
		if b.exch == nil {
			return ResultNotInitialized, "no fieldbus collaborator bound"
		}
		if err := b.exch.Disconnect(context.Background(), cmd.Station); err != nil {
			return ResultIO, err.Error()
		}
		return ResultOK, ""

	case CmdDiscoveryDCP, CmdDiscoveryI2C, CmdDiscoveryOneWire:
		return b.kickoffDiscovery(cmd, now)

	case CmdSlotConfigure:
		if err := b.reg.ConfigureSlot(cmd.Station, cmd.Slot, cmd.SlotConfig); err != nil {
			return codeToResult(err), err.Error()
		}
		return ResultOK, ""

	case CmdUserSyncBatch:
		// Opaque batch payload: the reference core accepts and
		// acknowledges it without interpreting contents, since the batch
		// schema is owned by the out-of-process API tier.
		return ResultOK, ""

	default:
		return ResultInvalidParam, "unknown command type"
	}
}

// kickoffDiscovery implements §4.6's discovery protocol: stamp
// discovery_in_progress, ask the collaborator for an identification
// broadcast, and set a timeout; harvesting itself happens in Tick.
func (b *Bridge) kickoffDiscovery(cmd Command, now time.Time) (CommandResult, string) {
	if b.exch == nil {
		return ResultNotInitialized, "no fieldbus collaborator bound"
	}
	kind := discoveryProtocol(cmd.Type)
	if err := b.exch.Discover(context.Background(), kind); err != nil {
		return ResultIO, err.Error()
	}
	b.mu.Lock()
	b.discoveryInProgress = true
	b.discoveryComplete = false
	b.discoveryKind = cmd.DiscoveryKind
	b.discoveryDeadline = now.Add(fieldbus.DiscoveryTimeout)
	b.mu.Unlock()
	return ResultOK, ""
}

func discoveryProtocol(t CommandType) string {
	switch t {
	case CmdDiscoveryDCP:
		return "dcp"
	case CmdDiscoveryI2C:
		return "i2c"
	case CmdDiscoveryOneWire:
		return "onewire"
	default:
		return ""
	}
}

// Tick runs per-supervisor-loop housekeeping that isn't tied to a specific
// command: harvesting a completed discovery broadcast (§4.6). Late
// responses arriving after completion are dropped by HarvestDiscovered's
// own "harvest once" semantics, not re-harvested here.
func (b *Bridge) Tick(now time.Time) {
	b.mu.Lock()
	inProgress := b.discoveryInProgress
	deadline := b.discoveryDeadline
	b.mu.Unlock()
	if !inProgress || now.Before(deadline) {
		return
	}
	if b.exch == nil {
		return
	}
	found := b.exch.HarvestDiscovered()
	b.mu.Lock()
	b.discoveryResults = b.discoveryResults[:0]
	for _, f := range found {
		if len(b.discoveryResults) >= MaxDiscoveryResults {
			break
		}
		b.discoveryResults = append(b.discoveryResults, DiscoveryResult{
			Kind: b.discoveryKind, Station: f.Station, IP: f.IP, VendorID: f.VendorID, DeviceID: f.DeviceID,
		})
	}
	b.discoveryInProgress = false
	b.discoveryComplete = true
	b.mu.Unlock()
}

func codeToResult(err error) CommandResult {
	switch errcode.Of(err) {
	case errcode.InvalidParam:
		return ResultInvalidParam
	case errcode.NotInitialized:
		return ResultNotInitialized
	case errcode.NotFound:
		return ResultNotFound
	case errcode.Duplicate:
		return ResultDuplicate
	case errcode.CapacityFull:
		return ResultCapacityFull
	case errcode.TypeMismatch:
		return ResultTypeMismatch
	case errcode.Permission:
		return ResultPermission
	case errcode.Busy:
		return ResultBusy
	case errcode.Protocol:
		return ResultProtocol
	case errcode.Corrupt:
		return ResultCorrupt
	case errcode.IO:
		return ResultIO
	case errcode.Timeout:
		return ResultTimeout
	default:
		return ResultError
	}
}
