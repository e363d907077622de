package fieldbus

import (
	"context"
	"sync"
	"time"

	"github.com/watertreat/supervisor/internal/registry"
)

// backoffSeq returns a doubling backoff generator clamped to [min, max],
// adapted verbatim from the teacher's services/bridge/bridge.go (used
// there to retry a single UART dial). SimDriver stores one generator per
// station but never calls it: its Connect succeeds at once.
func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

type simStation struct {
	info      DeviceInfo
	connected bool
	backoff   func() time.Duration
	queue     []ActuatorCommand
}

// SimDriver is a reference in-memory Exchange implementation: it has no
// real wire, just a registered set of stations that "respond" to
// Discover/Connect immediately, and an outbound command queue per
// station that only Enqueue fills (tests and demo binaries call it
// directly rather than routing through a real transport).
type SimDriver struct {
	mu           sync.Mutex
	stations     map[string]*simStation
	discovered   []DeviceInfo
	onStateChange StateChangeCallback
	onDiscovered  DiscoveredCallback
}

// NewSimDriver builds an empty simulated collaborator.
func NewSimDriver(onStateChange StateChangeCallback, onDiscovered DiscoveredCallback) *SimDriver {
	return &SimDriver{
		stations:      make(map[string]*simStation),
		onStateChange: onStateChange,
		onDiscovered:  onDiscovered,
	}
}

// Seed registers a station as discoverable, as if it had already answered
// a prior identification broadcast.
func (s *SimDriver) Seed(info DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations[info.Station] = &simStation{info: info, backoff: backoffSeq(250*time.Millisecond, 5*time.Second)}
}

func (s *SimDriver) Discover(ctx context.Context, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered = s.discovered[:0]
	for _, st := range s.stations {
		s.discovered = append(s.discovered, st.info)
		if s.onDiscovered != nil {
			s.onDiscovered(st.info)
		}
	}
	return nil
}

func (s *SimDriver) HarvestDiscovered() []DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.discovered
	s.discovered = nil
	return out
}

func (s *SimDriver) Connect(ctx context.Context, station string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[station]
	if !ok {
		return errNoSuchStation
	}
	old := registry.Offline
	if st.connected {
		old = registry.Running
	}
	st.connected = true
	if s.onStateChange != nil {
		s.onStateChange(station, old, registry.Running)
	}
	return nil
}

func (s *SimDriver) Disconnect(ctx context.Context, station string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[station]
	if !ok {
		return errNoSuchStation
	}
	st.connected = false
	if s.onStateChange != nil {
		s.onStateChange(station, registry.Running, registry.Offline)
	}
	return nil
}

func (s *SimDriver) PushSample(station string, slot int, value float32, iops byte, quality registry.Quality, timestampMs int64) {
	// Reference driver: sample delivery is the caller's (test/demo)
	// responsibility via registry.UpdateSensor directly; this hook exists
	// so production drivers have somewhere to land inbound wire frames.
}

func (s *SimDriver) Enqueue(station string, cmd ActuatorCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[station]
	if !ok {
		return
	}
	st.queue = append(st.queue, cmd)
}

func (s *SimDriver) PopCommands(station string) []ActuatorCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[station]
	if !ok {
		return nil
	}
	out := st.queue
	st.queue = nil
	return out
}

func (s *SimDriver) SendAlarm(station string, ruleID int, priority int) {}

type simError string

func (e simError) Error() string { return string(e) }

const errNoSuchStation = simError("fieldbus: no such station")
