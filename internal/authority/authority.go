// Package authority implements the Authority Manager (§4.2): a per-RTU
// handoff state machine enforcing single-writer semantics between the
// Controller and each RTU via a monotonically increasing epoch.
//
// Grounded on the teacher's bus delivery model: bus.Bus.tryDeliver releases
// the bus's mutex before sending to a subscriber channel so a blocked
// receiver can never deadlock the publisher. The same shape is applied
// here — every transition runs under Manager.mu, and the registered
// state-change callback fires only after Unlock (§4.2 concurrency note).
package authority

import (
	"sync"
	"time"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/errcode"
)

// State is the handoff state machine's state (§4.2).
type State int

const (
	Autonomous State = iota
	HandoffPending
	Supervised
	Releasing
)

func (s State) String() string {
	switch s {
	case Autonomous:
		return "AUTONOMOUS"
	case HandoffPending:
		return "HANDOFF_PENDING"
	case Supervised:
		return "SUPERVISED"
	case Releasing:
		return "RELEASING"
	default:
		return "UNKNOWN"
	}
}

// Context is the per-RTU authority state, returned by value to callers.
type Context struct {
	Station         string
	Epoch           uint32
	State           State
	RequestedAt     time.Time
	GrantedAt       time.Time
	Holder          string
	ControllerOnline bool
}

// ChangeCallback is invoked after a transition, outside Manager.mu.
type ChangeCallback func(station string, old, new Context)

type Manager struct {
	mu             sync.Mutex
	clock          clock.Clock
	handoffTimeout time.Duration
	stations       map[string]*Context
	onChange       ChangeCallback
}

// NewManager builds a Manager. handoffTimeout is the single timeout used
// both for HANDOFF_PENDING -> AUTONOMOUS and RELEASING -> AUTONOMOUS (§4.2,
// §5: "two timeouts... handoff_timeout_ms... again").
func NewManager(clk clock.Clock, handoffTimeout time.Duration, onChange ChangeCallback) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		clock:          clk,
		handoffTimeout: handoffTimeout,
		stations:       make(map[string]*Context),
		onChange:       onChange,
	}
}

// EnsureStation registers a station with initial state AUTONOMOUS, epoch=1
// (§3) if not already present. Idempotent.
func (m *Manager) EnsureStation(station string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stations[station]; !ok {
		m.stations[station] = &Context{Station: station, Epoch: 1, State: Autonomous, ControllerOnline: true}
	}
}

// RemoveStation drops a station's authority context entirely (device removal).
func (m *Manager) RemoveStation(station string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stations, station)
}

func (m *Manager) get(station string) (*Context, error) {
	c, ok := m.stations[station]
	if !ok {
		return nil, errcode.New(errcode.NotFound, "authority", station)
	}
	return c, nil
}

func (m *Manager) transition(station string, fn func(c *Context) error) (Context, Context, error) {
	m.mu.Lock()
	c, err := m.get(station)
	if err != nil {
		m.mu.Unlock()
		return Context{}, Context{}, err
	}
	before := *c
	if err := fn(c); err != nil {
		m.mu.Unlock()
		return before, before, err
	}
	after := *c
	m.mu.Unlock()

	if m.onChange != nil && after != before {
		m.onChange(station, before, after)
	}
	return before, after, nil
}

// RequestAuthority is the local request_authority event: AUTONOMOUS ->
// HANDOFF_PENDING.
func (m *Manager) RequestAuthority(station string) error {
	_, _, err := m.transition(station, func(c *Context) error {
		if c.State != Autonomous {
			return errcode.New(errcode.Protocol, "RequestAuthority", "not autonomous")
		}
		c.State = HandoffPending
		c.RequestedAt = m.clock.Now()
		return nil
	})
	return err
}

// Grant is the inbound grant(epoch_rtu) event: HANDOFF_PENDING -> SUPERVISED.
func (m *Manager) Grant(station string, epochRTU uint32) error {
	_, _, err := m.transition(station, func(c *Context) error {
		if c.State != HandoffPending {
			return errcode.New(errcode.Protocol, "Grant", "no pending request")
		}
		c.Epoch = epochRTU
		c.State = Supervised
		c.GrantedAt = m.clock.Now()
		c.ControllerOnline = true
		return nil
	})
	return err
}

// ReleaseAuthority is the local release_authority event: SUPERVISED ->
// RELEASING.
func (m *Manager) ReleaseAuthority(station string) error {
	_, _, err := m.transition(station, func(c *Context) error {
		if c.State != Supervised {
			return errcode.New(errcode.Protocol, "ReleaseAuthority", "not supervised")
		}
		c.State = Releasing
		c.RequestedAt = m.clock.Now()
		return nil
	})
	return err
}

// Released is the inbound released(epoch_rtu) event: RELEASING -> AUTONOMOUS.
func (m *Manager) Released(station string, epochRTU uint32) error {
	_, _, err := m.transition(station, func(c *Context) error {
		if c.State != Releasing {
			return errcode.New(errcode.Protocol, "Released", "not releasing")
		}
		c.Epoch = epochRTU
		c.State = Autonomous
		return nil
	})
	return err
}

// ForceRelease is the any-state force_release event: bumps epoch by one and
// marks the controller offline, regardless of current state.
func (m *Manager) ForceRelease(station string) error {
	_, _, err := m.transition(station, func(c *Context) error {
		c.Epoch++
		c.State = Autonomous
		c.ControllerOnline = false
		return nil
	})
	return err
}

// Tick checks the two handoff timeouts across every station and applies
// the corresponding forced transition. Callers (the Supervisor main loop,
// §4.7) invoke this on each iteration.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	type pending struct{ station string; before, after Context }
	var fired []pending
	for station, c := range m.stations {
		before := *c
		switch c.State {
		case HandoffPending:
			if now.Sub(c.RequestedAt) > m.handoffTimeout {
				c.State = Autonomous
				c.ControllerOnline = false
			}
		case Releasing:
			if now.Sub(c.RequestedAt) > m.handoffTimeout {
				c.Epoch++
				c.State = Autonomous
			}
		}
		if *c != before {
			fired = append(fired, pending{station, before, *c})
		}
	}
	m.mu.Unlock()

	if m.onChange != nil {
		for _, p := range fired {
			m.onChange(p.station, p.before, p.after)
		}
	}
}

// ValidateCommand returns nil only when the station is SUPERVISED and the
// command's epoch is 0 (unsigned sentinel, "not epoch-tagged") or >= the
// current epoch (§4.2).
func (m *Manager) ValidateCommand(station string, commandEpoch uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.get(station)
	if err != nil {
		return err
	}
	if c.State != Supervised {
		return errcode.New(errcode.Permission, "ValidateCommand", "not supervised")
	}
	if commandEpoch != 0 && commandEpoch < c.Epoch {
		return errcode.New(errcode.Permission, "ValidateCommand", "stale epoch")
	}
	return nil
}

// Get returns an owned copy of a station's authority context.
func (m *Manager) Get(station string) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(station)
	if err != nil {
		return Context{}, err
	}
	return *c, nil
}
