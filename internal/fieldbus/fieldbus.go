// Package fieldbus defines the cyclic-exchange collaborator boundary
// (§6): the abstract interface the core depends on for pushing sensor
// samples, draining pending actuator commands, and reporting connection
// lifecycle and discovery events, plus a reference in-memory
// implementation for tests and demos.
//
// The teacher's closest analogue is services/bridge/bridge.go, which owns
// a transport's connect/reconnect lifecycle behind a Dialer interface and
// backs off on failure; Exchange generalizes that shape from "one UART
// link" to "one polymorphic fieldbus collaborator; discover as well as
// connect."
package fieldbus

import (
	"context"
	"time"

	"github.com/watertreat/supervisor/internal/registry"
)

// ActuatorCommand is a pending command the core wants applied to an RTU,
// as handed to the collaborator by PopCommands.
type ActuatorCommand struct {
	Station string
	Slot    int
	Command registry.ActuatorCommand
}

// DeviceInfo is what a discovery broadcast or connect handshake learns
// about an RTU (§6: on_device_discovered).
type DeviceInfo struct {
	Station  string
	IP       string
	VendorID uint32
	DeviceID uint32
	NumSlots int
}

// Exchange is the capability set the core consumes: discover, connect,
// disconnect, pop_commands, push_sample, send_alarm (§9 "dynamic
// dispatch"). The core never depends on a concrete transport; production
// builds wire in a real fieldbus driver, tests and demos wire in SimDriver.
type Exchange interface {
	// Discover issues an identification broadcast for the given protocol
	// and returns immediately; discovered devices later surface through
	// OnDeviceDiscovered and/or HarvestDiscovered.
	Discover(ctx context.Context, kind string) error

	// HarvestDiscovered returns (and clears) whatever discovery responses
	// have accumulated since the last harvest, for the IPC bridge's
	// discovery-timeout harvesting step (§4.6).
	HarvestDiscovered() []DeviceInfo

	Connect(ctx context.Context, station string) error
	Disconnect(ctx context.Context, station string) error

	// PushSample delivers one cyclic-I/O sensor reading inbound from the
	// wire (§6: push_sample).
	PushSample(station string, slot int, value float32, iops byte, quality registry.Quality, timestampMs int64)

	// PopCommands returns pending outbound actuator commands for station,
	// draining them from the collaborator's internal queue.
	PopCommands(station string) []ActuatorCommand

	// SendAlarm notifies the collaborator of a raised alarm, for
	// collaborators that mirror alarms onto a local panel/buzzer.
	SendAlarm(station string, ruleID int, priority int)
}

// StateChangeCallback mirrors on_device_state_changed (§6).
type StateChangeCallback func(station string, old, new registry.ConnState)

// DiscoveredCallback mirrors on_device_discovered (§6).
type DiscoveredCallback func(info DeviceInfo)

// DiscoveryTimeout is the default window the IPC bridge waits before
// harvesting a discovery broadcast's responses (§4.6).
const DiscoveryTimeout = 3 * time.Second
