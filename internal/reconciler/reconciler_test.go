package reconciler

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/registry"
)

func readAll(path string) ([]byte, error)      { return os.ReadFile(path) }
func writeAll(path string, b []byte) error     { return os.WriteFile(path, b, 0o644) }

func TestSequenceIncrementsAndChecksumValidates(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, clock.System{})
	require.NoError(t, err)

	before := s.Get("rtu-1")
	after := s.SetActuator("rtu-1", DesiredActuator{Slot: 9, Code: registry.CommandPWM, PWMDuty: 42})
	require.Equal(t, before.Sequence+1, after.Sequence)
	require.True(t, ValidateChecksum(after))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, clock.System{})
	require.NoError(t, err)

	s.SetActuator("rtu-1", DesiredActuator{Slot: 9, Code: registry.CommandOn})
	s.SetPIDLoop("rtu-1", DesiredPIDLoop{LoopID: 1, Enabled: true, Setpoint: 7.0})
	require.NoError(t, s.Snapshot("rtu-1"))

	restored, err := s.Restore("rtu-1")
	require.NoError(t, err)
	require.Equal(t, "rtu-1", restored.Station)
	require.Len(t, restored.Actuators, 1)
	require.Len(t, restored.PIDLoops, 1)
	require.True(t, ValidateChecksum(restored))
}

func TestCorruptChecksumReinitializes(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, clock.System{})
	require.NoError(t, err)

	s.SetActuator("rtu-1", DesiredActuator{Slot: 1, Code: registry.CommandOn})
	require.NoError(t, s.Snapshot("rtu-1"))

	// Alter a checksummed field in the persisted file on disk, leaving the
	// JSON well-formed, forcing a checksum mismatch on restore.
	path := s.path("rtu-1")
	data, err := readAll(path)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte(`"Forced":false`), []byte(`"Forced":true`), 1)
	require.NoError(t, writeAll(path, data))

	restored, err := s.Restore("rtu-1")
	require.Error(t, err)
	require.Empty(t, restored.Actuators)
	require.True(t, restored.Valid)
}

func TestReconcileSyncedAndConflicted(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, clock.System{})
	require.NoError(t, err)

	s.SetActuator("rtu-1", DesiredActuator{Slot: 1, Code: registry.CommandOn})
	s.SetActuator("rtu-1", DesiredActuator{Slot: 2, Code: registry.CommandOff})

	actual := ActualState{Actuators: []ActualActuator{
		{Slot: 1, Code: registry.CommandOn},
		{Slot: 2, Code: registry.CommandOn}, // conflict
	}}

	var conflicts []Conflict
	res := s.Reconcile("rtu-1", actual, false, time.Hour, nil, func(c Conflict) {
		conflicts = append(conflicts, c)
	})
	require.Equal(t, 1, res.Synced)
	require.Equal(t, 1, res.Conflicted)
	require.Len(t, conflicts, 1)
}

func TestReconcileAutoPushesWhenFresh(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, clock.System{})
	require.NoError(t, err)
	s.SetActuator("rtu-1", DesiredActuator{Slot: 1, Code: registry.CommandOn})

	actual := ActualState{Actuators: []ActualActuator{{Slot: 1, Code: registry.CommandOff}}}

	var pushed bool
	res := s.Reconcile("rtu-1", actual, true, time.Hour, func(DesiredState) error {
		pushed = true
		return nil
	}, nil)
	require.True(t, pushed)
	require.True(t, res.Success)
}
