package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/errcode"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time            { return f.now }
func (f *fakeClock) NowMs() int64              { return f.now.UnixMilli() }
func (f *fakeClock) Sleep(time.Duration)       {}
func (f *fakeClock) NewTimer(time.Duration) clock.Timer { return nil }

func TestStaleCommandRejected(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	m := NewManager(fc, 5*time.Second, nil)
	m.EnsureStation("rtu-1")
	require.NoError(t, m.RequestAuthority("rtu-1"))
	require.NoError(t, m.Grant("rtu-1", 5))

	require.Equal(t, errcode.Permission, errcode.Of(m.ValidateCommand("rtu-1", 4)))
	require.NoError(t, m.ValidateCommand("rtu-1", 5))
	require.NoError(t, m.ValidateCommand("rtu-1", 0))
}

func TestHandoffTimeoutReturnsAutonomous(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	var calls int
	m := NewManager(fc, 5*time.Second, func(station string, old, new Context) { calls++ })
	m.EnsureStation("rtu-1")
	require.NoError(t, m.RequestAuthority("rtu-1"))

	fc.now = fc.now.Add(6 * time.Second)
	m.Tick(fc.now)

	c, err := m.Get("rtu-1")
	require.NoError(t, err)
	require.Equal(t, Autonomous, c.State)
	require.False(t, c.ControllerOnline)
	require.Equal(t, uint32(1), c.Epoch)
	require.GreaterOrEqual(t, calls, 2) // request + timeout
}

func TestReleasingTimeoutForcesEpochBump(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	m := NewManager(fc, 1*time.Second, nil)
	m.EnsureStation("rtu-1")
	require.NoError(t, m.RequestAuthority("rtu-1"))
	require.NoError(t, m.Grant("rtu-1", 7))
	require.NoError(t, m.ReleaseAuthority("rtu-1"))

	fc.now = fc.now.Add(2 * time.Second)
	m.Tick(fc.now)

	c, err := m.Get("rtu-1")
	require.NoError(t, err)
	require.Equal(t, Autonomous, c.State)
	require.Equal(t, uint32(8), c.Epoch)
}

func TestForceReleaseBumpsEpochFromAnyState(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	m := NewManager(fc, time.Second, nil)
	m.EnsureStation("rtu-1")
	require.NoError(t, m.ForceRelease("rtu-1"))

	c, err := m.Get("rtu-1")
	require.NoError(t, err)
	require.Equal(t, Autonomous, c.State)
	require.Equal(t, uint32(2), c.Epoch)
	require.False(t, c.ControllerOnline)
}

func TestEpochNeverDecreases(t *testing.T) {
	fc := &fakeClock{now: time.Now()}
	m := NewManager(fc, time.Second, nil)
	m.EnsureStation("rtu-1")
	before, _ := m.Get("rtu-1")
	require.NoError(t, m.ForceRelease("rtu-1"))
	after, _ := m.Get("rtu-1")
	require.GreaterOrEqual(t, after.Epoch, before.Epoch)
}
