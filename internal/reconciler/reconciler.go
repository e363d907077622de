package reconciler

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/watertreat/supervisor/internal/clock"
	"github.com/watertreat/supervisor/internal/errcode"
)

// FormatVersion is stored in the first 32 bits of every persisted file
// (§6: "Format version is stored in the first 32 bits").
const FormatVersion uint32 = 1

// Store holds one DesiredState per RTU and persists it to dir, one file
// per station (§4.3, §6).
type Store struct {
	mu      sync.Mutex
	dir     string
	clock   clock.Clock
	states  map[string]*DesiredState
}

// NewStore builds a Store rooted at dir. dir is created if missing.
func NewStore(dir string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errcode.Wrap(errcode.IO, "NewStore", err)
	}
	return &Store{dir: dir, clock: clk, states: make(map[string]*DesiredState)}, nil
}

func (s *Store) path(station string) string {
	return filepath.Join(s.dir, station+".desired")
}

// Get returns the current in-memory desired state for station, creating an
// empty-but-valid one if none exists yet.
func (s *Store) Get(station string) DesiredState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.ensureLocked(station)
}

func (s *Store) ensureLocked(station string) *DesiredState {
	ds, ok := s.states[station]
	if !ok {
		ds = &DesiredState{Version: FormatVersion, Station: station, Valid: true}
		ds.Checksum = checksum(ds)
		s.states[station] = ds
	}
	return ds
}

func (s *Store) mutate(station string, fn func(ds *DesiredState)) DesiredState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.ensureLocked(station)
	fn(ds)
	ds.Sequence++
	ds.TimestampMs = s.clock.NowMs()
	ds.Dirty = true
	ds.Checksum = checksum(ds)
	return *ds
}

// SetActuator atomically upserts one actuator's desired command, bumping
// Sequence and recomputing Checksum (§4.3).
func (s *Store) SetActuator(station string, a DesiredActuator) DesiredState {
	return s.mutate(station, func(ds *DesiredState) {
		for i := range ds.Actuators {
			if ds.Actuators[i].Slot == a.Slot {
				ds.Actuators[i] = a
				return
			}
		}
		ds.Actuators = append(ds.Actuators, a)
	})
}

// SetPIDLoop atomically upserts one PID loop's desired configuration.
func (s *Store) SetPIDLoop(station string, p DesiredPIDLoop) DesiredState {
	return s.mutate(station, func(ds *DesiredState) {
		for i := range ds.PIDLoops {
			if ds.PIDLoops[i].LoopID == p.LoopID {
				ds.PIDLoops[i] = p
				return
			}
		}
		ds.PIDLoops = append(ds.PIDLoops, p)
	})
}

// Snapshot writes the current desired state for station to disk atomically
// (write-temp-then-rename, §4.3/§6) and clears the dirty flag.
func (s *Store) Snapshot(station string) error {
	s.mu.Lock()
	ds := s.ensureLocked(station)
	body, err := json.Marshal(ds)
	s.mu.Unlock()
	if err != nil {
		return errcode.Wrap(errcode.IO, "Snapshot", err)
	}

	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], FormatVersion)
	buf.Write(hdr[:])
	buf.Write(body)

	if err := renameio.WriteFile(s.path(station), buf.Bytes(), 0o644); err != nil {
		return errcode.Wrap(errcode.IO, "Snapshot", err)
	}

	s.mu.Lock()
	ds.Dirty = false
	s.mu.Unlock()
	return nil
}

// Restore loads the desired state for station from disk. A checksum
// mismatch yields Corrupt and re-initializes the in-memory state to
// empty-but-valid (§4.3) rather than propagating bad data.
func (s *Store) Restore(station string) (DesiredState, error) {
	f, err := os.Open(s.path(station))
	if err != nil {
		if os.IsNotExist(err) {
			return s.Get(station), nil
		}
		return DesiredState{}, errcode.Wrap(errcode.IO, "Restore", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return DesiredState{}, errcode.Wrap(errcode.IO, "Restore", err)
	}
	if len(raw) < 4 {
		return s.reinit(station), errcode.New(errcode.Corrupt, "Restore", "truncated file")
	}
	version := binary.BigEndian.Uint32(raw[:4])
	if version != FormatVersion {
		return s.reinit(station), errcode.New(errcode.Corrupt, "Restore", "unsupported format version")
	}

	var ds DesiredState
	if err := json.Unmarshal(raw[4:], &ds); err != nil {
		return s.reinit(station), errcode.New(errcode.Corrupt, "Restore", "malformed body")
	}
	want := ds.Checksum
	if checksum(&ds) != want {
		return s.reinit(station), errcode.New(errcode.Corrupt, "Restore", "checksum mismatch")
	}

	s.mu.Lock()
	ds.Dirty = false
	s.states[station] = &ds
	s.mu.Unlock()
	return ds, nil
}

func (s *Store) reinit(station string) DesiredState {
	s.mu.Lock()
	ds := &DesiredState{Version: FormatVersion, Station: station, Valid: true}
	ds.Checksum = checksum(ds)
	s.states[station] = ds
	s.mu.Unlock()
	return *ds
}

// ValidateChecksum reports whether ds's stored Checksum matches its
// recomputed structural hash (§4.3 invariant).
func ValidateChecksum(ds DesiredState) bool {
	return checksum(&ds) == ds.Checksum
}

// Reconcile implements the §4.3 step-1..3 algorithm: compare desired vs.
// actual per actuator and per PID loop, and either push the desired state
// to resolve conflicts (if auto-reconcile is enabled and the desired state
// is fresh enough) or report conflicts for operator attention.
func (s *Store) Reconcile(
	station string,
	actual ActualState,
	autoReconcile bool,
	stalenessThreshold time.Duration,
	push func(DesiredState) error,
	onConflict func(Conflict),
) Result {
	start := s.clock.Now()
	ds := s.Get(station)

	actuatorByS := make(map[int]ActualActuator, len(actual.Actuators))
	for _, a := range actual.Actuators {
		actuatorByS[a.Slot] = a
	}
	pidByID := make(map[int]ActualPIDLoop, len(actual.PIDLoops))
	for _, p := range actual.PIDLoops {
		pidByID[p.LoopID] = p
	}

	var synced, conflicted int
	var conflicts []Conflict

	for _, d := range ds.Actuators {
		a, present := actuatorByS[d.Slot]
		if !present {
			continue
		}
		if a.Code == d.Code && a.PWMDuty == d.PWMDuty && a.Forced == d.Forced {
			synced++
		} else {
			conflicted++
			conflicts = append(conflicts, Conflict{Kind: "actuator", Slot: d.Slot})
		}
	}
	for _, d := range ds.PIDLoops {
		p, present := pidByID[d.LoopID]
		if !present {
			continue
		}
		if p.Enabled == d.Enabled && p.Mode == d.Mode && p.Setpoint == d.Setpoint {
			synced++
		} else {
			conflicted++
			conflicts = append(conflicts, Conflict{Kind: "pid", Slot: d.LoopID})
		}
	}

	fresh := time.UnixMilli(ds.TimestampMs)
	isFresh := stalenessThreshold <= 0 || start.Sub(fresh) <= stalenessThreshold
	success := true
	if conflicted > 0 {
		if autoReconcile && isFresh {
			if push != nil {
				if err := push(ds); err != nil {
					success = false
				}
			}
		} else {
			for _, c := range conflicts {
				if onConflict != nil {
					onConflict(c)
				}
			}
		}
	}

	return Result{
		Synced:     synced,
		Conflicted: conflicted,
		Conflicts:  conflicts,
		ElapsedNs:  s.clock.Now().Sub(start).Nanoseconds(),
		Success:    success,
	}
}
