package ipc

import (
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/watertreat/supervisor/internal/errcode"
)

// RegionBytes is the fixed size of the mapped region file. It generously
// bounds a fully-populated Region's JSON encoding at the capacity limits
// above; Write returns a CapacityFull error rather than silently
// truncating if a future change overruns it.
const RegionBytes = 1 << 20 // 1 MiB

// Layout: [0:4) process-shared spinlock word, [4:) the Region's own
// Marshal/Unmarshal byte form (magic+version header followed by body).
// The lock word is kept strictly outside the Region's own byte format so
// Write/Read never touch it.
const (
	lockWordOffset = 0
	dataOffset     = 4
)

// SharedRegion is a POSIX-shared-memory-backed mapping of a Region,
// opened by the writer (core) and any number of readers (the out-of-
// process API tier). Permissions are 0666 so a different-UID reader can
// attach (§6).
type SharedRegion struct {
	f   *os.File
	buf []byte
}

// shmPath returns the /dev/shm path for a named region, mirroring POSIX
// shm_open's /<name> convention without requiring cgo.
func shmPath(name string) string {
	return filepath.Join("/dev/shm", name)
}

// CreateSharedRegion truncates and maps a fresh region file, unlinking any
// stale region left by a prior run first (§6).
func CreateSharedRegion(name string) (*SharedRegion, error) {
	path := shmPath(name)
	_ = os.Remove(path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, "CreateSharedRegion", err)
	}
	if err := f.Truncate(RegionBytes); err != nil {
		f.Close()
		return nil, errcode.Wrap(errcode.IO, "CreateSharedRegion", err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, RegionBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errcode.Wrap(errcode.IO, "CreateSharedRegion", err)
	}
	sr := &SharedRegion{f: f, buf: buf}
	sr.initLock()
	return sr, nil
}

// OpenSharedRegion attaches to an existing region file for reading.
func OpenSharedRegion(name string) (*SharedRegion, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, "OpenSharedRegion", err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, RegionBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errcode.Wrap(errcode.IO, "OpenSharedRegion", err)
	}
	return &SharedRegion{f: f, buf: buf}, nil
}

// RemoveSharedRegion unlinks a region's backing file. Safe to call after
// every writer/reader has closed it, or pre-emptively the way
// CreateSharedRegion does for a stale file from a prior run.
func RemoveSharedRegion(name string) error {
	if err := os.Remove(shmPath(name)); err != nil && !os.IsNotExist(err) {
		return errcode.Wrap(errcode.IO, "RemoveSharedRegion", err)
	}
	return nil
}

// Close unmaps and closes the backing file. It does not unlink the path;
// RemoveSharedRegion or the writer's next CreateSharedRegion call does that.
func (sr *SharedRegion) Close() error {
	if err := unix.Munmap(sr.buf); err != nil {
		return errcode.Wrap(errcode.IO, "Close", err)
	}
	return sr.f.Close()
}

func (sr *SharedRegion) lockPtr() *uint32 {
	return (*uint32)(unsafe.Pointer(&sr.buf[lockWordOffset]))
}

func (sr *SharedRegion) initLock() {
	atomic.StoreUint32(sr.lockPtr(), 0)
}

// Lock spins on the process-shared mutex word (§4.6, §5: "a single
// process-shared mutex covering the whole region"). A CAS spinlock is the
// standard technique for mutual exclusion between independent processes
// sharing a plain memory-mapped region, since neither side can rely on
// the other's in-process sync primitives.
func (sr *SharedRegion) Lock() {
	p := sr.lockPtr()
	for !atomic.CompareAndSwapUint32(p, 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the spinlock.
func (sr *SharedRegion) Unlock() {
	atomic.StoreUint32(sr.lockPtr(), 0)
}

// Write stores a Region's marshaled bytes into the data area, under the
// caller's own Lock/Unlock.
func (sr *SharedRegion) Write(data []byte) error {
	if len(data) > len(sr.buf)-dataOffset {
		return errcode.New(errcode.CapacityFull, "Write", "region too small for payload")
	}
	copy(sr.buf[dataOffset:], data)
	return nil
}

// Read returns a copy of the region's current data-area bytes.
func (sr *SharedRegion) Read() []byte {
	out := make([]byte, len(sr.buf)-dataOffset)
	copy(out, sr.buf[dataOffset:])
	return out
}
