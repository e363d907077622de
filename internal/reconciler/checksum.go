package reconciler

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// checksum computes the deterministic 32-bit hash of a DesiredState's
// structural content, excluding Sequence and Checksum themselves (§3).
// xxhash.Sum64 is truncated to its low 32 bits; xxhash is already a pack
// dependency (_examples/other_examples/manifests/edirooss-zmux-server's
// go.mod) and is a better fit than a cryptographic hash for a
// corruption-detection checksum recomputed on every mutation.
func checksum(ds *DesiredState) uint32 {
	h := xxhash.New()
	var buf [8]byte

	binary.BigEndian.PutUint32(buf[:4], ds.Version)
	h.Write(buf[:4])
	binary.BigEndian.PutUint64(buf[:8], uint64(ds.TimestampMs))
	h.Write(buf[:8])
	h.Write([]byte(ds.Station))
	writeBool(h, ds.Valid)

	for _, a := range ds.Actuators {
		binary.BigEndian.PutUint32(buf[:4], uint32(a.Slot))
		h.Write(buf[:4])
		buf[0] = byte(a.Code)
		h.Write(buf[:1])
		binary.BigEndian.PutUint64(buf[:8], math.Float64bits(a.PWMDuty))
		h.Write(buf[:8])
		writeBool(h, a.Forced)
	}
	for _, p := range ds.PIDLoops {
		binary.BigEndian.PutUint32(buf[:4], uint32(p.LoopID))
		h.Write(buf[:4])
		writeBool(h, p.Enabled)
		buf[0] = byte(p.Mode)
		h.Write(buf[:1])
		binary.BigEndian.PutUint64(buf[:8], math.Float64bits(p.Setpoint))
		h.Write(buf[:8])
	}

	return uint32(h.Sum64())
}

func writeBool(h *xxhash.Digest, b bool) {
	if b {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
}
