package ipc

import (
	"encoding/binary"
	"encoding/json"

	"github.com/watertreat/supervisor/internal/errcode"
)

// headerLen is the fixed-width prefix every region write carries: magic
// (4) + version (4). A reader checks these two fields before touching
// anything else (§4.6: "a mismatched version is a hard reader error").
const headerLen = 8

// Marshal encodes the region to its on-the-wire byte form: a fixed
// magic/version header followed by a JSON body carrying everything else.
func (r *Region) Marshal() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, "Region.Marshal", err)
	}
	out := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], Magic)
	binary.BigEndian.PutUint32(out[4:8], Version)
	copy(out[headerLen:], body)
	return out, nil
}

// Unmarshal decodes a region previously produced by Marshal, rejecting a
// magic or version mismatch outright.
func Unmarshal(raw []byte) (*Region, error) {
	if len(raw) < headerLen {
		return nil, errcode.New(errcode.Corrupt, "Unmarshal", "truncated region")
	}
	magic := binary.BigEndian.Uint32(raw[0:4])
	version := binary.BigEndian.Uint32(raw[4:8])
	if magic != Magic {
		return nil, errcode.New(errcode.Corrupt, "Unmarshal", "magic mismatch")
	}
	if version != Version {
		return nil, errcode.New(errcode.Corrupt, "Unmarshal", "version mismatch")
	}
	var r Region
	if err := json.Unmarshal(raw[headerLen:], &r); err != nil {
		return nil, errcode.New(errcode.Corrupt, "Unmarshal", "malformed body")
	}
	return &r, nil
}
