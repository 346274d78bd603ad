package gpu

import (
	"encoding/binary"
	"math"
)

// Record sizes in bytes. All layouts are std430 compatible.
const (
	InstanceRecordSize = 48
	SimStateSize       = 32
	SpringPropsSize    = 48
	TileEntrySize      = 32
)

// InstanceRecord is the per-instance render record stored in instance pages.
// Tile and IndexInTile let render components look up simulated offsets.
type InstanceRecord struct {
	Position    [3]float32 // offset  0
	Scale       float32    // offset 12
	Rotation    [4]float32 // offset 16: quaternion xyzw
	Tile        uint32     // offset 32: absolute tile index
	IndexInTile uint32     // offset 36
	Handle      uint64     // offset 40: caller back-reference
}

// Size returns the packed size of the record in bytes.
func (r *InstanceRecord) Size() int { return InstanceRecordSize }

// MarshalTo writes the record into b, which must hold InstanceRecordSize bytes.
func (r *InstanceRecord) MarshalTo(b []byte) {
	putF32s(b[0:], r.Position[:])
	putF32(b[12:], r.Scale)
	putF32s(b[16:], r.Rotation[:])
	binary.LittleEndian.PutUint32(b[32:], r.Tile)
	binary.LittleEndian.PutUint32(b[36:], r.IndexInTile)
	binary.LittleEndian.PutUint64(b[40:], r.Handle)
}

// Marshal returns the packed record.
func (r *InstanceRecord) Marshal() []byte {
	b := make([]byte, InstanceRecordSize)
	r.MarshalTo(b)
	return b
}

// UnmarshalInstanceRecord decodes a packed record.
func UnmarshalInstanceRecord(b []byte) InstanceRecord {
	var r InstanceRecord
	getF32s(b[0:], r.Position[:])
	r.Scale = getF32(b[12:])
	getF32s(b[16:], r.Rotation[:])
	r.Tile = binary.LittleEndian.Uint32(b[32:])
	r.IndexInTile = binary.LittleEndian.Uint32(b[36:])
	r.Handle = binary.LittleEndian.Uint64(b[40:])
	return r
}

// SimState is the mutable per-instance spring state.
type SimState struct {
	Offset   [3]float32 // offset  0: tip displacement from rest
	Damaged  uint32     // offset 12: nonzero once the breaking angle was exceeded
	Velocity [3]float32 // offset 16
	Bend     float32    // offset 28: permanent bend angle in radians (damaged only)
}

// Size returns the packed size of the state in bytes.
func (s *SimState) Size() int { return SimStateSize }

// MarshalTo writes the state into b.
func (s *SimState) MarshalTo(b []byte) {
	putF32s(b[0:], s.Offset[:])
	binary.LittleEndian.PutUint32(b[12:], s.Damaged)
	putF32s(b[16:], s.Velocity[:])
	putF32(b[28:], s.Bend)
}

// UnmarshalSimState decodes a packed state.
func UnmarshalSimState(b []byte) SimState {
	var s SimState
	getF32s(b[0:], s.Offset[:])
	s.Damaged = binary.LittleEndian.Uint32(b[12:])
	getF32s(b[16:], s.Velocity[:])
	s.Bend = getF32(b[28:])
	return s
}

// SpringProps are the per-instance physical properties sampled at upload.
type SpringProps struct {
	Tip        [3]float32 // offset  0: spring tip relative to the instance origin
	TipRadius  float32    // offset 12
	Damping    float32    // offset 16
	Stiffness  float32    // offset 20
	Plasticity float32    // offset 24: recovery rate of permanent bend, rad/s
	Breaking   float32    // offset 28: breaking angle in radians
	Recovery   float32    // offset 32: bend angle recovered to, radians
	_          [3]float32 // offset 36: padding
}

// Size returns the packed size of the properties in bytes.
func (p *SpringProps) Size() int { return SpringPropsSize }

// MarshalTo writes the properties into b.
func (p *SpringProps) MarshalTo(b []byte) {
	putF32s(b[0:], p.Tip[:])
	putF32(b[12:], p.TipRadius)
	putF32(b[16:], p.Damping)
	putF32(b[20:], p.Stiffness)
	putF32(b[24:], p.Plasticity)
	putF32(b[28:], p.Breaking)
	putF32(b[32:], p.Recovery)
	clear(b[36:SpringPropsSize])
}

// UnmarshalSpringProps decodes packed properties.
func UnmarshalSpringProps(b []byte) SpringProps {
	var p SpringProps
	getF32s(b[0:], p.Tip[:])
	p.TipRadius = getF32(b[12:])
	p.Damping = getF32(b[16:])
	p.Stiffness = getF32(b[20:])
	p.Plasticity = getF32(b[24:])
	p.Breaking = getF32(b[28:])
	p.Recovery = getF32(b[32:])
	return p
}

// TileEntry is the per-window-slot mapping read by render and simulation.
// DirOffset indexes the page directory, where PageCount GPU page ids follow.
type TileEntry struct {
	AbsTile     uint32  // offset  0
	Count       uint32  // offset  4
	PageCount   uint32  // offset  8: GPU pages
	DirOffset   uint32  // offset 12
	DensityMin  float32 // offset 16
	DensityMax  float32 // offset 20
	DensityMean float32 // offset 24
	Revision    uint32  // offset 28
}

// Size returns the packed size of the entry in bytes.
func (e *TileEntry) Size() int { return TileEntrySize }

// MarshalTo writes the entry into b.
func (e *TileEntry) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], e.AbsTile)
	binary.LittleEndian.PutUint32(b[4:], e.Count)
	binary.LittleEndian.PutUint32(b[8:], e.PageCount)
	binary.LittleEndian.PutUint32(b[12:], e.DirOffset)
	putF32(b[16:], e.DensityMin)
	putF32(b[20:], e.DensityMax)
	putF32(b[24:], e.DensityMean)
	binary.LittleEndian.PutUint32(b[28:], e.Revision)
}

// Marshal returns the packed entry.
func (e *TileEntry) Marshal() []byte {
	b := make([]byte, TileEntrySize)
	e.MarshalTo(b)
	return b
}

// UnmarshalTileEntry decodes a packed entry.
func UnmarshalTileEntry(b []byte) TileEntry {
	return TileEntry{
		AbsTile:     binary.LittleEndian.Uint32(b[0:]),
		Count:       binary.LittleEndian.Uint32(b[4:]),
		PageCount:   binary.LittleEndian.Uint32(b[8:]),
		DirOffset:   binary.LittleEndian.Uint32(b[12:]),
		DensityMin:  getF32(b[16:]),
		DensityMax:  getF32(b[20:]),
		DensityMean: getF32(b[24:]),
		Revision:    binary.LittleEndian.Uint32(b[28:]),
	}
}

// PutUint32s packs a slice of ids, as used for the page directory.
func PutUint32s(b []byte, v []uint32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], x)
	}
}

func putF32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

func getF32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func putF32s(b []byte, v []float32) {
	for i, x := range v {
		putF32(b[i*4:], x)
	}
}

func getF32s(b []byte, v []float32) {
	for i := range v {
		v[i] = getF32(b[i*4:])
	}
}
