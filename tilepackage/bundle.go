package tilepackage

import (
	"encoding/binary"
	"fmt"
)

// Bundle files pack a 128x128 block of tiles. The first 64 bytes are an
// opaque header; the next 128*128*8 bytes are the tile index; raw tile
// payloads follow at the offsets the index announces.
const (
	bundleDim        = 128
	bundleHeaderSize = 64
	bundleIndexSize  = bundleDim * bundleDim * 8
)

// bundleEntry is one slot of the tile index: a 5-byte offset relative to the
// bundle file's payload and a 3-byte size. Size zero means the tile is not
// present; absent slots are retained rather than stripped so diagnostics can
// distinguish "never written" from "not in this bundle".
type bundleEntry struct {
	Offset uint64
	Size   uint32
}

// BundleDirectory is the decoded tile index of one bundle file.
type BundleDirectory struct {
	entries []bundleEntry
}

func parseBundleDirectory(data []byte) (*BundleDirectory, error) {
	if len(data) < bundleIndexSize {
		return nil, fmt.Errorf("bundle index is %d bytes, want %d", len(data), bundleIndexSize)
	}
	entries := make([]bundleEntry, bundleDim*bundleDim)
	for i := range entries {
		raw := binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		entries[i] = bundleEntry{
			Offset: raw & 0xffffffffff,
			Size:   uint32(raw >> 40),
		}
	}
	return &BundleDirectory{entries: entries}, nil
}

// Entry returns the offset and size recorded for tile (x,y), whose
// coordinates are taken modulo the bundle dimension. ok is false for tiles
// the bundle does not contain.
func (d *BundleDirectory) Entry(x, y uint32) (uint64, uint32, bool) {
	entry := d.entries[bundleDim*(y%bundleDim)+(x%bundleDim)]
	if entry.Size == 0 {
		return 0, 0, false
	}
	return entry.Offset, entry.Size, true
}

// SizeBytes is the in-memory footprint used for cache accounting.
func (d *BundleDirectory) SizeBytes() int {
	return len(d.entries) * 16
}

func tilePrefix(kind PackageType) string {
	if kind == Vtpk {
		return "p12/tile"
	}
	return "tile"
}

// bundlePath returns the archive-relative path of the bundle covering
// (z,x,y): zoom zero-padded to two digits, row and column the 128-aligned
// origins of y and x in lowercase 4-digit hex.
func bundlePath(kind PackageType, z uint8, x, y uint32) string {
	row := (y / bundleDim) * bundleDim
	col := (x / bundleDim) * bundleDim
	return fmt.Sprintf("%s/L%02d/R%04xC%04x.bundle", tilePrefix(kind), z, row, col)
}
