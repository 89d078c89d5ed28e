package tilepackage

import (
	"context"
	"encoding/binary"
	"unicode/utf8"
)

// TilePackage archives are ZIP (possibly ZIP64) files whose members are
// stored uncompressed. Only the central directory is consulted; the local
// file headers are assumed to carry no extra fields, which holds for all
// known TilePackage writers, so each member's payload begins at
// relativeOffset + 30 + nameLen.

const (
	eocdSignature      = 0x06054b50
	eocd64Signature    = 0x06064b50
	centralSignature   = 0x02014b50
	zip64ExtraTag      = 0x0001
	archiveTrailerSize = 98 // ZIP64 EOCD (56) + locator (20) + EOCD (22)
	eocdSize           = 22
	localHeaderSize    = 30
	zip32Sentinel      = 0xffffffff
)

// FileEntry locates one archive member's stored bytes.
type FileEntry struct {
	Size          uint64
	PayloadOffset uint64
}

// readArchiveIndex parses the archive's end-of-central-directory record
// (classical or ZIP64) and the central directory it points at, returning the
// file table and the etag observed while reading.
func readArchiveIndex(ctx context.Context, source ByteSource, etag string) (map[string]FileEntry, string, error) {
	size, err := source.Size(ctx)
	if err != nil {
		return nil, "", err
	}
	trailerLen := uint64(archiveTrailerSize)
	if size < trailerLen {
		trailerLen = size
	}
	if trailerLen < eocdSize {
		return nil, "", &MalformedArchiveError{Reason: "archive too small"}
	}
	trailer, err := source.ReadRange(ctx, size-trailerLen, trailerLen, etag)
	if err != nil {
		return nil, "", err
	}
	if etag == "" {
		etag = trailer.ETag
	}

	var entryCount, dirSize, dirOffset uint64
	d := trailer.Bytes
	if len(d) == archiveTrailerSize && binary.LittleEndian.Uint32(d[0:4]) == eocd64Signature {
		entryCount = binary.LittleEndian.Uint64(d[32:40])
		dirSize = binary.LittleEndian.Uint64(d[40:48])
		dirOffset = binary.LittleEndian.Uint64(d[48:56])
	} else {
		eocd := d[len(d)-eocdSize:]
		if binary.LittleEndian.Uint32(eocd[0:4]) != eocdSignature {
			return nil, "", &MalformedArchiveError{Reason: "end of central directory not found"}
		}
		entryCount = uint64(binary.LittleEndian.Uint16(eocd[10:12]))
		dirSize = uint64(binary.LittleEndian.Uint32(eocd[12:16]))
		dirOffset = uint64(binary.LittleEndian.Uint32(eocd[16:20]))
	}

	dir, err := source.ReadRange(ctx, dirOffset, dirSize, etag)
	if err != nil {
		return nil, "", err
	}
	files, err := parseCentralDirectory(dir.Bytes, entryCount)
	if err != nil {
		return nil, "", err
	}
	return files, etag, nil
}

func parseCentralDirectory(d []byte, entryCount uint64) (map[string]FileEntry, error) {
	files := make(map[string]FileEntry, entryCount)
	pos := 0
	for i := uint64(0); i < entryCount; i++ {
		if pos+46 > len(d) {
			return nil, &MalformedArchiveError{Reason: "central directory truncated"}
		}
		rec := d[pos:]
		if binary.LittleEndian.Uint32(rec[0:4]) != centralSignature {
			return nil, &MalformedArchiveError{Reason: "bad central directory signature"}
		}
		compressedSize := uint64(binary.LittleEndian.Uint32(rec[20:24]))
		nameLen := int(binary.LittleEndian.Uint16(rec[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(rec[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(rec[32:34]))
		relativeOffset := uint64(binary.LittleEndian.Uint32(rec[42:46]))
		if pos+46+nameLen+extraLen+commentLen > len(d) {
			return nil, &MalformedArchiveError{Reason: "central directory entry truncated"}
		}
		name := rec[46 : 46+nameLen]
		if !utf8.Valid(name) {
			return nil, &MalformedArchiveError{Reason: "file name is not valid UTF-8"}
		}
		if compressedSize == zip32Sentinel || relativeOffset == zip32Sentinel {
			extra := rec[46+nameLen : 46+nameLen+extraLen]
			compressedSize, relativeOffset = applyZip64Extra(extra, compressedSize, relativeOffset)
		}
		files[string(name)] = FileEntry{
			Size:          compressedSize,
			PayloadOffset: relativeOffset + localHeaderSize + uint64(nameLen),
		}
		pos += 46 + nameLen + extraLen + commentLen
	}
	return files, nil
}

// applyZip64Extra replaces 0xffffffff sentinels with the 64-bit values from
// the ZIP64 extended info block; the block stores size then offset, and
// either may be absent.
func applyZip64Extra(extra []byte, size, offset uint64) (uint64, uint64) {
	for len(extra) >= 4 {
		tag := binary.LittleEndian.Uint16(extra[0:2])
		fieldLen := int(binary.LittleEndian.Uint16(extra[2:4]))
		if 4+fieldLen > len(extra) {
			break
		}
		if tag == zip64ExtraTag {
			field := extra[4 : 4+fieldLen]
			if size == zip32Sentinel && len(field) >= 8 {
				size = binary.LittleEndian.Uint64(field[0:8])
				field = field[8:]
			}
			if offset == zip32Sentinel && len(field) >= 8 {
				offset = binary.LittleEndian.Uint64(field[0:8])
			}
			break
		}
		extra = extra[4+fieldLen:]
	}
	return size, offset
}
