// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	magicMPQ      uint32 = 0x1A51504D // "MPQ\x1A"
	magicUserData uint32 = 0x1B51504D // "MPQ\x1B"
	magicRIFF     uint32 = 0x46464952 // "RIFF"

	formatVersion1 = 0
	formatVersion2 = 1

	headerSizeV1 = 0x20
	headerSizeV2 = 0x2C

	headerScanStride = 512

	defaultSectorSizeShift = 3 // sector bytes = 512 << 3 = 4096
)

// Header is the parsed, in-memory form of an MPQ header plus the scan
// metadata needed to compute container-relative positions (spec §3, §4.5).
// All multi-byte fields are stored host-endian; conversion happens at the
// disk boundary in readHeaderAt/writeHeaderAt.
type Header struct {
	MpqPos      uint64 // position of "MPQ\x1A" within the container stream
	UserDataPos uint64 // position of an optional "MPQ\x1B" block; 0 if none

	FormatVersion   uint16
	SectorSizeShift uint16

	HashTableOffsetLo  uint32
	BlockTableOffsetLo uint32
	HashTableOffsetHi  uint16
	BlockTableOffsetHi uint16

	HashTableEntries  uint32
	BlockTableEntries uint32

	ExtBlockTableOffset uint64

	// Protected records that header_size didn't match the canonical size
	// for FormatVersion, or that the session had to clamp a table read to
	// the container; the session disables writes when this is set
	// (spec §4.5 "Protector tolerance").
	Protected bool
}

// SectorSize returns the archive's sector size in bytes.
func (h *Header) SectorSize() uint32 {
	return 512 << h.SectorSizeShift
}

// HashTableOffset returns the 64-bit archive-relative hash table offset.
func (h *Header) HashTableOffset() uint64 {
	return uint64(h.HashTableOffsetLo) | uint64(h.HashTableOffsetHi)<<32
}

// BlockTableOffset returns the 64-bit archive-relative block table offset.
func (h *Header) BlockTableOffset() uint64 {
	return uint64(h.BlockTableOffsetLo) | uint64(h.BlockTableOffsetHi)<<32
}

// SetHashTableOffset splits a 64-bit archive-relative offset across the
// low/high fields.
func (h *Header) SetHashTableOffset(off uint64) {
	h.HashTableOffsetLo = uint32(off)
	h.HashTableOffsetHi = uint16(off >> 32)
}

// SetBlockTableOffset splits a 64-bit archive-relative offset across the
// low/high fields.
func (h *Header) SetBlockTableOffset(off uint64) {
	h.BlockTableOffsetLo = uint32(off)
	h.BlockTableOffsetHi = uint16(off >> 32)
}

// diskHeaderV1 mirrors the 32-byte on-disk layout (spec §3).
type diskHeaderV1 struct {
	Magic            uint32
	HeaderSize       uint32
	ArchiveSize      uint32
	FormatVersion    uint16
	SectorSizeShift  uint16
	HashTableOffset  uint32
	BlockTableOffset uint32
	HashTableEntries uint32
	BlockTableEntries uint32
}

// diskHeaderV2Ext mirrors the 12 extra bytes a v2 header carries beyond
// diskHeaderV1.
type diskHeaderV2Ext struct {
	ExtBlockTableOffset uint64
	HashTableOffsetHi   uint16
	BlockTableOffsetHi  uint16
}

// LocateOptions controls locateHeader (spec §4.5).
type LocateOptions struct {
	// ForceV1 tells locateHeader to interpret whatever header it finds as
	// v1 regardless of the on-disk format_version, discarding any user-data
	// block.
	ForceV1 bool
}

// locateHeader scans stream at 512-byte-aligned positions looking for an
// MPQ header, classifying each candidate position by its magic (spec
// §4.5). It returns ErrNotAnArchive if the stream is exhausted without
// finding one, or if an AVI RIFF container is found wearing an MPQ
// extension.
func locateHeader(s Stream, opts LocateOptions) (*Header, error) {
	size, err := s.Size()
	if err != nil {
		return nil, err
	}

	var userDataPos uint64
	haveUserData := false

	buf := make([]byte, 4)
	pos := uint64(0)

	for pos < size {
		if err := s.ReadAt(pos, buf); err != nil {
			return nil, err
		}
		magic := binary.LittleEndian.Uint32(buf)

		switch magic {
		case magicRIFF:
			return nil, newErr(ErrNotAnArchive, "locateHeader", errors.New("RIFF container (AVI wearing an MPQ extension)"))
		case magicUserData:
			if haveUserData {
				// A second user-data block is not meaningful; stop chasing it
				// and just look for MPQ\x1A from here.
				pos += headerScanStride
				continue
			}
			userDataPos = pos
			haveUserData = true

			var ud struct {
				Magic      uint32
				MaxSize    uint32
				HeaderOffs uint32
				DataSize   uint32
			}
			hdrBuf := make([]byte, 16)
			if err := s.ReadAt(pos, hdrBuf); err != nil {
				return nil, err
			}
			ud.Magic = binary.LittleEndian.Uint32(hdrBuf[0:4])
			ud.MaxSize = binary.LittleEndian.Uint32(hdrBuf[4:8])
			ud.HeaderOffs = binary.LittleEndian.Uint32(hdrBuf[8:12])
			ud.DataSize = binary.LittleEndian.Uint32(hdrBuf[12:16])

			pos += uint64(ud.HeaderOffs)
			continue
		case magicMPQ:
			h, err := readHeaderAt(s, pos, opts)
			if err != nil {
				return nil, err
			}
			if haveUserData && !opts.ForceV1 {
				h.UserDataPos = userDataPos
			}
			return h, nil
		default:
			pos += headerScanStride
		}
	}

	return nil, newErr(ErrNotAnArchive, "locateHeader", errors.New("no MPQ header found"))
}

// readHeaderAt parses the header at byte offset pos in s, applying
// protector tolerance: a header_size that doesn't match the canonical size
// for its declared format_version is overwritten in memory with the
// canonical value and Protected is set (spec §4.5).
func readHeaderAt(s Stream, pos uint64, opts LocateOptions) (*Header, error) {
	base := make([]byte, 32)
	if err := s.ReadAt(pos, base); err != nil {
		return nil, err
	}

	var d diskHeaderV1
	d.Magic = binary.LittleEndian.Uint32(base[0:4])
	d.HeaderSize = binary.LittleEndian.Uint32(base[4:8])
	d.ArchiveSize = binary.LittleEndian.Uint32(base[8:12])
	d.FormatVersion = binary.LittleEndian.Uint16(base[12:14])
	d.SectorSizeShift = binary.LittleEndian.Uint16(base[14:16])
	d.HashTableOffset = binary.LittleEndian.Uint32(base[16:20])
	d.BlockTableOffset = binary.LittleEndian.Uint32(base[20:24])
	d.HashTableEntries = binary.LittleEndian.Uint32(base[24:28])
	d.BlockTableEntries = binary.LittleEndian.Uint32(base[28:32])

	h := &Header{
		MpqPos:             pos,
		FormatVersion:      d.FormatVersion,
		SectorSizeShift:    d.SectorSizeShift,
		HashTableOffsetLo:  d.HashTableOffset,
		BlockTableOffsetLo: d.BlockTableOffset,
		HashTableEntries:   d.HashTableEntries,
		BlockTableEntries:  d.BlockTableEntries,
	}

	if opts.ForceV1 {
		h.FormatVersion = formatVersion1
	}

	canonical := uint32(headerSizeV1)
	if h.FormatVersion >= formatVersion2 {
		canonical = headerSizeV2
	}
	if d.HeaderSize != canonical {
		h.Protected = true
	}

	if h.FormatVersion >= formatVersion2 && d.HeaderSize >= headerSizeV2 {
		ext := make([]byte, 12)
		if err := s.ReadAt(pos+32, ext); err != nil {
			return nil, err
		}
		h.ExtBlockTableOffset = binary.LittleEndian.Uint64(ext[0:8])
		h.HashTableOffsetHi = binary.LittleEndian.Uint16(ext[8:10])
		h.BlockTableOffsetHi = binary.LittleEndian.Uint16(ext[10:12])
	}

	return h, nil
}

// writeHeaderAt serializes h at byte offset pos in s.
func writeHeaderAt(s Stream, pos uint64, h *Header, archiveSize uint64) error {
	headerSize := uint32(headerSizeV1)
	if h.FormatVersion >= formatVersion2 {
		headerSize = headerSizeV2
	}

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magicMPQ)
	binary.LittleEndian.PutUint32(buf[4:8], headerSize)
	if archiveSize <= 0xFFFFFFFF {
		binary.LittleEndian.PutUint32(buf[8:12], uint32(archiveSize))
	}
	binary.LittleEndian.PutUint16(buf[12:14], h.FormatVersion)
	binary.LittleEndian.PutUint16(buf[14:16], h.SectorSizeShift)
	binary.LittleEndian.PutUint32(buf[16:20], h.HashTableOffsetLo)
	binary.LittleEndian.PutUint32(buf[20:24], h.BlockTableOffsetLo)
	binary.LittleEndian.PutUint32(buf[24:28], h.HashTableEntries)
	binary.LittleEndian.PutUint32(buf[28:32], h.BlockTableEntries)

	if h.FormatVersion >= formatVersion2 {
		binary.LittleEndian.PutUint64(buf[32:40], h.ExtBlockTableOffset)
		binary.LittleEndian.PutUint16(buf[40:42], h.HashTableOffsetHi)
		binary.LittleEndian.PutUint16(buf[42:44], h.BlockTableOffsetHi)
	}

	return s.WriteAt(pos, buf)
}
