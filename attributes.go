// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "encoding/binary"

const (
	attributesVersion   = 100
	attributesFlagCRC32   = 0x00000001
	attributesFlagFiletime = 0x00000002
	attributesFlagMD5      = 0x00000004
)

// attributesBuilder accumulates per-file columns for the (attributes)
// internal file, streamed through the same sector pipeline as any other
// archived file. Which columns are present is selected by the fields
// argument of ArchiveWriter.WriteAttributes (SPEC_FULL folded-back feature
// 5); the teacher only ever wrote CRC32.
type attributesBuilder struct {
	fields   AttributesField
	hashes   Hashes
	crc32    []uint32
	filetime []uint64
	md5      [][16]byte
}

func newAttributesBuilder(fileCount int, fields AttributesField, hashes Hashes) *attributesBuilder {
	b := &attributesBuilder{fields: fields, hashes: hashes}
	if fields&AttrCRC32 != 0 {
		b.crc32 = make([]uint32, fileCount)
	}
	if fields&AttrFiletime != 0 {
		b.filetime = make([]uint64, fileCount)
	}
	if fields&AttrMD5 != 0 {
		b.md5 = make([][16]byte, fileCount)
	}
	return b
}

// setEntry records the columns for the file at index. data == nil is used
// for placeholder entries (the (attributes) file's own entry); every
// selected column is left zero for those.
func (b *attributesBuilder) setEntry(index int, data []byte, lastWriteLo, lastWriteHi uint32) {
	if data == nil {
		return
	}
	if b.crc32 != nil && index < len(b.crc32) {
		b.crc32[index] = b.hashes.CRC32(data)
	}
	if b.filetime != nil && index < len(b.filetime) {
		b.filetime[index] = uint64(lastWriteLo) | uint64(lastWriteHi)<<32
	}
	if b.md5 != nil && index < len(b.md5) {
		b.md5[index] = b.hashes.MD5(data)
	}
}

// build serializes the (attributes) file: a 4-byte version, a 4-byte flags
// word naming which columns follow, then each selected column as a
// contiguous array across all files, in CRC32/filetime/MD5 order.
func (b *attributesBuilder) build() []byte {
	n := 0
	switch {
	case b.crc32 != nil:
		n = len(b.crc32)
	case b.filetime != nil:
		n = len(b.filetime)
	case b.md5 != nil:
		n = len(b.md5)
	}
	if n == 0 {
		return nil
	}

	var flags uint32
	size := 8
	if b.crc32 != nil {
		flags |= attributesFlagCRC32
		size += n * 4
	}
	if b.filetime != nil {
		flags |= attributesFlagFiletime
		size += n * 8
	}
	if b.md5 != nil {
		flags |= attributesFlagMD5
		size += n * 16
	}

	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[0:4], attributesVersion)
	binary.LittleEndian.PutUint32(out[4:8], flags)
	off := 8

	if b.crc32 != nil {
		for _, v := range b.crc32 {
			binary.LittleEndian.PutUint32(out[off:], v)
			off += 4
		}
	}
	if b.filetime != nil {
		for _, v := range b.filetime {
			binary.LittleEndian.PutUint64(out[off:], v)
			off += 8
		}
	}
	if b.md5 != nil {
		for _, v := range b.md5 {
			copy(out[off:], v[:])
			off += 16
		}
	}

	return out
}

// WriteAttributes rebuilds and writes the (attributes) internal file,
// covering every name currently added this session, in the column set
// fields selects (spec §4.7; SPEC_FULL folded-back feature 5).
func (w *ArchiveWriter) WriteAttributes(fields AttributesField) error {
	if fields == 0 {
		return nil
	}

	b := newAttributesBuilder(len(w.addedNames), fields, w.hashesImpl)
	for i, name := range w.addedNames {
		idx, ok := w.hashes.Lookup(name, 0, LookupAny, w.blocks.Used)
		if !ok {
			continue
		}
		blockIdx := w.hashes.Entries[idx].BlockIndex
		block := w.blocks.Entries[blockIdx]

		fr, err := OpenFileReader(w.stream, w.mpqPos, &block, name, w.sectorSize, w.codec, w.hashesImpl, false)
		if err != nil {
			continue
		}
		data, err := fr.ReadAll()
		if err != nil {
			continue
		}
		b.setEntry(i, data, 0, 0)
	}

	data := b.build()
	if data == nil {
		return nil
	}

	flags := AddCompress | AddSingleUnit
	if _, ok := w.hashes.Lookup("(attributes)", 0, LookupExact, w.blocks.Used); ok {
		flags |= ReplaceExisting
	}
	return w.writeInternalFile("(attributes)", data, flags, MethodZlib, 0)
}
