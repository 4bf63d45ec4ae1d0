// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// reservedNames are the internal files the public Remove/Rename path
// refuses to touch directly (spec §4.7 "Remove").
var reservedNames = map[string]bool{
	"(listfile)":   true,
	"(attributes)": true,
	"(signature)":  true,
}

// AddFlags controls ArchiveWriter.AddFile (SPEC_FULL folded-back feature 3).
type AddFlags uint32

const (
	// ReplaceExisting repoints an existing name's hash entry at a freshly
	// allocated block instead of failing with AlreadyExists.
	ReplaceExisting AddFlags = 1 << iota
	AddEncrypted
	AddFixKey
	AddCompress
	AddSingleUnit
	AddSectorCRC
	AddPatchFile
)

func (f AddFlags) blockFlags() uint32 {
	var out uint32
	if f&AddEncrypted != 0 {
		out |= FlagEncrypted
	}
	if f&AddFixKey != 0 {
		out |= FlagFixKey
	}
	if f&AddCompress != 0 {
		out |= FlagCompress
	}
	if f&AddSingleUnit != 0 {
		out |= FlagSingleUnit
	}
	if f&AddSectorCRC != 0 {
		out |= FlagSectorCRC
	}
	if f&AddPatchFile != 0 {
		out |= FlagPatchFile
	}
	return out
}

// ArchiveWriter implements the free-space allocator and the write side of
// the archive (spec §4.7, C7). It operates on tables owned by an
// ArchiveSession.
type ArchiveWriter struct {
	stream     Stream
	header     *Header
	hashes     *HashTable
	blocks     *BlockTable
	codec      Codec
	hashesImpl Hashes
	mpqPos     uint64
	sectorSize uint32
	changed    bool

	// addedNames records every name successfully added or marked deleted
	// this session, in call order, for WriteListfile (spec §4.7, SPEC_FULL
	// folded-back feature 4).
	addedNames []string
}

func newArchiveWriter(s Stream, h *Header, ht *HashTable, bt *BlockTable, codec Codec, hashes Hashes) *ArchiveWriter {
	return &ArchiveWriter{
		stream:     s,
		header:     h,
		hashes:     ht,
		blocks:     bt,
		codec:      codec,
		hashesImpl: hashes,
		mpqPos:     h.MpqPos,
		sectorSize: h.SectorSize(),
	}
}

// nextFreeRawOffset computes the free-space allocator's next write position
// (spec §4.7 "Free-space allocator"): the maximum of offset+compressedSize
// over every existing block, starting from the header size.
func (w *ArchiveWriter) nextFreeRawOffset() uint64 {
	headerSize := uint64(headerSizeV1)
	if w.header.FormatVersion >= formatVersion2 {
		headerSize = headerSizeV2
	}
	best := headerSize
	for i := uint32(0); i < w.blocks.Used; i++ {
		b := &w.blocks.Entries[i]
		if b.Flags&FlagExists == 0 {
			continue
		}
		end := b.RawOffset() + uint64(b.CompressedSize)
		if end > best {
			best = end
		}
	}
	return best
}

// AddFile adds name with contents data under flags in one call (spec §4.6
// "three-phase write protocol" collapsed into Init+Write+Finish since the
// caller already has the full payload in memory).
func (w *ArchiveWriter) AddFile(name string, data []byte, flags AddFlags, methods CompressMethod, level int) error {
	fw, err := w.AddFileWriter(name, uint32(len(data)), flags, methods, level)
	if err != nil {
		return err
	}
	if err := fw.Write(data); err != nil {
		fw.Abort()
		return err
	}
	return fw.Finish()
}

const (
	writeStateWriting = iota
	writeStateCompleted
	writeStateErrored
)

// FileWriteHandle drives the Created -> Writing -> {Completed, Errored}
// state machine for one file being added (spec §4.6 "State machine").
type FileWriteHandle struct {
	w        *ArchiveWriter
	name     string
	hashIdx  int
	blockIdx int
	blockLo  uint32
	fullSize uint32
	written  uint32
	flags    uint32
	key      uint32
	sink     *sectorSink
	mode     StorageMode
	state    int
	replaced int // index of a block this replaces (ReplaceExisting), or -1
}

// AddFileWriter begins phase 1 ("Init") of adding name: hash/block slot
// reservation, key derivation, and pre-reserved sector-offset table space
// (spec §4.6 step 1).
func (w *ArchiveWriter) AddFileWriter(name string, fullSize uint32, flags AddFlags, methods CompressMethod, level int) (*FileWriteHandle, error) {
	if reservedNames[name] {
		return nil, newErr(ErrAccessDenied, "ArchiveWriter.AddFileWriter", errors.Errorf("%q is an internal name", name))
	}
	return w.addFileWriterAny(name, fullSize, flags, methods, level)
}

// writeInternalFile adds one of the archive's own bookkeeping files
// ((listfile), (attributes), (signature)), bypassing the reserved-name
// check that guards the public AddFile path (spec §4.7 "Remove": those
// three names are rejected only on the public path).
func (w *ArchiveWriter) writeInternalFile(name string, data []byte, flags AddFlags, methods CompressMethod, level int) error {
	fw, err := w.addFileWriterAny(name, uint32(len(data)), flags, methods, level)
	if err != nil {
		return err
	}
	if err := fw.Write(data); err != nil {
		fw.Abort()
		return err
	}
	return fw.Finish()
}

func (w *ArchiveWriter) addFileWriterAny(name string, fullSize uint32, flags AddFlags, methods CompressMethod, level int) (*FileWriteHandle, error) {
	blockFlags := flags.blockFlags() | FlagExists

	// Files under 4 bytes can't carry a meaningful cipher key schedule
	// seed; files under 32 bytes gain nothing from compression/sector-CRC
	// overhead (spec §4.6 step 1).
	if fullSize < 4 {
		blockFlags &^= FlagEncrypted | FlagFixKey
	}
	if fullSize < 32 {
		blockFlags &^= FlagCompress | FlagSectorCRC
	}

	replaced := -1
	idx, ok := w.hashes.Lookup(name, 0, LookupExact, w.blocks.Used)
	if ok {
		if flags&ReplaceExisting == 0 {
			return nil, newErr(ErrAlreadyExists, "ArchiveWriter.AddFileWriter", nil)
		}
		replaced = int(w.hashes.Entries[idx].BlockIndex)
	} else {
		var err error
		idx, err = w.hashes.Insert(name, 0)
		if err != nil {
			return nil, err
		}
	}

	blockIdx, err := w.blocks.Allocate()
	if err != nil {
		return nil, err
	}

	rawOffset := w.nextFreeRawOffset()
	blockLo := uint32(rawOffset)

	key := uint32(0)
	if blockFlags&FlagEncrypted != 0 {
		key = fileKey(name, blockLo, fullSize, blockFlags)
	}

	mode := (&BlockEntry{Flags: blockFlags}).Mode()

	// Pre-reserve the sector-offset table region with zeros; it is
	// finalized (and encrypted, if applicable) in Finish.
	var tableBytes uint32
	if !mode.SingleUnit {
		dataSectors := (fullSize + w.sectorSize - 1) / w.sectorSize
		if fullSize == 0 {
			dataSectors = 0
		}
		entries := dataSectors + 1
		if mode.SectorCRC {
			entries++
		}
		tableBytes = entries * 4
		zeros := make([]byte, tableBytes)
		if err := w.stream.WriteAt(w.mpqPos+rawOffset, zeros); err != nil {
			return nil, err
		}
	}

	// A single-unit file is one blob encrypted under the base key (no
	// per-sector key+i schedule), so its sink must never chunk the payload
	// the way a sectored file does: size the sink's "sector" to the whole
	// file instead of the archive's normal sector size.
	sinkSectorSize := w.sectorSize
	if mode.SingleUnit {
		sinkSectorSize = fullSize
		if sinkSectorSize == 0 {
			sinkSectorSize = 1
		}
	}
	sink := newSectorSink(w.stream, w.codec, w.hashesImpl, w.mpqPos+rawOffset, sinkSectorSize, key, mode, methods, level)
	if tableBytes > 0 {
		// Sector data follows the sector-offset table, whose first entry is
		// the table's own size.
		sink.compressed = uint64(tableBytes)
		sink.offsets[0] = tableBytes
	}

	b := &w.blocks.Entries[blockIdx]
	b.SetRawOffset(rawOffset)
	b.FullSize = fullSize
	b.Flags = blockFlags

	w.hashes.Entries[idx].BlockIndex = uint32(blockIdx)

	return &FileWriteHandle{
		w:        w,
		name:     name,
		hashIdx:  idx,
		blockIdx: blockIdx,
		blockLo:  blockLo,
		fullSize: fullSize,
		flags:    blockFlags,
		key:      key,
		sink:     sink,
		mode:     mode,
		replaced: replaced,
	}, nil
}

// Write streams bytes into the current sector buffer (spec §4.6 step 2).
func (fw *FileWriteHandle) Write(p []byte) error {
	if fw.state != writeStateWriting {
		return newErr(ErrInvalidArgument, "FileWriteHandle.Write", errors.New("handle is not in the Writing state"))
	}
	if err := fw.sink.Write(p); err != nil {
		fw.state = writeStateErrored
		return err
	}
	fw.written += uint32(len(p))
	return nil
}

// Finish completes the write (spec §4.6 step 3 "Finish"). If the actual
// byte count written doesn't match the declared full size, the reservation
// is rolled back and an error is returned.
func (fw *FileWriteHandle) Finish() error {
	if fw.state == writeStateErrored {
		fw.rollback()
		return newErr(ErrInvalidArgument, "FileWriteHandle.Finish", errors.New("handle already errored"))
	}
	if fw.written != fw.fullSize {
		fw.rollback()
		return newErr(ErrInvalidArgument, "FileWriteHandle.Finish", errors.Errorf("wrote %d bytes, declared %d", fw.written, fw.fullSize))
	}

	offsets, compressedSize, err := fw.sink.Finish()
	if err != nil {
		fw.state = writeStateErrored
		fw.rollback()
		return err
	}

	w := fw.w
	b := &w.blocks.Entries[fw.blockIdx]

	if !fw.mode.SingleUnit {
		words := make([]uint32, len(offsets))
		copy(words, offsets)
		if fw.mode.Encrypted {
			EncryptBlock(words, fw.key-1)
		}
		buf := make([]byte, len(words)*4)
		for i, wd := range words {
			binary.LittleEndian.PutUint32(buf[i*4:], wd)
		}
		if err := w.stream.WriteAt(w.mpqPos+b.RawOffset(), buf); err != nil {
			fw.state = writeStateErrored
			fw.rollback()
			return err
		}
	}

	b.CompressedSize = uint32(compressedSize)

	if fw.replaced >= 0 {
		w.blocks.Entries[fw.replaced].Flags &^= FlagExists
	}

	fw.state = writeStateCompleted
	w.changed = true
	if !reservedNames[fw.name] {
		w.addedNames = append(w.addedNames, fw.name)
	}
	return nil
}

// Abort cancels the write, rolling back the hash/block reservation (spec
// §4.6, §5: "a dropped/aborted write handle ... must clear the hash+block
// entries it reserved").
func (fw *FileWriteHandle) Abort() {
	fw.state = writeStateErrored
	fw.rollback()
}

func (fw *FileWriteHandle) rollback() {
	w := fw.w
	w.blocks.Free(fw.blockIdx)
	if fw.replaced >= 0 {
		// The hash entry belongs to the file being replaced; point it back
		// at that file's block instead of deleting it.
		w.hashes.Entries[fw.hashIdx].BlockIndex = uint32(fw.replaced)
	} else {
		w.hashes.Delete(fw.hashIdx)
	}
	w.changed = true
}

// RemoveFile clears the block entry and marks the hash entry DELETED (spec
// §4.7 "Remove"). Internal names are rejected.
func (w *ArchiveWriter) RemoveFile(name string) error {
	if reservedNames[name] {
		return newErr(ErrAccessDenied, "ArchiveWriter.RemoveFile", nil)
	}
	idx, ok := w.hashes.Lookup(name, 0, LookupAny, w.blocks.Used)
	if !ok {
		return newErr(ErrNotFound, "ArchiveWriter.RemoveFile", nil)
	}
	blockIdx := w.hashes.Entries[idx].BlockIndex
	w.blocks.Free(int(blockIdx))
	w.hashes.Delete(idx)
	w.changed = true
	return nil
}

// RenameFile implements rename-with-recrypt (spec §4.6 "Rename with
// recrypt"): Delete(old) then Insert(new) on the hash table, and if the
// file is encrypted and the derived key changes, every sector and the
// sector-offset table are decrypted under the old key and re-encrypted
// under the new one without recompressing.
func (w *ArchiveWriter) RenameFile(oldName, newName string) error {
	if reservedNames[oldName] || reservedNames[newName] {
		return newErr(ErrAccessDenied, "ArchiveWriter.RenameFile", nil)
	}

	oldIdx, ok := w.hashes.Lookup(oldName, 0, LookupAny, w.blocks.Used)
	if !ok {
		return newErr(ErrNotFound, "ArchiveWriter.RenameFile", nil)
	}
	if _, exists := w.hashes.Lookup(newName, 0, LookupAny, w.blocks.Used); exists {
		return newErr(ErrAlreadyExists, "ArchiveWriter.RenameFile", nil)
	}

	blockIdx := w.hashes.Entries[oldIdx].BlockIndex
	b := &w.blocks.Entries[blockIdx]

	if b.Flags&FlagEncrypted != 0 {
		oldKey := fileKey(oldName, b.OffsetLo, b.FullSize, b.Flags)
		newKey := fileKey(newName, b.OffsetLo, b.FullSize, b.Flags)
		if oldKey != newKey {
			if err := w.recryptFile(b, oldKey, newKey); err != nil {
				return err
			}
		}
	}

	newIdx, err := w.hashes.Rename(oldIdx, newName, w.hashes.Entries[oldIdx].Platform)
	if err != nil {
		return err
	}
	w.hashes.Entries[newIdx].BlockIndex = blockIdx
	w.changed = true
	return nil
}

func (w *ArchiveWriter) recryptFile(b *BlockEntry, oldKey, newKey uint32) error {
	mode := b.Mode()
	rawPos := w.mpqPos + b.RawOffset()

	if mode.SingleUnit {
		buf := make([]byte, b.CompressedSize)
		if err := w.stream.ReadAt(rawPos, buf); err != nil {
			return err
		}
		words := bytesToWords(buf)
		DecryptBlock(words, oldKey)
		EncryptBlock(words, newKey)
		return w.stream.WriteAt(rawPos, wordsToBytes(words, len(buf)))
	}

	dataSectors := (b.FullSize + w.sectorSize - 1) / w.sectorSize
	entries := dataSectors + 1
	if mode.SectorCRC {
		entries++
	}

	offsets, err := readSectorOffsetTable(w.stream, rawPos, int(entries), true, oldKey, w.sectorSize)
	if err != nil {
		return err
	}

	// Only data sectors are encrypted; the sector-CRC trailer is not.
	for i := uint32(0); i < dataSectors; i++ {
		stored := offsets[i+1] - offsets[i]
		if stored == 0 {
			continue
		}
		pos := rawPos + uint64(offsets[i])
		buf := make([]byte, stored)
		if err := w.stream.ReadAt(pos, buf); err != nil {
			return err
		}
		words := bytesToWords(buf)
		DecryptBlock(words, oldKey+i)
		EncryptBlock(words, newKey+i)
		if err := w.stream.WriteAt(pos, wordsToBytes(words, len(buf))); err != nil {
			return err
		}
	}

	newWords := make([]uint32, len(offsets))
	copy(newWords, offsets)
	EncryptBlock(newWords, newKey-1)
	buf := make([]byte, len(newWords)*4)
	for i, wd := range newWords {
		binary.LittleEndian.PutUint32(buf[i*4:], wd)
	}
	return w.stream.WriteAt(rawPos, buf)
}

// Flush writes the hash table, block table, ext-block table (if needed),
// and header, in that order of computation but header-last-on-disk so a
// torn write is detectable (spec §4.7 "Flush"). It does nothing if no
// change is pending.
func (w *ArchiveWriter) Flush() error {
	if !w.changed {
		return nil
	}

	hashOff := w.nextFreeRawOffset()
	hashBuf := make([]byte, len(w.hashes.Entries)*16)
	words := make([]uint32, len(w.hashes.Entries)*4)
	for i, e := range w.hashes.Entries {
		words[i*4] = e.NameA
		words[i*4+1] = e.NameB
		words[i*4+2] = uint32(e.Locale) | uint32(e.Platform)<<16
		words[i*4+3] = e.BlockIndex
	}
	EncryptBlock(words, HashString("(hash table)", domainFileKey))
	for i, wd := range words {
		binary.LittleEndian.PutUint32(hashBuf[i*4:], wd)
	}
	if err := w.stream.WriteAt(w.mpqPos+hashOff, hashBuf); err != nil {
		return err
	}

	blockOff := hashOff + uint64(len(hashBuf))
	blockWords := make([]uint32, w.blocks.Used*4)
	for i := uint32(0); i < w.blocks.Used; i++ {
		e := w.blocks.Entries[i]
		blockWords[i*4] = e.OffsetLo
		blockWords[i*4+1] = e.CompressedSize
		blockWords[i*4+2] = e.FullSize
		blockWords[i*4+3] = e.Flags
	}
	EncryptBlock(blockWords, HashString("(block table)", domainFileKey))
	blockBuf := make([]byte, len(blockWords)*4)
	for i, wd := range blockWords {
		binary.LittleEndian.PutUint32(blockBuf[i*4:], wd)
	}
	if err := w.stream.WriteAt(w.mpqPos+blockOff, blockBuf); err != nil {
		return err
	}

	total := blockOff + uint64(len(blockBuf))

	w.header.SetHashTableOffset(hashOff)
	w.header.SetBlockTableOffset(blockOff)
	w.header.HashTableEntries = uint32(len(w.hashes.Entries))
	w.header.BlockTableEntries = w.blocks.Used

	if w.header.FormatVersion >= formatVersion2 {
		needsExt := false
		for i := uint32(0); i < w.blocks.Used; i++ {
			if w.blocks.Entries[i].OffsetHi != 0 {
				needsExt = true
				break
			}
		}
		if needsExt {
			extOff := total
			extBuf := make([]byte, w.blocks.Used*2)
			for i := uint32(0); i < w.blocks.Used; i++ {
				binary.LittleEndian.PutUint16(extBuf[i*2:], w.blocks.Entries[i].OffsetHi)
			}
			if err := w.stream.WriteAt(w.mpqPos+extOff, extBuf); err != nil {
				return err
			}
			w.header.ExtBlockTableOffset = extOff
			total += uint64(len(extBuf))
		} else {
			w.header.ExtBlockTableOffset = 0
		}
	}

	if err := writeHeaderAt(w.stream, w.mpqPos, w.header, total); err != nil {
		return err
	}

	if err := w.stream.SetSize(w.mpqPos + total); err != nil {
		return err
	}

	w.changed = false
	return nil
}
