// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArchiveSession is the top-level handle for one open archive (spec §4.8,
// C8): it owns the stream, header, and three tables, and yields read/write
// handles. Operations on one session are not reentrant (spec §5).
type ArchiveSession struct {
	id       string
	stream   Stream
	lock     *sessionLock
	header   *Header
	hashes   *HashTable
	blocks   *BlockTable
	codec    Codec
	hashImpl Hashes
	writer   *ArchiveWriter

	locale         uint16
	readOnly       bool
	checkSectorCRC bool

	log *zap.SugaredLogger
}

// Open locates and loads an existing archive on path (spec §4.5, §4.8).
func Open(path string, opts SessionOptions) (*ArchiveSession, error) {
	log := opts.Logger
	if log == nil {
		log = newNopLogger()
	}
	sessID := uuid.NewString()

	readOnly := opts.Flags&OpenReadOnly != 0
	s, err := OpenFileStream(path, readOnly, false)
	if err != nil {
		return nil, err
	}

	var lock *sessionLock
	if !readOnly {
		lock, err = acquireSessionLock(path, opts.LockTimeout)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	h, err := locateHeader(s, LocateOptions{ForceV1: opts.Flags&OpenForceV1 != 0})
	if err != nil {
		lock.release()
		s.Close()
		return nil, err
	}
	if h.Protected {
		log.Warnw("archive header reports a non-canonical header size; treating as protected (writes disabled)",
			"session", sessID, "path", path)
	}

	sess := &ArchiveSession{
		id:             sessID,
		stream:         s,
		lock:           lock,
		header:         h,
		codec:          NewCodec(0),
		hashImpl:       NewHashes(),
		locale:         opts.Locale,
		readOnly:       readOnly || h.Protected,
		checkSectorCRC: opts.Flags&OpenCheckSectorCRC != 0,
		log:            log,
	}

	if err := sess.loadTables(); err != nil {
		lock.release()
		s.Close()
		return nil, err
	}

	if h.Protected && !sess.readOnly {
		log.Warnw("archive hash/block tables run past the container's extent; treating as protected (writes disabled)",
			"session", sessID, "path", path)
		sess.readOnly = true
	}

	if !sess.readOnly {
		sess.writer = newArchiveWriter(sess.stream, sess.header, sess.hashes, sess.blocks, sess.codec, sess.hashImpl)
	}

	containerSize, sizeErr := s.Size()
	if sizeErr != nil {
		containerSize = 0
	}
	log.Infow("opened archive",
		"session", sessID, "path", path, "version", h.FormatVersion,
		"protected", h.Protected, "size", logBytes(containerSize))
	return sess, nil
}

// Create initializes a brand-new archive at path (spec §4.8).
func Create(path string, opts CreateOptions) (*ArchiveSession, error) {
	log := opts.Logger
	if log == nil {
		log = newNopLogger()
	}
	sessID := uuid.NewString()

	capacity := nextPowerOfTwo(opts.HashCapacity)
	if capacity < 16 {
		capacity = 16
	}
	if capacity > 262144 {
		capacity = 262144
	}

	create := opts.Disposition == CreateNew || opts.Disposition == CreateAlways || opts.Disposition == OpenAlways
	s, err := OpenFileStream(path, false, create)
	if err != nil {
		return nil, err
	}

	lock, err := acquireSessionLock(path, opts.LockTimeout)
	if err != nil {
		s.Close()
		return nil, err
	}

	version := uint16(formatVersion1)
	if opts.Flags&CreateV2 != 0 {
		version = formatVersion2
	}

	h := &Header{
		FormatVersion:     version,
		SectorSizeShift:   opts.SectorSizeShift,
		HashTableEntries:  capacity,
		BlockTableEntries: 0,
	}

	headerSize := uint64(headerSizeV1)
	if version >= formatVersion2 {
		headerSize = headerSizeV2
	}
	if err := s.SetSize(headerSize); err != nil {
		lock.release()
		s.Close()
		return nil, err
	}

	sess := &ArchiveSession{
		id:       sessID,
		stream:   s,
		lock:     lock,
		header:   h,
		hashes:   NewHashTable(capacity),
		blocks:   NewBlockTable(maxUint32(capacity, 1)),
		codec:    NewCodec(0),
		hashImpl: NewHashes(),
		log:      log,
	}
	sess.writer = newArchiveWriter(sess.stream, sess.header, sess.hashes, sess.blocks, sess.codec, sess.hashImpl)
	sess.writer.changed = true

	log.Infow("created archive",
		"session", sessID, "path", path, "version", version,
		"hash_capacity", capacity, "header_size", logBytes(headerSize))
	return sess, nil
}

// loadTables reads the hash and block tables (spec §4.5 "Table positions").
// It tolerates the same class of protector damage header parsing already
// does: a declared extent that runs past the container's actual size, or a
// block_table_offset that lands inside the hash table's nominal span (the
// signature of a compressed hash table this engine doesn't decode). Rather
// than hard-failing with a short-read I/O error, it clamps the read to
// whatever whole entries are actually present and leaves the remainder as
// FREE/non-existent, flagging the archive Protected.
func (sess *ArchiveSession) loadTables() error {
	containerSize, err := sess.stream.Size()
	if err != nil {
		return err
	}

	capacity := sess.header.HashTableEntries
	hashPos := sess.header.MpqPos + sess.header.HashTableOffset()
	blockPos := sess.header.MpqPos + sess.header.BlockTableOffset()

	hashTableBytes := uint64(capacity) * 16
	if blockPos > hashPos && blockPos < hashPos+hashTableBytes {
		hashTableBytes = blockPos - hashPos
		sess.header.Protected = true
	}
	hashTableBytes = clampToContainer(hashPos, hashTableBytes, containerSize, sess.header)
	readableHashEntries := hashTableBytes / 16

	sess.hashes = &HashTable{Entries: make([]HashEntry, capacity), Mask: capacity - 1}
	for i := range sess.hashes.Entries {
		sess.hashes.Entries[i].BlockIndex = hashEntryFree
	}
	if readableHashEntries > 0 {
		hashBuf := make([]byte, readableHashEntries*16)
		if err := sess.stream.ReadAt(hashPos, hashBuf); err != nil {
			return err
		}
		words := make([]uint32, readableHashEntries*4)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(hashBuf[i*4:])
		}
		DecryptBlock(words, HashString("(hash table)", domainFileKey))
		for i := uint64(0); i < readableHashEntries; i++ {
			sess.hashes.Entries[i] = HashEntry{
				NameA:      words[i*4],
				NameB:      words[i*4+1],
				Locale:     uint16(words[i*4+2]),
				Platform:   uint16(words[i*4+2] >> 16),
				BlockIndex: words[i*4+3],
			}
		}
	}

	blockCount := sess.header.BlockTableEntries
	blockTableBytes := clampToContainer(blockPos, uint64(blockCount)*16, containerSize, sess.header)
	readableBlocks := blockTableBytes / 16

	maxEntries := maxUint32(blockCount, capacity)
	sess.blocks = &BlockTable{Entries: make([]BlockEntry, maxEntries), Used: blockCount, Max: maxEntries}
	if readableBlocks > 0 {
		blockBuf := make([]byte, readableBlocks*16)
		if err := sess.stream.ReadAt(blockPos, blockBuf); err != nil {
			return err
		}
		bwords := make([]uint32, readableBlocks*4)
		for i := range bwords {
			bwords[i] = binary.LittleEndian.Uint32(blockBuf[i*4:])
		}
		DecryptBlock(bwords, HashString("(block table)", domainFileKey))
		for i := uint64(0); i < readableBlocks; i++ {
			sess.blocks.Entries[i] = BlockEntry{
				OffsetLo:       bwords[i*4],
				CompressedSize: bwords[i*4+1],
				FullSize:       bwords[i*4+2],
				Flags:          bwords[i*4+3],
			}
		}
	}

	if sess.header.FormatVersion >= formatVersion2 && sess.header.ExtBlockTableOffset != 0 {
		extPos := sess.header.MpqPos + sess.header.ExtBlockTableOffset
		extTableBytes := clampToContainer(extPos, uint64(blockCount)*2, containerSize, sess.header)
		readableExt := extTableBytes / 2
		if readableExt > 0 {
			extBuf := make([]byte, readableExt*2)
			if err := sess.stream.ReadAt(extPos, extBuf); err != nil {
				return err
			}
			for i := uint64(0); i < readableExt; i++ {
				sess.blocks.Entries[i].OffsetHi = binary.LittleEndian.Uint16(extBuf[i*2:])
			}
		}
	}

	return nil
}

// clampToContainer returns the largest byte count <= want that fits between
// pos and containerSize, flagging h.Protected when it had to shrink.
func clampToContainer(pos, want, containerSize uint64, h *Header) uint64 {
	if pos >= containerSize {
		if want > 0 {
			h.Protected = true
		}
		return 0
	}
	if avail := containerSize - pos; want > avail {
		h.Protected = true
		return avail
	}
	return want
}

// FileHandle is an open read or write handle for one archived file,
// resolved through ArchiveSession rather than holding a back-reference, per
// the arena+handle design (spec §9 "Cyclic structures").
type FileHandle struct {
	sess   *ArchiveSession
	reader *FileReader
	name   string
	block  BlockEntry
}

// OpenFile opens name for reading under the session's default locale with
// LookupPreferred semantics.
func (sess *ArchiveSession) OpenFile(name string) (*FileHandle, error) {
	return sess.openFileWithPolicy(name, sess.locale, LookupPreferred)
}

// OpenFileLocale opens a specific locale variant of name directly, bypassing
// the session default and the fallback policies (SPEC_FULL folded-back
// feature 1, grounded on StormLib's SFileOpenFileEx locale parameter).
func (sess *ArchiveSession) OpenFileLocale(name string, locale uint16) (*FileHandle, error) {
	return sess.openFileWithPolicy(name, locale, LookupExact)
}

// OpenFileAny opens name ignoring locale preference entirely: neutral
// first, then any locale (spec §4.3 LookupAny).
func (sess *ArchiveSession) OpenFileAny(name string) (*FileHandle, error) {
	return sess.openFileWithPolicy(name, 0, LookupAny)
}

func (sess *ArchiveSession) openFileWithPolicy(name string, locale uint16, policy LookupPolicy) (*FileHandle, error) {
	idx, ok := sess.hashes.Lookup(name, locale, policy, sess.blocks.Used)
	if !ok {
		return nil, newErr(ErrNotFound, "ArchiveSession.OpenFile", nil)
	}
	blockIdx := sess.hashes.Entries[idx].BlockIndex
	block := sess.blocks.Entries[blockIdx]

	fr, err := OpenFileReader(sess.stream, sess.header.MpqPos, &block, name, sess.header.SectorSize(), sess.codec, sess.hashImpl, sess.checkSectorCRC)
	if err != nil {
		return nil, err
	}

	return &FileHandle{sess: sess, reader: fr, name: name, block: block}, nil
}

// HasFile reports whether name resolves under the session's default
// locale, preferred-with-fallback.
func (sess *ArchiveSession) HasFile(name string) bool {
	_, ok := sess.hashes.Lookup(name, sess.locale, LookupPreferred, sess.blocks.Used)
	return ok
}

// lookupBlock resolves name to its block entry without opening a sector
// pipeline, for callers (PatchChain) that only need to inspect flags.
func (sess *ArchiveSession) lookupBlock(name string) (*BlockEntry, bool) {
	idx, ok := sess.hashes.Lookup(name, 0, LookupAny, sess.blocks.Used)
	if !ok {
		return nil, false
	}
	return &sess.blocks.Entries[sess.hashes.Entries[idx].BlockIndex], true
}

// ListFiles returns every name recorded in (listfile), or an empty slice if
// the archive carries none.
func (sess *ArchiveSession) ListFiles() ([]string, error) {
	fh, err := sess.OpenFileAny("(listfile)")
	if err != nil {
		if IsKind(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	data, err := fh.ReadAll()
	if err != nil {
		return nil, err
	}
	return parseListfile(data), nil
}

// ReadAll reads the entire contents of fh.
func (fh *FileHandle) ReadAll() ([]byte, error) {
	return fh.reader.ReadAll()
}

// FileInfo is the introspection result returned by FileHandle.Info
// (SPEC_FULL folded-back feature 2, grounded on SFileGetFileInfo/TMPQFile).
type FileInfo struct {
	Name           string
	CompressedSize uint32
	FullSize       uint32
	Flags          uint32
	RawPosition    uint64
}

// Info returns size/flag/position introspection for the open file.
func (fh *FileHandle) Info() FileInfo {
	return FileInfo{
		Name:           fh.name,
		CompressedSize: fh.block.CompressedSize,
		FullSize:       fh.block.FullSize,
		Flags:          fh.block.Flags,
		RawPosition:    fh.sess.header.MpqPos + fh.block.RawOffset(),
	}
}

// SetLocale changes the session-wide default locale used by OpenFile.
func (sess *ArchiveSession) SetLocale(locale uint16) { sess.locale = locale }

// Locale returns the session's current default locale.
func (sess *ArchiveSession) Locale() uint16 { return sess.locale }

// Writer returns the session's ArchiveWriter, or an error if the session
// was opened read-only or is protected.
func (sess *ArchiveSession) Writer() (*ArchiveWriter, error) {
	if sess.writer == nil {
		return nil, newErr(ErrReadOnly, "ArchiveSession.Writer", nil)
	}
	return sess.writer, nil
}

// Flush writes pending table changes without closing the session.
func (sess *ArchiveSession) Flush() error {
	if sess.writer == nil {
		return nil
	}
	return sess.writer.Flush()
}

// Close flushes pending changes (if any), releases the session lock, and
// closes the underlying stream (spec §4.8).
func (sess *ArchiveSession) Close() error {
	var flushErr error
	if sess.writer != nil {
		flushErr = sess.writer.Flush()
	}
	finalSize, sizeErr := sess.stream.Size()
	if sizeErr != nil {
		finalSize = 0
	}
	if err := sess.lock.release(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := sess.stream.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	sess.log.Infow("closed archive", "session", sess.id, "size", logBytes(finalSize))
	return flushErr
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
