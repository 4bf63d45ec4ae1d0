// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// sectorOffsets holds a decoded sector-offset table (spec §3, §4.6).
type sectorOffsets []uint32

// readSectorOffsetTable reads and, if needed, decrypts the sector-offset
// table for a COMPRESS|IMPLODE file at rawPos (spec §4.6 step 6). count is
// data_sectors+1 (+1 more if sectorCRC).
func readSectorOffsetTable(s Stream, rawPos uint64, count int, encrypted bool, key uint32, sectorSize uint32) (sectorOffsets, error) {
	buf := make([]byte, count*4)
	if err := s.ReadAt(rawPos, buf); err != nil {
		return nil, err
	}

	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}

	if encrypted {
		DecryptBlock(words, key-1)
	}

	if len(words) >= 2 && words[1]-words[0] > sectorSize {
		return nil, newErr(ErrCorrupt, "readSectorOffsetTable", errors.Errorf("sector 0 stored size %d exceeds sector size %d", words[1]-words[0], sectorSize))
	}

	return sectorOffsets(words), nil
}

// resolveSectorRawPos computes the absolute raw position of sector data
// given a (possibly two's-complement-negative) sector-offset table entry,
// per the protector-tolerance rule in spec §4.6 "Negative sector offsets".
func resolveSectorRawPos(mpqPos uint64, blockOffsetLo uint32, fileRawPos uint64, entry uint32) uint64 {
	if entry&0x80000000 != 0 {
		return mpqPos + uint64(uint32(entry+blockOffsetLo))
	}
	return fileRawPos + uint64(entry)
}

// FileReader is an opened read handle for one archived file (spec §4.6).
type FileReader struct {
	stream    Stream
	codec     Codec
	hashes    Hashes
	mpqPos    uint64
	rawPos    uint64
	blockLo   uint32
	mode      StorageMode
	fullSize  uint32
	compSize  uint32
	sectorSz  uint32
	key       uint32
	keyKnown  bool
	checkCRC  bool
	offsets   sectorOffsets
	crcValues []uint32
}

// OpenFileReader prepares to read the file described by block at its raw
// position, deriving or recovering the file key as needed (spec §4.6 steps
// 1-7).
func OpenFileReader(s Stream, mpqPos uint64, block *BlockEntry, name string, sectorSize uint32, codec Codec, hashes Hashes, checkCRC bool) (*FileReader, error) {
	if block.Flags&FlagExists == 0 {
		return nil, newErr(ErrNotFound, "OpenFileReader", nil)
	}

	mode := block.Mode()
	rawPos := mpqPos + block.RawOffset()

	fr := &FileReader{
		stream:   s,
		codec:    codec,
		hashes:   hashes,
		mpqPos:   mpqPos,
		rawPos:   rawPos,
		blockLo:  block.OffsetLo,
		mode:     mode,
		fullSize: block.FullSize,
		compSize: block.CompressedSize,
		sectorSz: sectorSize,
		checkCRC: checkCRC && mode.SectorCRC,
	}

	if mode.Encrypted {
		if name != "" {
			fr.key = fileKey(name, block.OffsetLo, block.FullSize, block.Flags)
			fr.keyKnown = true
		}
	} else {
		fr.keyKnown = true
	}

	if mode.SingleUnit {
		return fr, nil
	}

	dataSectors := int((block.FullSize + sectorSize - 1) / sectorSize)
	if block.FullSize == 0 {
		dataSectors = 0
	}
	entries := dataSectors + 1
	if mode.SectorCRC {
		entries++
	}

	if mode.Compressed || mode.Imploded {
		tryKey := fr.key
		offsets, err := readSectorOffsetTable(s, rawPos, entries, mode.Encrypted, tryKey, sectorSize)
		if err != nil && mode.Encrypted && !fr.keyKnown {
			// Attempt known-plaintext recovery from the table's own structure
			// (spec §4.6 step 7, §4.2).
			raw := make([]byte, 8)
			if rerr := s.ReadAt(rawPos, raw); rerr == nil {
				t0 := binary.LittleEndian.Uint32(raw[0:4])
				t1 := binary.LittleEndian.Uint32(raw[4:8])
				knownTable0 := uint32(entries) * 4
				if k, ok := RecoverKeyFromSectorTable(t0, t1, knownTable0); ok {
					fr.key = k
					fr.keyKnown = true
					offsets, err = readSectorOffsetTable(s, rawPos, entries, mode.Encrypted, k, sectorSize)
				}
			}
		}
		if err != nil {
			if mode.Encrypted && !fr.keyKnown {
				return nil, newErr(ErrUnknownKey, "OpenFileReader", nil)
			}
			return nil, err
		}
		fr.offsets = offsets
	} else {
		// Uncompressed sectored file: offsets are implicit, fixed stride.
		offsets := make(sectorOffsets, entries)
		headerBytes := uint32(entries) * 4
		offsets[0] = headerBytes
		for i := 0; i < dataSectors; i++ {
			sz := sectorSize
			if i == dataSectors-1 {
				rem := block.FullSize % sectorSize
				if rem != 0 {
					sz = rem
				}
			}
			offsets[i+1] = offsets[i] + sz
		}
		fr.offsets = offsets
	}

	if mode.Encrypted && !fr.keyKnown {
		return nil, newErr(ErrUnknownKey, "OpenFileReader", nil)
	}

	if mode.SectorCRC {
		if err := fr.loadCRCTrailer(dataSectors); err != nil {
			return nil, err
		}
	}

	return fr, nil
}

// RecoverKeyFromKnownContent retries key recovery for an encrypted file
// whose sector-offset-table recovery failed (or wasn't attempted, e.g.
// single-unit) using known plaintext words of the decompressed content,
// such as a recognizable file-format magic (spec §4.6 scenario 6, §4.2).
func (fr *FileReader) RecoverKeyFromKnownContent(encWords, knownWords []uint32) bool {
	k, ok := RecoverKeyFromContent(encWords, knownWords)
	if ok {
		fr.key = k
		fr.keyKnown = true
	}
	return ok
}

func (fr *FileReader) loadCRCTrailer(dataSectors int) error {
	idx := dataSectors + 1
	if idx+1 > len(fr.offsets) {
		return nil
	}
	start := fr.rawPos + uint64(fr.offsets[idx-1])
	size := fr.offsets[idx] - fr.offsets[idx-1]

	compressed := make([]byte, size)
	if err := fr.stream.ReadAt(start, compressed); err != nil {
		return err
	}
	trailer, err := fr.codec.Decompress(compressed[0], compressed[1:], dataSectors*4)
	if err != nil {
		return err
	}
	fr.crcValues = make([]uint32, dataSectors)
	for i := range fr.crcValues {
		fr.crcValues[i] = binary.LittleEndian.Uint32(trailer[i*4:])
	}
	return nil
}

// SectorCount reports how many sectors ReadSector accepts.
func (fr *FileReader) SectorCount() int {
	if fr.mode.SingleUnit {
		return 1
	}
	if len(fr.offsets) == 0 {
		return 0
	}
	n := len(fr.offsets) - 1
	if fr.mode.SectorCRC {
		// The last table entry bounds the CRC trailer, not a data sector.
		n--
	}
	return n
}

// ReadSector reads, decrypts, and decompresses sector i (spec §4.6 "Reading
// sector i"), verifying the Adler-32 of its stored (decrypted, not yet
// decompressed) bytes if sector CRC checking is enabled.
func (fr *FileReader) ReadSector(i int) ([]byte, error) {
	if fr.mode.SingleUnit {
		return fr.readSingleUnit()
	}

	if i < 0 || i >= fr.SectorCount() {
		return nil, newErr(ErrInvalidArgument, "FileReader.ReadSector", nil)
	}

	start := resolveSectorRawPos(fr.mpqPos, fr.blockLo, fr.rawPos, fr.offsets[i])
	stored := fr.offsets[i+1] - fr.offsets[i]
	uncompressedSize := fr.sectorSz
	if i == fr.SectorCount()-1 {
		rem := fr.fullSize % fr.sectorSz
		if rem != 0 {
			uncompressedSize = rem
		}
	}

	buf := make([]byte, stored)
	if err := fr.stream.ReadAt(start, buf); err != nil {
		return nil, err
	}

	if fr.mode.Encrypted {
		words := bytesToWords(buf)
		DecryptBlock(words, fr.key+uint32(i))
		buf = wordsToBytes(words, len(buf))
	}

	if fr.checkCRC && i < len(fr.crcValues) {
		if fr.hashes.Adler32(buf) != fr.crcValues[i] {
			return nil, newErr(ErrChecksumMismatch, "FileReader.ReadSector", errors.Errorf("sector %d", i))
		}
	}

	var out []byte
	var err error
	if uint32(stored) < uncompressedSize {
		out, err = fr.codec.Decompress(buf[0], buf[1:], int(uncompressedSize))
		if err != nil {
			return nil, err
		}
	} else {
		out = buf
	}

	return out, nil
}

func (fr *FileReader) readSingleUnit() ([]byte, error) {
	stored := fr.compSize
	if stored == 0 {
		// CompressedSize wasn't available to the caller (e.g. a block entry
		// assembled without it); fall back to the one size we know applies.
		stored = fr.fullSize
	}

	buf := make([]byte, stored)
	if err := fr.stream.ReadAt(fr.rawPos, buf); err != nil {
		return nil, err
	}
	if fr.mode.Encrypted {
		words := bytesToWords(buf)
		DecryptBlock(words, fr.key)
		buf = wordsToBytes(words, len(buf))
	}

	// A single-unit file is still free to be COMPRESS-flagged; the stored
	// payload carries a leading method byte whenever it actually shrank
	// (matching ReadSector's stored-vs-uncompressed-size check).
	if stored < fr.fullSize {
		return fr.codec.Decompress(buf[0], buf[1:], int(fr.fullSize))
	}
	return buf, nil
}

// ReadAll reads and concatenates every sector (spec §4.6).
func (fr *FileReader) ReadAll() ([]byte, error) {
	if fr.mode.SingleUnit {
		return fr.readSingleUnit()
	}
	out := make([]byte, 0, fr.fullSize)
	for i := 0; i < fr.SectorCount(); i++ {
		sec, err := fr.ReadSector(i)
		if err != nil {
			return nil, err
		}
		out = append(out, sec...)
	}
	return out, nil
}

func bytesToWords(b []byte) []uint32 {
	n := (len(b) + 3) / 4
	words := make([]uint32, n)
	padded := b
	if len(b)%4 != 0 {
		padded = make([]byte, n*4)
		copy(padded, b)
	}
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(padded[i*4:])
	}
	return words
}

func wordsToBytes(words []uint32, n int) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out[:n]
}

// sectorSink buffers one sector's worth of bytes at a time and emits
// compressed/encrypted/CRC'd sectors to a Stream, implementing the
// streaming half of the three-phase write protocol (spec §4.6 "Writing a
// file", step 2). It is driven by ArchiveWriter.
type sectorSink struct {
	stream     Stream
	codec      Codec
	hashes     Hashes
	rawBase    uint64
	sectorSize uint32
	key        uint32
	encrypted  bool
	compress   bool
	sectorCRC  bool
	methods    CompressMethod
	level      int

	buf        []byte
	sectorIdx  int
	written    uint64
	offsets    []uint32
	crcWords   []uint32
	compressed uint64
}

func newSectorSink(s Stream, codec Codec, hashes Hashes, rawBase uint64, sectorSize uint32, key uint32, mode StorageMode, methods CompressMethod, level int) *sectorSink {
	return &sectorSink{
		stream:     s,
		codec:      codec,
		hashes:     hashes,
		rawBase:    rawBase,
		sectorSize: sectorSize,
		key:        key,
		encrypted:  mode.Encrypted,
		compress:   mode.Compressed,
		sectorCRC:  mode.SectorCRC,
		methods:    methods,
		level:      level,
		buf:        make([]byte, 0, sectorSize),
		offsets:    []uint32{0},
	}
}

// Write appends p to the current sector buffer, flushing full sectors to
// the stream as they fill.
func (sk *sectorSink) Write(p []byte) error {
	for len(p) > 0 {
		room := int(sk.sectorSize) - len(sk.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		sk.buf = append(sk.buf, p[:n]...)
		p = p[n:]
		sk.written += uint64(n)

		if len(sk.buf) == int(sk.sectorSize) {
			if err := sk.flushSector(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sk *sectorSink) flushSector() error {
	raw := sk.buf
	stored := raw
	if sk.compress && sk.methods != 0 {
		_, compressed, err := sk.codec.Compress(raw, sk.methods, sk.level)
		if err == nil && len(compressed)+1 < len(raw) {
			stored = append([]byte{byte(sk.methods)}, compressed...)
		}
	}

	if sk.sectorCRC {
		sk.crcWords = append(sk.crcWords, sk.hashes.Adler32(stored))
	}

	if sk.encrypted {
		words := bytesToWords(stored)
		EncryptBlock(words, sk.key+uint32(sk.sectorIdx))
		stored = wordsToBytes(words, len(stored))
	}

	if err := sk.stream.WriteAt(sk.rawBase+sk.compressed, stored); err != nil {
		return err
	}

	sk.compressed += uint64(len(stored))
	sk.offsets = append(sk.offsets, uint32(sk.compressed))
	sk.sectorIdx++
	sk.buf = sk.buf[:0]
	return nil
}

// Finish flushes any partial final sector and, if sectorCRC is set, writes
// the compressed Adler-32 trailer, returning the completed sector-offset
// table (including the CRC trailer entry if present) and the total stored
// length measured from the file's raw start (spec §4.6 "Finish").
func (sk *sectorSink) Finish() (sectorOffsets, uint64, error) {
	if len(sk.buf) > 0 {
		if err := sk.flushSector(); err != nil {
			return nil, 0, err
		}
	}

	if sk.sectorCRC {
		trailer := make([]byte, len(sk.crcWords)*4)
		for i, w := range sk.crcWords {
			binary.LittleEndian.PutUint32(trailer[i*4:], w)
		}
		_, compressed, err := sk.codec.Compress(trailer, MethodZlib, sk.level)
		if err != nil {
			return nil, 0, err
		}
		stored := append([]byte{byte(MethodZlib)}, compressed...)
		if err := sk.stream.WriteAt(sk.rawBase+sk.compressed, stored); err != nil {
			return nil, 0, err
		}
		sk.compressed += uint64(len(stored))
		sk.offsets = append(sk.offsets, uint32(sk.compressed))
	}

	return sectorOffsets(sk.offsets), sk.compressed, nil
}
