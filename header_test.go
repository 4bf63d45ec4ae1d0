// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"os"
	"path/filepath"
	"testing"
)

func newTempStream(t *testing.T, size uint64) (*FileStream, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mpq")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	f.Close()
	s, err := OpenFileStream(path, false, false)
	if err != nil {
		t.Fatalf("OpenFileStream: %v", err)
	}
	return s, path
}

func TestWriteHeaderAtRoundTripV1(t *testing.T) {
	s, _ := newTempStream(t, headerSizeV1)
	defer s.Close()

	h := &Header{
		FormatVersion:     formatVersion1,
		SectorSizeShift:   defaultSectorSizeShift,
		HashTableEntries:  16,
		BlockTableEntries: 1,
	}
	h.SetHashTableOffset(headerSizeV1)
	h.SetBlockTableOffset(headerSizeV1 + 256)

	if err := writeHeaderAt(s, 0, h, 1024); err != nil {
		t.Fatalf("writeHeaderAt: %v", err)
	}

	got, err := locateHeader(s, LocateOptions{})
	if err != nil {
		t.Fatalf("locateHeader: %v", err)
	}
	if got.FormatVersion != formatVersion1 {
		t.Errorf("FormatVersion = %d, want %d", got.FormatVersion, formatVersion1)
	}
	if got.HashTableOffset() != headerSizeV1 {
		t.Errorf("HashTableOffset = %d, want %d", got.HashTableOffset(), uint64(headerSizeV1))
	}
	if got.Protected {
		t.Errorf("canonical v1 header was flagged Protected")
	}
}

func TestWriteHeaderAtRoundTripV2(t *testing.T) {
	s, _ := newTempStream(t, headerSizeV2)
	defer s.Close()

	h := &Header{
		FormatVersion:       formatVersion2,
		SectorSizeShift:     defaultSectorSizeShift,
		HashTableEntries:    16,
		BlockTableEntries:   1,
		ExtBlockTableOffset: 0,
	}
	h.SetHashTableOffset(1<<32 + 100)
	h.SetBlockTableOffset(1<<32 + 200)

	if err := writeHeaderAt(s, 0, h, 1024); err != nil {
		t.Fatalf("writeHeaderAt: %v", err)
	}

	got, err := locateHeader(s, LocateOptions{})
	if err != nil {
		t.Fatalf("locateHeader: %v", err)
	}
	if got.HashTableOffset() != 1<<32+100 {
		t.Errorf("HashTableOffset = 0x%X, want 0x%X", got.HashTableOffset(), uint64(1<<32+100))
	}
	if got.BlockTableOffset() != 1<<32+200 {
		t.Errorf("BlockTableOffset = 0x%X, want 0x%X", got.BlockTableOffset(), uint64(1<<32+200))
	}
}

// TestProtectorHeaderSizeTolerance exercises spec §4.5's protector-tolerance
// rule: a header_size that doesn't match the canonical size for its format
// version is silently corrected in memory and Protected is set.
func TestProtectorHeaderSizeTolerance(t *testing.T) {
	s, _ := newTempStream(t, headerSizeV1)
	defer s.Close()

	buf := make([]byte, headerSizeV1)
	buf[0], buf[1], buf[2], buf[3] = 'M', 'P', 'Q', 0x1A
	buf[4], buf[5], buf[6], buf[7] = 0xDE, 0xAD, 0xBE, 0xEF // garbage header_size
	if err := s.WriteAt(0, buf); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	h, err := locateHeader(s, LocateOptions{})
	if err != nil {
		t.Fatalf("locateHeader with garbage header_size: %v", err)
	}
	if !h.Protected {
		t.Errorf("garbage header_size was not flagged Protected")
	}
}

// TestLocateHeaderRejectsAVIInDisguise exercises spec §4.5's explicit
// rejection of a RIFF container wearing an MPQ file extension.
func TestLocateHeaderRejectsAVIInDisguise(t *testing.T) {
	s, _ := newTempStream(t, 512)
	defer s.Close()

	buf := make([]byte, 16)
	buf[0], buf[1], buf[2], buf[3] = 'R', 'I', 'F', 'F'
	if err := s.WriteAt(0, buf); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	_, err := locateHeader(s, LocateOptions{})
	if err == nil {
		t.Fatal("locateHeader accepted a RIFF container")
	}
	if !IsKind(err, ErrNotAnArchive) {
		t.Errorf("locateHeader returned %v, want ErrNotAnArchive", err)
	}
}

func TestLocateHeaderScansPast512ByteGarbage(t *testing.T) {
	s, _ := newTempStream(t, headerScanStride*2+headerSizeV1)
	defer s.Close()

	h := &Header{
		FormatVersion:     formatVersion1,
		SectorSizeShift:   defaultSectorSizeShift,
		HashTableEntries:  16,
		BlockTableEntries: 0,
	}
	if err := writeHeaderAt(s, headerScanStride*2, h, headerScanStride*2+headerSizeV1); err != nil {
		t.Fatalf("writeHeaderAt: %v", err)
	}

	got, err := locateHeader(s, LocateOptions{})
	if err != nil {
		t.Fatalf("locateHeader: %v", err)
	}
	if got.MpqPos != headerScanStride*2 {
		t.Errorf("MpqPos = %d, want %d", got.MpqPos, uint64(headerScanStride*2))
	}
}
