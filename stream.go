// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// StreamFlag describes capability bits of a Stream (spec §6).
type StreamFlag uint32

const (
	// StreamReadOnly marks a stream that rejects WriteAt/SetSize.
	StreamReadOnly StreamFlag = 1 << iota
	// StreamPartFile marks a stream whose backing storage may have holes;
	// reads that land in a hole return zero-filled bytes instead of an error.
	StreamPartFile
)

// Stream is the container abstraction the core engine reads and writes
// through (spec §6). Implementations must support random access; Close
// releases any underlying resource.
type Stream interface {
	Size() (uint64, error)
	ReadAt(offset uint64, buf []byte) error
	WriteAt(offset uint64, buf []byte) error
	SetSize(newSize uint64) error
	LastWriteTime() (lo, hi uint32, ok bool)
	Flags() StreamFlag
	Close() error
}

// FileStream is the default Stream implementation, backed by an *os.File.
type FileStream struct {
	f        *os.File
	readOnly bool
	partFile bool
}

// OpenFileStream opens path as a Stream. When readOnly is false the file is
// opened for read/write (creating it if create is true).
func OpenFileStream(path string, readOnly, create bool) (*FileStream, error) {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR
		if create {
			flag |= os.O_CREATE
		}
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, newErr(ErrIO, "OpenFileStream", err)
	}
	return &FileStream{f: f, readOnly: readOnly}, nil
}

// NewFileStream wraps an already-open file. partFile marks it as a
// possibly-sparse logical stream per spec §6.
func NewFileStream(f *os.File, readOnly, partFile bool) *FileStream {
	return &FileStream{f: f, readOnly: readOnly, partFile: partFile}
}

func (s *FileStream) Size() (uint64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, newErr(ErrIO, "FileStream.Size", err)
	}
	return uint64(fi.Size()), nil
}

func (s *FileStream) ReadAt(offset uint64, buf []byte) error {
	n, err := s.f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return newErr(ErrIO, "FileStream.ReadAt", err)
	}
	if n < len(buf) {
		if !s.partFile {
			return newErr(ErrIO, "FileStream.ReadAt", errors.Errorf("short read: got %d of %d bytes at offset %d", n, len(buf), offset))
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	return nil
}

func (s *FileStream) WriteAt(offset uint64, buf []byte) error {
	if s.readOnly {
		return newErr(ErrReadOnly, "FileStream.WriteAt", nil)
	}
	if _, err := s.f.WriteAt(buf, int64(offset)); err != nil {
		return newErr(ErrIO, "FileStream.WriteAt", err)
	}
	return nil
}

func (s *FileStream) SetSize(newSize uint64) error {
	if s.readOnly {
		return newErr(ErrReadOnly, "FileStream.SetSize", nil)
	}
	if err := s.f.Truncate(int64(newSize)); err != nil {
		return newErr(ErrIO, "FileStream.SetSize", err)
	}
	return nil
}

func (s *FileStream) LastWriteTime() (uint32, uint32, bool) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, 0, false
	}
	t := fi.ModTime().Unix()
	return uint32(t), uint32(t >> 32), true
}

func (s *FileStream) Flags() StreamFlag {
	var f StreamFlag
	if s.readOnly {
		f |= StreamReadOnly
	}
	if s.partFile {
		f |= StreamPartFile
	}
	return f
}

func (s *FileStream) Close() error {
	if err := s.f.Close(); err != nil {
		return newErr(ErrIO, "FileStream.Close", err)
	}
	return nil
}

// MmapStream is a read-mostly Stream backed by a memory-mapped file
// (github.com/edsrzf/mmap-go). It is always read-only: mapping growth on
// write would require remapping on every SetSize, which the core's
// allocator already performs via truncate+append on a FileStream, so
// MmapStream is offered purely as a faster read path for archives opened
// read-only (e.g. bulk extraction tooling).
type MmapStream struct {
	f    *os.File
	m    mmap.MMap
	size uint64
}

// OpenMmapStream memory-maps path read-only.
func OpenMmapStream(path string) (*MmapStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(ErrIO, "OpenMmapStream", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(ErrIO, "OpenMmapStream", err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, newErr(ErrInvalidArgument, "OpenMmapStream", errors.New("cannot map an empty file"))
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, newErr(ErrIO, "OpenMmapStream", err)
	}
	return &MmapStream{f: f, m: m, size: uint64(fi.Size())}, nil
}

func (s *MmapStream) Size() (uint64, error) { return s.size, nil }

func (s *MmapStream) ReadAt(offset uint64, buf []byte) error {
	if offset > s.size {
		return newErr(ErrIO, "MmapStream.ReadAt", errors.Errorf("offset %d past end of %d-byte mapping", offset, s.size))
	}
	n := copy(buf, s.m[offset:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (s *MmapStream) WriteAt(uint64, []byte) error {
	return newErr(ErrReadOnly, "MmapStream.WriteAt", nil)
}

func (s *MmapStream) SetSize(uint64) error {
	return newErr(ErrReadOnly, "MmapStream.SetSize", nil)
}

func (s *MmapStream) LastWriteTime() (uint32, uint32, bool) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, 0, false
	}
	t := fi.ModTime().Unix()
	return uint32(t), uint32(t >> 32), true
}

func (s *MmapStream) Flags() StreamFlag { return StreamReadOnly }

func (s *MmapStream) Close() error {
	if err := s.m.Unmap(); err != nil {
		s.f.Close()
		return newErr(ErrIO, "MmapStream.Close", err)
	}
	if err := s.f.Close(); err != nil {
		return newErr(ErrIO, "MmapStream.Close", err)
	}
	return nil
}
