// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"compress/bzip2"
	"io"

	kzlib "github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// CompressMethod is one bit (or, for LZMA, the exclusive byte value) of the
// sector compression mask (spec §6).
type CompressMethod uint32

const (
	MethodHuffman     CompressMethod = 0x01
	MethodZlib        CompressMethod = 0x02
	MethodPKWare      CompressMethod = 0x08
	MethodBzip2       CompressMethod = 0x10
	MethodSparse      CompressMethod = 0x20
	MethodADPCMMono   CompressMethod = 0x40
	MethodADPCMStereo CompressMethod = 0x80
	MethodLZMA        CompressMethod = 0x12 // exclusive, not a bit combined with others
)

// Codec is the compression collaborator the sector pipeline calls (spec
// §6). Compress returns the mask byte to store as src[0] on disk plus the
// method-specific payload; Decompress takes that mask and payload and
// reproduces the original bytes. Implode/Explode are the PKWARE-DCL pair
// used historically for sector data predating the general Compress path.
type Codec interface {
	Compress(src []byte, methods CompressMethod, level int) (mask byte, out []byte, err error)
	Decompress(mask byte, src []byte, uncompressedSize int) ([]byte, error)
	Implode(src []byte) ([]byte, error)
	Explode(src []byte, uncompressedSize int) ([]byte, error)
}

// ErrUnsupportedCodecMethod is returned (wrapped in an *Error with Kind
// ErrUnsupportedCodec) for the compression methods the default Codec
// doesn't implement: PKWARE-DCL implode, sparse/RLE, standalone Huffman,
// ADPCM, and LZMA. These are genuinely out of the core's scope per spec §1
// — the core only needs a Codec that can decompress data its own writer
// produced and the common case of zlib/bzip2-compressed third-party
// archives it's asked to open.
var ErrUnsupportedCodecMethod = errors.New("compression method not supported by default codec")

// defaultCodec implements Codec using github.com/klauspost/compress's zlib
// (both directions), matching what real MPQ archives in the wild actually
// use for the zlib method, and stdlib compress/bzip2 for decoding bzip2
// sectors (there is no bzip2 encoder in either
// stdlib or klauspost/compress, so — like the teacher — this codec never
// writes bzip2 sectors).
type defaultCodec struct {
	level int
}

// NewCodec returns the default Codec implementation. level is the zlib
// compression level passed to klauspost/compress/zlib (e.g.
// zlib.BestCompression); 0 selects the package default.
func NewCodec(level int) Codec {
	if level == 0 {
		level = kzlib.DefaultCompression
	}
	return &defaultCodec{level: level}
}

func (c *defaultCodec) Compress(src []byte, methods CompressMethod, level int) (byte, []byte, error) {
	if methods != MethodZlib {
		return 0, nil, newErr(ErrUnsupportedCodec, "Codec.Compress", errors.Wrapf(ErrUnsupportedCodecMethod, "method 0x%x", uint32(methods)))
	}
	if level == 0 {
		level = c.level
	}
	var buf bytes.Buffer
	w, err := kzlib.NewWriterLevel(&buf, level)
	if err != nil {
		return 0, nil, newErr(ErrIO, "Codec.Compress", err)
	}
	if _, err := w.Write(src); err != nil {
		return 0, nil, newErr(ErrIO, "Codec.Compress", err)
	}
	if err := w.Close(); err != nil {
		return 0, nil, newErr(ErrIO, "Codec.Compress", err)
	}
	return byte(MethodZlib), buf.Bytes(), nil
}

func (c *defaultCodec) Decompress(mask byte, src []byte, uncompressedSize int) ([]byte, error) {
	switch CompressMethod(mask) {
	case MethodZlib:
		r, err := kzlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, newErr(ErrCorrupt, "Codec.Decompress", err)
		}
		defer r.Close()
		return readExactly(r, uncompressedSize)
	case MethodBzip2:
		r := bzip2.NewReader(bytes.NewReader(src))
		return readExactly(r, uncompressedSize)
	case MethodPKWare:
		return nil, newErr(ErrUnsupportedCodec, "Codec.Decompress", errors.Wrap(ErrUnsupportedCodecMethod, "PKWARE implode"))
	case MethodSparse:
		return nil, newErr(ErrUnsupportedCodec, "Codec.Decompress", errors.Wrap(ErrUnsupportedCodecMethod, "sparse/RLE"))
	case MethodHuffman:
		return nil, newErr(ErrUnsupportedCodec, "Codec.Decompress", errors.Wrap(ErrUnsupportedCodecMethod, "standalone Huffman"))
	case MethodADPCMMono, MethodADPCMStereo:
		return nil, newErr(ErrUnsupportedCodec, "Codec.Decompress", errors.Wrap(ErrUnsupportedCodecMethod, "ADPCM"))
	case MethodLZMA:
		return nil, newErr(ErrUnsupportedCodec, "Codec.Decompress", errors.Wrap(ErrUnsupportedCodecMethod, "LZMA"))
	default:
		// Cascaded multi-compression: decode LSB-first as spec §6 directs.
		return c.decompressMulti(mask, src, uncompressedSize)
	}
}

func (c *defaultCodec) decompressMulti(mask byte, src []byte, uncompressedSize int) ([]byte, error) {
	result := src
	var err error
	switch {
	case mask&byte(MethodBzip2) != 0:
		result, err = c.Decompress(byte(MethodBzip2), result, uncompressedSize)
	case mask&byte(MethodZlib) != 0:
		result, err = c.Decompress(byte(MethodZlib), result, uncompressedSize)
	case mask&byte(MethodPKWare) != 0:
		return nil, newErr(ErrUnsupportedCodec, "Codec.Decompress", errors.Wrap(ErrUnsupportedCodecMethod, "PKWARE implode in multi-compression"))
	}
	if err != nil {
		return nil, err
	}
	if mask&byte(MethodHuffman) != 0 || mask&byte(MethodADPCMMono) != 0 || mask&byte(MethodADPCMStereo) != 0 {
		return nil, newErr(ErrUnsupportedCodec, "Codec.Decompress", errors.Wrapf(ErrUnsupportedCodecMethod, "mask 0x%x", mask))
	}
	return result, nil
}

func (c *defaultCodec) Implode(src []byte) ([]byte, error) {
	return nil, newErr(ErrUnsupportedCodec, "Codec.Implode", ErrUnsupportedCodecMethod)
}

func (c *defaultCodec) Explode(src []byte, uncompressedSize int) ([]byte, error) {
	return nil, newErr(ErrUnsupportedCodec, "Codec.Explode", ErrUnsupportedCodecMethod)
}

func readExactly(r io.Reader, n int) ([]byte, error) {
	out := make([]byte, n)
	got, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, newErr(ErrCorrupt, "Codec.Decompress", err)
	}
	return out[:got], nil
}
