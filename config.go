// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// OpenFlag controls ArchiveSession.Open behavior (spec §6).
type OpenFlag uint32

const (
	OpenReadOnly OpenFlag = 1 << iota
	OpenForceV1
	OpenNoListfile
	OpenNoAttributes
	OpenCheckSectorCRC
)

// CreateFlag controls ArchiveSession.Create's on-disk format (spec §6).
type CreateFlag uint32

const (
	CreateV1 CreateFlag = 1 << iota
	CreateV2
	CreateAttributes
)

// Disposition mirrors the classic create-or-open dispositions (spec §6).
type Disposition int

const (
	CreateNew Disposition = iota
	CreateAlways
	OpenExisting
	OpenAlways
)

// AttributesField selects which columns CreateOptions writes into the
// (attributes) file (SPEC_FULL folded-back feature 5).
type AttributesField uint32

const (
	AttrCRC32 AttributesField = 1 << iota
	AttrFiletime
	AttrMD5
)

// SessionOptions configures ArchiveSession.Open.
type SessionOptions struct {
	Flags       OpenFlag
	Locale      uint16
	Logger      *zap.SugaredLogger
	LockTimeout time.Duration
}

// CreateOptions configures ArchiveSession.Create.
type CreateOptions struct {
	Flags           CreateFlag
	Disposition     Disposition
	HashCapacity    uint32
	SectorSizeShift uint16
	AttributesFields AttributesField
	Logger          *zap.SugaredLogger
	LockTimeout     time.Duration
}

// DefaultSessionOptions returns the zero-value-safe defaults: read/write,
// neutral locale, no-op logger, non-blocking lock attempt.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{Logger: newNopLogger()}
}

// DefaultCreateOptions returns v2, 16-entry hash table, default sector
// size, CRC32-only attributes — matching the teacher's own defaults.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		Flags:            CreateV2 | CreateAttributes,
		Disposition:      CreateAlways,
		HashCapacity:     16,
		SectorSizeShift:  defaultSectorSizeShift,
		AttributesFields: AttrCRC32,
		Logger:           newNopLogger(),
	}
}

// fileDefaults is the on-disk shape of a TOML defaults file loaded by
// LoadDefaultOptions, for batch tooling that wants to centralize archive
// creation policy instead of passing CreateOptions at every call site.
type fileDefaults struct {
	HashCapacity    uint32 `toml:"hash_capacity"`
	SectorSizeShift uint16 `toml:"sector_size_shift"`
	FormatV2        bool   `toml:"format_v2"`
	Attributes      struct {
		CRC32    bool `toml:"crc32"`
		Filetime bool `toml:"filetime"`
		MD5      bool `toml:"md5"`
	} `toml:"attributes"`
}

// LoadDefaultOptions reads a TOML defaults file (see fileDefaults) and
// returns a CreateOptions built from it, layered over DefaultCreateOptions
// for any field the file omits.
func LoadDefaultOptions(path string) (CreateOptions, error) {
	opts := DefaultCreateOptions()

	var fd fileDefaults
	md, err := toml.DecodeFile(path, &fd)
	if err != nil {
		return opts, newErr(ErrIO, "LoadDefaultOptions", errors.Wrapf(err, "reading %s", path))
	}

	if fd.HashCapacity != 0 {
		opts.HashCapacity = fd.HashCapacity
	}
	if fd.SectorSizeShift != 0 {
		opts.SectorSizeShift = fd.SectorSizeShift
	}
	if md.IsDefined("format_v2") {
		if fd.FormatV2 {
			opts.Flags = CreateV2 | CreateAttributes
		} else {
			opts.Flags = CreateV1 | CreateAttributes
		}
	}

	var fields AttributesField
	if fd.Attributes.CRC32 {
		fields |= AttrCRC32
	}
	if fd.Attributes.Filetime {
		fields |= AttrFiletime
	}
	if fd.Attributes.MD5 {
		fields |= AttrMD5
	}
	if fields != 0 {
		opts.AttributesFields = fields
	}

	return opts, nil
}
