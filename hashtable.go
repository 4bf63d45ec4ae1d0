// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

// Hash table sentinels for HashEntry.BlockIndex (spec §3).
const (
	hashEntryFree    uint32 = 0xFFFFFFFF
	hashEntryDeleted uint32 = 0xFFFFFFFE
)

// HashEntry is one 16-byte slot of the open-addressed hash table (spec §3,
// §4.3).
type HashEntry struct {
	NameA      uint32
	NameB      uint32
	Locale     uint16
	Platform   uint16
	BlockIndex uint32
}

func (e *HashEntry) free() bool    { return e.BlockIndex == hashEntryFree }
func (e *HashEntry) deleted() bool { return e.BlockIndex == hashEntryDeleted }
func (e *HashEntry) occupied(blockTableEntries uint32) bool {
	return !e.free() && !e.deleted() && e.BlockIndex < blockTableEntries
}

// LookupPolicy selects how HashTable.Lookup resolves locale ambiguity (spec
// §4.3).
type LookupPolicy int

const (
	// LookupExact returns only an entry whose locale equals the requested one.
	LookupExact LookupPolicy = iota
	// LookupPreferred returns an exact-locale match if one exists, else the
	// first neutral-locale (0) match.
	LookupPreferred
	// LookupAny returns the first neutral-locale match, else the first match
	// of any locale.
	LookupAny
)

// HashTable is the open-addressed, linearly probed name index (spec §4.3).
// Capacity is always a power of two; Mask = Capacity-1.
type HashTable struct {
	Entries []HashEntry
	Mask    uint32
}

// NewHashTable allocates a hash table of the given capacity (must already be
// a power of two in [16, 262144]; callers round before calling), with every
// slot initialized free.
func NewHashTable(capacity uint32) *HashTable {
	t := &HashTable{
		Entries: make([]HashEntry, capacity),
		Mask:    capacity - 1,
	}
	for i := range t.Entries {
		t.Entries[i].BlockIndex = hashEntryFree
	}
	return t
}

// Lookup resolves name under locale using policy, given the current block
// table length (entries with BlockIndex >= blockTableEntries are treated as
// not pointing to data, per the off-by-one rule spec §9 resolves). It
// returns the slot index and true, or false if no entry matches.
func (t *HashTable) Lookup(name string, locale uint16, policy LookupPolicy, blockTableEntries uint32) (int, bool) {
	nameA := HashString(name, domainNameA)
	nameB := HashString(name, domainNameB)
	start := int(HashString(name, domainOffset) & t.Mask)
	n := len(t.Entries)

	exactIdx := -1
	neutralIdx := -1
	anyIdx := -1

	for step := 0; step < n; step++ {
		idx := (start + step) % n
		e := &t.Entries[idx]

		if e.free() {
			break
		}
		if e.deleted() {
			continue
		}
		if e.BlockIndex >= blockTableEntries {
			continue
		}
		if e.NameA != nameA || e.NameB != nameB {
			continue
		}

		if e.Locale == locale {
			exactIdx = idx
			// A requested locale of 0 (every LookupAny call site passes
			// locale=0) means this exact match IS the neutral match; record
			// it as such so LookupAny's neutralIdx-before-anyIdx check sees
			// it instead of losing to an anyIdx set by an earlier,
			// non-neutral duplicate further up the probe chain.
			if locale == 0 && neutralIdx == -1 {
				neutralIdx = idx
			}
			break
		}
		if e.Locale == 0 && neutralIdx == -1 {
			neutralIdx = idx
		}
		if anyIdx == -1 {
			anyIdx = idx
		}
	}

	switch policy {
	case LookupExact:
		if exactIdx >= 0 {
			return exactIdx, true
		}
		return 0, false
	case LookupPreferred:
		if exactIdx >= 0 {
			return exactIdx, true
		}
		if neutralIdx >= 0 {
			return neutralIdx, true
		}
		return 0, false
	default: // LookupAny
		if neutralIdx >= 0 {
			return neutralIdx, true
		}
		if anyIdx >= 0 {
			return anyIdx, true
		}
		if exactIdx >= 0 {
			return exactIdx, true
		}
		return 0, false
	}
}

// Insert claims a slot for name: the first FREE or DELETED slot found on the
// probe from name's initial index. It sets NameA/NameB, zeroes Locale, sets
// Platform, and leaves BlockIndex as the FREE sentinel for the caller to
// fill in. It returns NoSpace if the probe exhausts every slot without
// finding one to claim (a fully-occupied table, which should not happen
// given the block_table_max growth ceiling keeping load factor bounded).
func (t *HashTable) Insert(name string, platform uint16) (int, error) {
	nameA := HashString(name, domainNameA)
	nameB := HashString(name, domainNameB)
	start := int(HashString(name, domainOffset) & t.Mask)
	n := len(t.Entries)

	for step := 0; step < n; step++ {
		idx := (start + step) % n
		e := &t.Entries[idx]
		if e.free() || e.deleted() {
			e.NameA = nameA
			e.NameB = nameB
			e.Locale = 0
			e.Platform = platform
			e.BlockIndex = hashEntryFree
			return idx, nil
		}
	}
	return 0, newErr(ErrNoSpace, "HashTable.Insert", nil)
}

// Delete transitions the entry at idx to DELETED, preserving the probe
// chain through it (spec §4.3, §8 scenario 8).
func (t *HashTable) Delete(idx int) {
	e := &t.Entries[idx]
	e.NameA = hashEntryFree
	e.NameB = hashEntryFree
	e.BlockIndex = hashEntryDeleted
}

// Rename deletes the slot at oldIdx and inserts newName, in that order: spec
// §4.3 requires Delete before Insert so that if oldIdx lies on the probe
// chain of newName's initial index, the chain isn't broken by an
// intermediate FREE.
func (t *HashTable) Rename(oldIdx int, newName string, platform uint16) (int, error) {
	t.Delete(oldIdx)
	return t.Insert(newName, platform)
}
