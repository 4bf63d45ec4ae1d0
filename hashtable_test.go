// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "testing"

func TestHashTableInsertLookupDelete(t *testing.T) {
	ht := NewHashTable(16)

	idx, err := ht.Insert("Data\\Test1.txt", 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ht.Entries[idx].BlockIndex = 0

	got, ok := ht.Lookup("Data\\Test1.txt", 0, LookupExact, 1)
	if !ok || got != idx {
		t.Fatalf("Lookup after Insert = (%d, %v), want (%d, true)", got, ok, idx)
	}

	if _, ok := ht.Lookup("Data\\Missing.txt", 0, LookupExact, 1); ok {
		t.Errorf("Lookup found a name that was never inserted")
	}

	ht.Delete(idx)
	if _, ok := ht.Lookup("Data\\Test1.txt", 0, LookupExact, 1); ok {
		t.Errorf("Lookup found a deleted entry")
	}
	if !ht.Entries[idx].deleted() {
		t.Errorf("entry not marked deleted")
	}
}

func TestHashTableLookupPolicies(t *testing.T) {
	ht := NewHashTable(16)

	neutralIdx, err := ht.Insert("Locale\\File.txt", 0)
	if err != nil {
		t.Fatalf("Insert neutral: %v", err)
	}
	ht.Entries[neutralIdx].BlockIndex = 0
	ht.Entries[neutralIdx].Locale = 0

	exactIdx, err := ht.Insert("Locale\\File.txt", 0)
	if err != nil {
		t.Fatalf("Insert locale variant: %v", err)
	}
	ht.Entries[exactIdx].BlockIndex = 1
	ht.Entries[exactIdx].Locale = 0x409 // enUS

	if exactIdx == neutralIdx {
		t.Fatal("test requires two distinct slots for the same name")
	}

	// LookupExact(0x409) must return the locale-specific slot.
	got, ok := ht.Lookup("Locale\\File.txt", 0x409, LookupExact, 2)
	if !ok || got != exactIdx {
		t.Errorf("LookupExact(0x409) = (%d, %v), want (%d, true)", got, ok, exactIdx)
	}

	// LookupExact(0x407, deDE) must fail: neither slot matches that locale.
	if _, ok := ht.Lookup("Locale\\File.txt", 0x407, LookupExact, 2); ok {
		t.Errorf("LookupExact(0x407) unexpectedly succeeded")
	}

	// LookupPreferred(0x407) falls back to the neutral slot.
	got, ok = ht.Lookup("Locale\\File.txt", 0x407, LookupPreferred, 2)
	if !ok || got != neutralIdx {
		t.Errorf("LookupPreferred(0x407) = (%d, %v), want neutral (%d, true)", got, ok, neutralIdx)
	}

	// LookupAny returns the neutral slot first, regardless of requested locale.
	got, ok = ht.Lookup("Locale\\File.txt", 0x409, LookupAny, 2)
	if !ok || got != neutralIdx {
		t.Errorf("LookupAny = (%d, %v), want neutral (%d, true)", got, ok, neutralIdx)
	}
}

// TestHashTableLookupAnyPrefersLaterNeutralOverEarlierLocale covers the case
// TestHashTableLookupPolicies doesn't: a non-neutral duplicate occupies an
// earlier slot in the probe chain than the neutral entry for the same name.
// LookupAny must still return the neutral one, not the first thing it sees.
func TestHashTableLookupAnyPrefersLaterNeutralOverEarlierLocale(t *testing.T) {
	ht := NewHashTable(16)

	localeIdx, err := ht.Insert("Locale\\Ordered.txt", 0)
	if err != nil {
		t.Fatalf("Insert locale variant: %v", err)
	}
	ht.Entries[localeIdx].BlockIndex = 0
	ht.Entries[localeIdx].Locale = 0x409 // enUS, inserted first

	neutralIdx, err := ht.Insert("Locale\\Ordered.txt", 0)
	if err != nil {
		t.Fatalf("Insert neutral: %v", err)
	}
	ht.Entries[neutralIdx].BlockIndex = 1
	ht.Entries[neutralIdx].Locale = 0 // neutral, inserted second (later in the probe chain)

	if localeIdx == neutralIdx {
		t.Fatal("test requires two distinct slots for the same name")
	}

	got, ok := ht.Lookup("Locale\\Ordered.txt", 0, LookupAny, 2)
	if !ok || got != neutralIdx {
		t.Errorf("LookupAny = (%d, %v), want the neutral slot (%d, true) even though it's later in the chain", got, ok, neutralIdx)
	}
}

func TestHashTableLookupAnyFallsBackToAnyLocale(t *testing.T) {
	ht := NewHashTable(16)

	idx, err := ht.Insert("Locale\\Only409.txt", 0)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	ht.Entries[idx].BlockIndex = 0
	ht.Entries[idx].Locale = 0x409

	// No neutral entry exists, so LookupAny must fall back to the
	// locale-specific slot rather than failing outright.
	got, ok := ht.Lookup("Locale\\Only409.txt", 0x407, LookupAny, 1)
	if !ok || got != idx {
		t.Errorf("LookupAny fallback = (%d, %v), want (%d, true)", got, ok, idx)
	}
}

// TestRenamePreservesProbeChain verifies that renaming a name in the middle
// of a collision chain doesn't break lookups for a later-inserted name that
// collided with it (spec §4.3: Delete then Insert, never a bare Free).
func TestRenamePreservesProbeChain(t *testing.T) {
	ht := NewHashTable(16)

	// Find three distinct names that hash to the same initial slot so their
	// probe chain is real, not incidental.
	var names []string
	var start uint32
	found := 0
	for i := 0; found < 3; i++ {
		name := syntheticName(i)
		s := HashString(name, domainOffset) & ht.Mask
		if found == 0 {
			start = s
		}
		if s != start {
			continue
		}
		names = append(names, name)
		found++
	}

	idxs := make([]int, len(names))
	for i, n := range names {
		idx, err := ht.Insert(n, 0)
		if err != nil {
			t.Fatalf("Insert(%q): %v", n, err)
		}
		ht.Entries[idx].BlockIndex = uint32(i)
		idxs[i] = idx
	}

	// Rename the middle entry of the chain; the third name must still
	// resolve afterward.
	newIdx, err := ht.Rename(idxs[1], "renamed\\"+names[1], ht.Entries[idxs[1]].Platform)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	// Rename leaves BlockIndex as a placeholder for the caller; point it at
	// the renamed file's block, as ArchiveWriter.RenameFile does.
	ht.Entries[newIdx].BlockIndex = 1

	if _, ok := ht.Lookup(names[2], 0, LookupExact, uint32(len(names))); !ok {
		t.Errorf("Lookup(%q) failed after an unrelated rename broke its probe chain", names[2])
	}
	if _, ok := ht.Lookup("renamed\\"+names[1], 0, LookupExact, uint32(len(names))); !ok {
		t.Errorf("Lookup of the renamed entry failed")
	}
	if _, ok := ht.Lookup(names[1], 0, LookupExact, uint32(len(names))); ok {
		t.Errorf("old name still resolves after rename")
	}
}

func syntheticName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	name := make([]byte, 0, 8)
	name = append(name, "f_"...)
	n := i
	for n > 0 || len(name) == 2 {
		name = append(name, letters[n%len(letters)])
		n /= len(letters)
		if len(name) > 16 {
			break
		}
	}
	return string(name) + ".dat"
}
