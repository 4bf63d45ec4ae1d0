// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "testing"

func TestBlockTableAllocateGrowsThenReusesHoles(t *testing.T) {
	bt := NewBlockTable(4)

	idx0, err := bt.Allocate()
	if err != nil || idx0 != 0 {
		t.Fatalf("Allocate #1 = (%d, %v), want (0, nil)", idx0, err)
	}
	bt.Entries[idx0].Flags = FlagExists

	idx1, err := bt.Allocate()
	if err != nil || idx1 != 1 {
		t.Fatalf("Allocate #2 = (%d, %v), want (1, nil)", idx1, err)
	}
	bt.Entries[idx1].Flags = FlagExists

	bt.Free(idx0)
	if bt.Entries[idx0].Flags&FlagExists != 0 {
		t.Fatalf("Free did not clear FlagExists")
	}

	idx2, err := bt.Allocate()
	if err != nil || idx2 != idx0 {
		t.Fatalf("Allocate after Free = (%d, %v), want reused hole (%d, nil)", idx2, err, idx0)
	}
	bt.Entries[idx2].Flags = FlagExists

	idx3, err := bt.Allocate()
	if err != nil || idx3 != 2 {
		t.Fatalf("Allocate #4 = (%d, %v), want (2, nil)", idx3, err)
	}
	bt.Entries[idx3].Flags = FlagExists

	idx4, err := bt.Allocate()
	if err != nil || idx4 != 3 {
		t.Fatalf("Allocate #5 = (%d, %v), want (3, nil)", idx4, err)
	}
	bt.Entries[idx4].Flags = FlagExists

	if _, err := bt.Allocate(); err == nil {
		t.Errorf("Allocate on a full table should return NoSpace")
	} else if !IsKind(err, ErrNoSpace) {
		t.Errorf("Allocate on a full table returned %v, want ErrNoSpace", err)
	}
}

func TestBlockEntryRawOffsetRoundTrip(t *testing.T) {
	var b BlockEntry
	offset := uint64(0x1_0000_1234) // requires the v2 high-offset extension
	b.SetRawOffset(offset)
	if got := b.RawOffset(); got != offset {
		t.Errorf("RawOffset round-trip = 0x%X, want 0x%X", got, offset)
	}
	if b.OffsetHi != 1 {
		t.Errorf("OffsetHi = %d, want 1", b.OffsetHi)
	}
}

func TestBlockEntryMode(t *testing.T) {
	b := &BlockEntry{Flags: FlagCompress | FlagEncrypted | FlagSingleUnit}
	mode := b.Mode()
	if !mode.Compressed || !mode.Encrypted || !mode.SingleUnit {
		t.Errorf("Mode() = %+v, want Compressed/Encrypted/SingleUnit set", mode)
	}
	if mode.Imploded || mode.FixKey || mode.SectorCRC {
		t.Errorf("Mode() set flags that weren't requested: %+v", mode)
	}
}
