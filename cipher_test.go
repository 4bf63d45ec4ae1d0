// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data []uint32
		key  string
	}{
		{"hash table key", []uint32{0x12345678, 0xDEADBEEF, 0xCAFEBABE, 0xF00DF00D}, "(hash table)"},
		{"block table key", []uint32{0x11111111, 0x22222222, 0x33333333, 0x44444444}, "(block table)"},
		{"single value", []uint32{0xABCDEF01}, "(hash table)"},
		{"zeros", []uint32{0x00000000, 0x00000000, 0x00000000, 0x00000000}, "(hash table)"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			original := append([]uint32(nil), tc.data...)
			data := append([]uint32(nil), tc.data...)
			key := HashString(tc.key, domainFileKey)

			EncryptBlock(data, key)

			allSame := true
			for i := range data {
				if data[i] != original[i] {
					allSame = false
					break
				}
			}
			if allSame && tc.name != "zeros" {
				t.Errorf("encryption did not change data")
			}

			DecryptBlock(data, key)
			for i := range original {
				if data[i] != original[i] {
					t.Errorf("round-trip mismatch at index %d: got 0x%08X, want 0x%08X", i, data[i], original[i])
				}
			}
		})
	}
}

func TestRecoverKeyFromSectorTable(t *testing.T) {
	const sectorSize = 512
	const dataSectors = 2
	entries := dataSectors + 1 // no sector CRC

	knownTable0 := uint32(entries) * 4
	table := []uint32{knownTable0, knownTable0 + sectorSize, knownTable0 + sectorSize*2}

	tableKey := uint32(0xDEAD1234)
	wantKey := tableKey + 1

	words := append([]uint32(nil), table...)
	EncryptBlock(words, tableKey)

	got, ok := RecoverKeyFromSectorTable(words[0], words[1], knownTable0)
	if !ok {
		t.Fatal("key recovery failed")
	}
	if got != wantKey {
		t.Errorf("recovered key = 0x%08X, want 0x%08X", got, wantKey)
	}
}

func TestRecoverKeyFromContent(t *testing.T) {
	// Simulates a WAV payload's first three u32s (RIFF / size-8 / WAVE),
	// per spec §8 scenario 6.
	plain := []uint32{0x46464952, 996, 0x45564157}
	key := uint32(0xCAFEBEEF)

	enc := append([]uint32(nil), plain...)
	EncryptBlock(enc, key)

	got, ok := RecoverKeyFromContent(enc, plain)
	if !ok {
		t.Fatal("content-based key recovery failed")
	}
	if got != key {
		t.Errorf("recovered key = 0x%08X, want 0x%08X", got, key)
	}
}
