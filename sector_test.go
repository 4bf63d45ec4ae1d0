// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestUnknownKeyContentRecovery covers spec §8 scenario 6: a single-unit
// encrypted file (no FIX_KEY) opened without knowing its name falls back to
// content-based key recovery using a recognizable file-format magic, here a
// RIFF/WAVE header.
func TestUnknownKeyContentRecovery(t *testing.T) {
	sess, _ := mustCreate(t, DefaultCreateOptions())
	defer sess.Close()

	payload := make([]byte, 64)
	binary.LittleEndian.PutUint32(payload[0:4], 0x46464952) // "RIFF"
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(payload)-8))
	binary.LittleEndian.PutUint32(payload[8:12], 0x45564157) // "WAVE"
	for i := 12; i < len(payload); i++ {
		payload[i] = byte(i)
	}

	const name = "Sound\\Effect.wav"
	w, _ := sess.Writer()
	if err := w.AddFile(name, payload, AddEncrypted|AddSingleUnit, 0, 0); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	block, ok := sess.lookupBlock(name)
	if !ok {
		t.Fatal("lookupBlock failed to find the file just added")
	}
	blockCopy := *block

	// Open a reader with no name, simulating a caller that only has the
	// block descriptor (e.g. from enumerating the block table) and not the
	// plain name needed to derive the key directly.
	fr, err := OpenFileReader(sess.stream, sess.header.MpqPos, &blockCopy, "", sess.header.SectorSize(), sess.codec, sess.hashImpl, false)
	if err != nil {
		t.Fatalf("OpenFileReader with unknown name: %v", err)
	}

	rawPos := sess.header.MpqPos + blockCopy.RawOffset()
	encBuf := make([]byte, 12)
	if err := sess.stream.ReadAt(rawPos, encBuf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	encWords := bytesToWords(encBuf)
	knownWords := []uint32{0x46464952, uint32(len(payload) - 8), 0x45564157}

	if !fr.RecoverKeyFromKnownContent(encWords, knownWords) {
		t.Fatal("content-based key recovery failed")
	}

	got, err := fr.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll after key recovery: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("content mismatch after key recovery")
	}
}

func TestBytesWordsRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 3, 4, 5, 17} {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(i + 1)
		}
		words := bytesToWords(b)
		got := wordsToBytes(words, n)
		if !bytes.Equal(got, b) {
			t.Errorf("round-trip for %d bytes: got %v, want %v", n, got, b)
		}
	}
}
