// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"path/filepath"
	"testing"
)

func createArchiveWithFiles(t testing.TB, files map[string][]byte, deletes []string, opts CreateOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patch.mpq")
	sess, err := Create(path, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w, err := sess.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	for name, data := range files {
		if err := w.AddFile(name, data, AddCompress, MethodZlib, 0); err != nil {
			t.Fatalf("AddFile(%q): %v", name, err)
		}
	}
	for _, name := range deletes {
		// Patch archives mark a removed file with a zero-size block flagged
		// FlagDeleteMarker rather than going through the hash-table DELETED
		// state RemoveFile uses; there is no public AddFlags bit for it, so
		// it's set directly on the block just added (spec §1 patch-chain
		// delete markers).
		if err := w.AddFile(name, nil, AddSingleUnit, 0, 0); err != nil {
			t.Fatalf("AddFile delete marker(%q): %v", name, err)
		}
		block, ok := sess.lookupBlock(name)
		if !ok {
			t.Fatalf("lookupBlock(%q) failed right after AddFile", name)
		}
		block.Flags |= FlagDeleteMarker
	}
	if err := w.WriteListfile(); err != nil {
		t.Fatalf("WriteListfile: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestPatchChainLayering(t *testing.T) {
	base := createArchiveWithFiles(t, map[string][]byte{
		"Data\\Keep.txt":    []byte("base-keep"),
		"Data\\Override.txt": []byte("base-override"),
	}, nil, DefaultCreateOptions())

	patch := createArchiveWithFiles(t, map[string][]byte{
		"Data\\Override.txt": []byte("patch-override"),
		"Data\\New.txt":       []byte("patch-new"),
	}, nil, DefaultCreateOptions())

	chain, err := OpenPatchChain([]string{base, patch}, DefaultSessionOptions())
	if err != nil {
		t.Fatalf("OpenPatchChain: %v", err)
	}
	defer chain.Close()

	if !chain.HasFile("Data\\Keep.txt") {
		t.Error("Keep.txt not visible through the chain")
	}
	if !chain.HasFile("Data\\New.txt") {
		t.Error("New.txt from the patch not visible through the chain")
	}

	got, err := chain.ReadFile("Data\\Override.txt")
	if err != nil {
		t.Fatalf("ReadFile(Override.txt): %v", err)
	}
	if string(got) != "patch-override" {
		t.Errorf("ReadFile(Override.txt) = %q, want the patch's version", got)
	}

	got, err = chain.ReadFile("Data\\Keep.txt")
	if err != nil {
		t.Fatalf("ReadFile(Keep.txt): %v", err)
	}
	if string(got) != "base-keep" {
		t.Errorf("ReadFile(Keep.txt) = %q, want the base archive's version", got)
	}
}

func TestPatchChainDeleteMarker(t *testing.T) {
	base := createArchiveWithFiles(t, map[string][]byte{
		"Data\\Removed.txt": []byte("will be deleted"),
	}, nil, DefaultCreateOptions())

	patch := createArchiveWithFiles(t, nil, []string{"Data\\Removed.txt"}, DefaultCreateOptions())

	chain, err := OpenPatchChain([]string{base, patch}, DefaultSessionOptions())
	if err != nil {
		t.Fatalf("OpenPatchChain: %v", err)
	}
	defer chain.Close()

	if chain.HasFile("Data\\Removed.txt") {
		t.Error("HasFile reports a file deleted by a higher-priority archive as present")
	}
	if _, err := chain.ReadFile("Data\\Removed.txt"); err == nil {
		t.Error("ReadFile succeeded for a deleted file")
	} else if !IsKind(err, ErrNotFound) {
		t.Errorf("ReadFile returned %v, want ErrNotFound", err)
	}

	names, err := chain.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "Data\\Removed.txt" {
			found = true
		}
	}
	if !found {
		t.Error("ListFiles dropped a delete-marker name instead of surfacing it")
	}
}

// BenchmarkPatchChainLookup measures HasFile cost across a multi-archive
// chain, the successor to the teacher's bench against the old flat
// Archive type.
func BenchmarkPatchChainLookup(b *testing.B) {
	const archiveCount = 5
	const filesPerArchive = 20

	paths := make([]string, archiveCount)
	for i := 0; i < archiveCount; i++ {
		files := make(map[string][]byte, filesPerArchive)
		for j := 0; j < filesPerArchive; j++ {
			name := "Data\\File_" + string(rune('a'+j)) + ".txt"
			files[name] = []byte("test content")
		}
		paths[i] = createArchiveWithFiles(b, files, nil, DefaultCreateOptions())
	}

	chain, err := OpenPatchChain(paths, DefaultSessionOptions())
	if err != nil {
		b.Fatalf("OpenPatchChain: %v", err)
	}
	defer chain.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		chain.HasFile("Data\\File_a.txt")
		chain.HasFile("Data\\File_j.txt")
		chain.HasFile("Data\\File_t.txt")
		chain.HasFile("Data\\NonExistent.txt")
	}
}
