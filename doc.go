// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package mpq provides pure Go support for reading and writing MPQ (Mo'PaQ) archives.

MPQ is an archive format created by Blizzard Entertainment, used in games like
Diablo, StarCraft, and World of Warcraft. This package supports MPQ format
versions 1 and 2, which covers games up through WoW: Wrath of the Lich King (3.3.5a).

# Features

  - Pure Go implementation - no CGO
  - Read and write MPQ archives through an ArchiveSession
  - Support for MPQ format V1 (original, up to 4GB) and V2 (extended, >4GB)
  - Zlib compression on write, plus zlib and bzip2 decompression of
    archives produced elsewhere, via the Codec collaborator
  - Encrypted file content, with Storm-cipher key recovery from known or
    guessed plaintext when a file's key cannot be derived from its name
  - Locale-aware lookups (LookupExact, LookupPreferred, LookupAny)
  - Patch chains layering a prioritized list of archives, honoring delete
    markers

# Basic Usage

Creating an archive:

	sess, err := mpq.Create("patch.mpq", mpq.DefaultCreateOptions())
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()

	w, err := sess.Writer()
	if err != nil {
		log.Fatal(err)
	}
	fw, err := w.AddFileWriter("Data\\file.txt", uint32(len(data)), mpq.AddCompress, mpq.MethodZlib, 0)
	if err != nil {
		log.Fatal(err)
	}
	if err := fw.Write(data); err != nil {
		log.Fatal(err)
	}
	if err := fw.Finish(); err != nil {
		log.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		log.Fatal(err)
	}

Reading an archive:

	sess, err := mpq.Open("game.mpq", mpq.DefaultSessionOptions())
	if err != nil {
		log.Fatal(err)
	}
	defer sess.Close()

	if sess.HasFile("Data\\file.txt") {
		fh, err := sess.OpenFile("Data\\file.txt")
		if err != nil {
			log.Fatal(err)
		}
		data, err := fh.ReadAll()
		if err != nil {
			log.Fatal(err)
		}
		_ = data
	}

# Format Versions

CreateOptions.Flags selects CreateV1 (compatible with all games) or CreateV2
(required for archives >4GB, compatible with WoW: TBC and later).

# Path Conventions

MPQ archives use backslash (\) as the path separator. Name hashing treats a
forward slash as a backslash and ignores ASCII case, so "Data/file.txt" and
"DATA\file.txt" resolve to the same entry.

# Limitations

This package focuses on the archive container format itself:

  - No MPQ format V3/V4 (Cataclysm+) support
  - No verification of the (signature) internal file's contents, only parsing
  - Only zlib is implemented for writing; PKWARE-DCL implode, sparse/RLE,
    standalone Huffman, ADPCM, and LZMA are recognized but return
    ErrUnsupportedCodec on both read and write
*/
package mpq
