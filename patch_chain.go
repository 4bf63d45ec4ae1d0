// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// PatchChain overlays a prioritized list of archives, last wins, respecting
// delete markers (spec §1 "the public CLI/wrapper API surface"; this is the
// one piece of it the pack's teacher already implements and SPEC_FULL keeps
// as a thin layer above ArchiveSession).
type PatchChain struct {
	sessions []*ArchiveSession
}

// OpenPatchChain opens every path in paths, in increasing priority order
// (the last path wins ties).
func OpenPatchChain(paths []string, opts SessionOptions) (*PatchChain, error) {
	sessions := make([]*ArchiveSession, 0, len(paths))
	for _, path := range paths {
		sess, err := Open(path, opts)
		if err != nil {
			for _, opened := range sessions {
				opened.Close()
			}
			return nil, newErr(ErrIO, "OpenPatchChain", errors.Wrapf(err, "opening %s", path))
		}
		sessions = append(sessions, sess)
	}
	return &PatchChain{sessions: sessions}, nil
}

// Close closes every session in the chain, returning the first error.
func (p *PatchChain) Close() error {
	var firstErr error
	for _, sess := range p.sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func normalizeMPQPath(name string) string {
	return strings.ReplaceAll(name, "/", "\\")
}

// HasFile reports whether name is present in the chain's highest-priority
// archive that mentions it, treating a delete marker as absence.
func (p *PatchChain) HasFile(name string) bool {
	name = normalizeMPQPath(name)
	for i := len(p.sessions) - 1; i >= 0; i-- {
		if b, ok := p.sessions[i].lookupBlock(name); ok {
			return b.Flags&FlagDeleteMarker == 0
		}
	}
	return false
}

// ReadFile reads name from the highest-priority archive that has it,
// erroring NotFound if the top-most mention is a delete marker.
func (p *PatchChain) ReadFile(name string) ([]byte, error) {
	norm := normalizeMPQPath(name)
	for i := len(p.sessions) - 1; i >= 0; i-- {
		sess := p.sessions[i]
		b, ok := sess.lookupBlock(norm)
		if !ok {
			continue
		}
		if b.Flags&FlagDeleteMarker != 0 {
			return nil, newErr(ErrNotFound, "PatchChain.ReadFile", errors.New("marked deleted by a higher-priority archive"))
		}
		fh, err := sess.OpenFileAny(norm)
		if err != nil {
			return nil, err
		}
		return fh.ReadAll()
	}
	return nil, newErr(ErrNotFound, "PatchChain.ReadFile", nil)
}

// ListFiles returns the union of every archive's (listfile), deduplicated
// case-insensitively on the cleaned path (matching the teacher's own
// dedup key), including names that are only present as delete markers
// (SPEC_FULL folded-back feature 4).
func (p *PatchChain) ListFiles() ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, sess := range p.sessions {
		names, err := sess.ListFiles()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			key := strings.ToLower(filepath.Clean(normalizeMPQPath(n)))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, n)
		}
	}
	return out, nil
}

// ArchiveCount returns the number of archives in the chain.
func (p *PatchChain) ArchiveCount() int { return len(p.sessions) }

// HasPatchFile reports whether name is flagged FlagPatchFile in the
// highest-priority archive that mentions it.
func (p *PatchChain) HasPatchFile(name string) bool {
	norm := normalizeMPQPath(name)
	for i := len(p.sessions) - 1; i >= 0; i-- {
		if b, ok := p.sessions[i].lookupBlock(norm); ok {
			return b.Flags&FlagPatchFile != 0
		}
	}
	return false
}
