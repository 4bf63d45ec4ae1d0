// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// SignatureInfo is the parsed contents of the (signature) internal file,
// if present.
type SignatureInfo struct {
	Version   uint32
	Signature []byte
}

// ReadSignature reads and parses (signature) if present. It returns nil,
// nil if the archive carries no signature; verification is out of scope
// (spec §1 Non-goals) — this only parses the envelope.
func (sess *ArchiveSession) ReadSignature() (*SignatureInfo, error) {
	fh, err := sess.OpenFileAny("(signature)")
	if err != nil {
		if IsKind(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	data, err := fh.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(data) < 8 {
		return nil, newErr(ErrCorrupt, "ReadSignature", errors.New("signature file smaller than its own header"))
	}

	version := binary.LittleEndian.Uint32(data[0:4])
	sigLen := binary.LittleEndian.Uint32(data[4:8])
	if uint64(len(data)) < 8+uint64(sigLen) {
		return nil, newErr(ErrCorrupt, "ReadSignature", errors.Errorf("expected %d bytes, got %d", 8+sigLen, len(data)))
	}

	sig := make([]byte, sigLen)
	copy(sig, data[8:8+sigLen])
	return &SignatureInfo{Version: version, Signature: sig}, nil
}
