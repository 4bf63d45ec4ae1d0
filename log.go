// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// newNopLogger returns a zap logger that discards everything, used when a
// session is opened without an explicit logger (spec §4.8 "ArchiveSession").
func newNopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// logBytes formats a byte count for a structured log field the way the
// rest of this repo's ambient logging does, e.g. "12 MB".
func logBytes(n uint64) string {
	return humanize.Bytes(n)
}
