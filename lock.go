// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import (
	"time"

	"github.com/dolthub/fslock"
	"github.com/pkg/errors"
)

// sessionLock wraps an advisory file lock on the container path so two
// sessions in the same process tree can't both open one archive for
// writing at once (spec §5: "no concurrent access to one archive from
// multiple writers").
type sessionLock struct {
	l *fslock.Lock
}

// acquireSessionLock takes an advisory lock on path, waiting up to timeout.
// A zero timeout attempts a single non-blocking lock.
func acquireSessionLock(path string, timeout time.Duration) (*sessionLock, error) {
	l := fslock.New(path + ".lock")

	var err error
	if timeout <= 0 {
		err = l.TryLock()
	} else {
		err = l.LockWithTimeout(timeout)
	}
	if err != nil {
		return nil, newErr(ErrAccessDenied, "acquireSessionLock", errors.Wrap(err, "archive is locked by another session"))
	}
	return &sessionLock{l: l}, nil
}

func (sl *sessionLock) release() error {
	if sl == nil || sl.l == nil {
		return nil
	}
	if err := sl.l.Unlock(); err != nil {
		return newErr(ErrIO, "sessionLock.release", err)
	}
	return nil
}
