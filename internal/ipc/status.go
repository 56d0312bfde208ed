/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"stash.kopano.io/kgol/smtprelay/server"
)

// ErrNoStatus is returned by GetStatus when no server has published a status
// for the state path.
var ErrNoStatus = errors.New("no status published")

var (
	implStatus statusImpl
)

type statusImpl interface {
	clear() error
	set(*server.Status) error
	get() (*Snapshot, error)
}

// Snapshot is a published server status and the time it was written.
type Snapshot struct {
	Status    *server.Status
	WrittenAt time.Time
}

// Age returns how long before now the snapshot was written.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s.WrittenAt.IsZero() {
		return 0
	}
	return now.Sub(s.WrittenAt)
}

// MustInitializeStatusSHM initializes the status module using shared memory
// keyed by statePath. An empty projectID selects the default.
func MustInitializeStatusSHM(statePath, projectID string) {
	if implStatus != nil {
		panic("ipc status already initialized")
	}

	if statePath == "" {
		panic("state path must not be empty")
	}

	implStatus = &shmStatus{
		statePath: statePath,
		projectID: projectID,
	}
}

func ClearStatus() error {
	return implStatus.clear()
}

func SetStatus(status *server.Status) error {
	return implStatus.set(status)
}

// GetStatus reads the latest snapshot published by a running server. A
// missing or never written status region yields ErrNoStatus.
func GetStatus() (*Snapshot, error) {
	snapshot, err := implStatus.get()
	if err != nil {
		if errors.Is(err, errFrameEmpty) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNoStatus, err)
		}
		return nil, err
	}
	return snapshot, nil
}
