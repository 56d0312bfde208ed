/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"bitbucket.org/avd/go-ipc/mmf"
	"bitbucket.org/avd/go-ipc/shm"

	"stash.kopano.io/kgol/smtprelay/server"
)

const shmStatusProjectID = "smtprelayd"

// shmName derives a stable shared memory object name from the state path,
// so multiple instances with different state directories do not collide.
func shmName(statePath, projectID string) string {
	h := sha256.New()
	h.Write([]byte(statePath))
	h.Write([]byte(projectID))
	return projectID + "-status." + base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:8])
}

type shmStatus struct {
	statePath string
	projectID string
}

func (s *shmStatus) name() string {
	if s.statePath == "" {
		panic("no state path set")
	}
	projectID := s.projectID
	if projectID == "" {
		projectID = shmStatusProjectID
	}
	return shmName(s.statePath, projectID)
}

func (s *shmStatus) clear() error {
	return shm.DestroyMemoryObject(s.name())
}

func writeRegion(obj mmf.Mappable, offset int64, data []byte) error {
	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READWRITE, offset, len(data))
	if err != nil {
		return fmt.Errorf("failed to map status region: %w", err)
	}
	defer region.Close()

	n, err := mmf.NewMemoryRegionWriter(region).Write(data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return fmt.Errorf("failed to write status region: %w", err)
	}
	return region.Flush(false)
}

func readRegion(obj mmf.Mappable, offset int64, size int) ([]byte, error) {
	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READ_ONLY, offset, size)
	if err != nil {
		return nil, fmt.Errorf("failed to map status region: %w", err)
	}
	defer region.Close()

	data, err := io.ReadAll(io.LimitReader(mmf.NewMemoryRegionReader(region), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to read status region: %w", err)
	}
	return data, nil
}

func (s *shmStatus) set(status *server.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	header, err := newFrameHeader(payload, time.Now())
	if err != nil {
		return err
	}

	obj, _, err := shm.NewMemoryObjectSize(s.name(), os.O_CREATE|os.O_RDWR, 0666, frameTotalSize)
	if err != nil {
		return fmt.Errorf("failed to open shm for status: %w", err)
	}
	defer obj.Close()

	// Payload first, the header makes it visible.
	if err = writeRegion(obj, frameHeaderSize, sealPayload(payload)); err != nil {
		return err
	}
	return writeRegion(obj, 0, header.encode())
}

func (s *shmStatus) get() (*Snapshot, error) {
	obj, err := shm.NewMemoryObject(s.name(), os.O_RDONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open shm for status: %w", err)
	}
	defer obj.Close()

	rawHeader, err := readRegion(obj, 0, frameHeaderSize)
	if err != nil {
		return nil, err
	}
	header, err := decodeFrameHeader(bytes.NewReader(rawHeader))
	if err != nil {
		return nil, err
	}

	sealed, err := readRegion(obj, frameHeaderSize, int(header.Length)+frameChecksumSize)
	if err != nil {
		return nil, err
	}
	payload, err := openPayload(sealed, header.Length)
	if err != nil {
		return nil, err
	}

	status := &server.Status{}
	if err = json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &Snapshot{
		Status:    status,
		WrittenAt: time.Unix(0, header.Written),
	}, nil
}
