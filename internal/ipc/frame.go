/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Frame layout in the shared status region:
//
//	offset 0   header (version uint8, payload length uint32, written unix nano int64)
//	offset 128 payload, followed by its 32 byte sha256 checksum
const (
	frameVersion1   = uint8(1)
	frameHeaderSize = 128
	frameTotalSize  = 1024 * 1024 // 1 MiB

	frameChecksumSize = sha256.Size
	frameMaxPayload   = frameTotalSize - frameHeaderSize - frameChecksumSize
)

var (
	errFrameEmpty    = errors.New("no status written")
	errFrameChecksum = errors.New("status checksum mismatch")
)

type frameHeader struct {
	Version uint8
	Length  uint32
	Written int64
}

func newFrameHeader(payload []byte, now time.Time) (*frameHeader, error) {
	if len(payload) > frameMaxPayload {
		return nil, fmt.Errorf("status payload too large: %d bytes", len(payload))
	}
	return &frameHeader{
		Version: frameVersion1,
		Length:  uint32(len(payload)),
		Written: now.UnixNano(),
	}, nil
}

func (h *frameHeader) encode() []byte {
	var buf bytes.Buffer
	buf.Grow(frameHeaderSize)
	// Writes to a bytes.Buffer do not fail.
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func decodeFrameHeader(r io.Reader) (*frameHeader, error) {
	h := &frameHeader{}
	if err := binary.Read(r, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("failed to read status header: %w", err)
	}
	switch h.Version {
	case 0:
		return nil, errFrameEmpty
	case frameVersion1:
	default:
		return nil, fmt.Errorf("unknown status header version: %v", h.Version)
	}
	if h.Length > frameMaxPayload {
		return nil, fmt.Errorf("invalid status payload size: %d", h.Length)
	}
	return h, nil
}

// sealPayload appends the checksum to payload.
func sealPayload(payload []byte) []byte {
	checksum := sha256.Sum256(payload)
	sealed := make([]byte, 0, len(payload)+frameChecksumSize)
	sealed = append(sealed, payload...)
	return append(sealed, checksum[:]...)
}

// openPayload verifies and strips the checksum of a sealed payload with the
// given payload length.
func openPayload(sealed []byte, length uint32) ([]byte, error) {
	if uint32(len(sealed)) != length+frameChecksumSize {
		return nil, fmt.Errorf("invalid status payload size")
	}
	payload := sealed[:length]
	checksum := sha256.Sum256(payload)
	if !bytes.Equal(checksum[:], sealed[length:]) {
		return nil, errFrameChecksum
	}
	return payload, nil
}
