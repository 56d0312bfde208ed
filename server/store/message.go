/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"mime"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/lithammer/shortuuid/v3"

	"stash.kopano.io/kgol/smtprelay/utils"
)

// Status is the delivery state of a message.
type Status string

// Message delivery states.
const (
	StatusStored          Status = "stored"
	StatusRelayed         Status = "relayed"
	StatusDeliveredDirect Status = "delivered_direct"
	StatusFailed          Status = "failed"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusStored, StatusRelayed, StatusDeliveredDirect, StatusFailed:
		return true
	}
	return false
}

// RecipientResult records the outcome of the last delivery attempt for a
// single recipient.
type RecipientResult struct {
	Recipient string `json:"recipient" yaml:"recipient"`
	Domain    string `json:"domain" yaml:"domain"`
	Path      string `json:"path" yaml:"path"`
	Host      string `json:"host,omitempty" yaml:"host,omitempty"`
	Class     string `json:"class" yaml:"class"`
	Code      int    `json:"code,omitempty" yaml:"code,omitempty"`
	Detail    string `json:"detail" yaml:"detail"`
}

// Delivery bundles the fields which change on a delivery attempt.
type Delivery struct {
	Status      Status
	Detail      string
	AttemptedAt time.Time
	Results     []*RecipientResult
}

// Message is an accepted message together with its delivery state.
type Message struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Sender     string    `json:"sender"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Data       []byte    `json:"data"`
	ReceivedAt time.Time `json:"received_at"`

	DeliveryStatus Status             `json:"delivery_status"`
	DeliveryDetail string             `json:"delivery_detail"`
	AttemptedAt    *time.Time         `json:"attempted_at,omitempty"`
	Results        []*RecipientResult `json:"results,omitempty"`
}

// NewMessage creates a validated message in the stored state with a fresh
// id. The subject is taken from the header of data.
func NewMessage(sender string, recipients []string, data []byte) (*Message, error) {
	m := &Message{
		ID:             shortuuid.New(),
		Sender:         sender,
		Recipients:     append([]string(nil), recipients...),
		Data:           data,
		ReceivedAt:     time.Now().UTC(),
		DeliveryStatus: StatusStored,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Subject, _ = ParseContent(data)

	return m, nil
}

// Validate checks the envelope invariants of the message.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id must not be empty")
	}
	if m.Sender == "" {
		return errors.New("sender must not be empty")
	}
	if len(m.Recipients) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, rcptTo := range m.Recipients {
		if _, err := utils.GetDomainFromEmail(rcptTo); err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
	}
	if !m.DeliveryStatus.Valid() {
		return fmt.Errorf("invalid delivery status: %q", m.DeliveryStatus)
	}
	return nil
}

// Body returns the content after the header block.
func (m *Message) Body() []byte {
	_, offset := ParseContent(m.Data)
	return m.Data[offset:]
}

// Apply sets the delivery fields of the message from d.
func (m *Message) Apply(d *Delivery) {
	m.DeliveryStatus = d.Status
	m.DeliveryDetail = d.Detail
	attemptedAt := d.AttemptedAt
	m.AttemptedAt = &attemptedAt
	m.Results = cloneResults(d.Results)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	c.Recipients = append([]string(nil), m.Recipients...)
	c.Data = append([]byte(nil), m.Data...)
	if m.AttemptedAt != nil {
		attemptedAt := *m.AttemptedAt
		c.AttemptedAt = &attemptedAt
	}
	c.Results = cloneResults(m.Results)
	return &c
}

func cloneResults(results []*RecipientResult) []*RecipientResult {
	if results == nil {
		return nil
	}
	c := make([]*RecipientResult, len(results))
	for idx, result := range results {
		r := *result
		c[idx] = &r
	}
	return c
}

// ParseContent returns the decoded Subject header of the provided raw
// message content and the offset at which the body starts. Content without
// a parseable header block is treated as body only.
func ParseContent(data []byte) (string, int) {
	r := bytes.NewReader(data)
	br := bufio.NewReader(r)

	header, err := textproto.ReadHeader(br)
	if err != nil {
		return "", 0
	}
	offset := len(data) - r.Len() - br.Buffered()

	subject := header.Get("Subject")
	if decoded, decodeErr := new(mime.WordDecoder).DecodeHeader(subject); decodeErr == nil {
		subject = decoded
	}

	return subject, offset
}
