/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package inbound

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/store"
)

// DefaultMaxMessageBytes is the message size ceiling used when none is
// configured.
const DefaultMaxMessageBytes = 25 * 1024 * 1024

// MaxMessageBytesLimit is the largest configurable message size ceiling.
// Messages are read into memory as a whole.
const MaxMessageBytesLimit = 1024 * 1024 * 1024

// Config bundles listener configuration settings.
type Config struct {
	Logger logrus.FieldLogger
	Store  store.Store
	Queue  Queue

	// Domain is announced in the greeting.
	Domain string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config
}

// Queue receives the ids of stored messages for delivery.
type Queue interface {
	Enqueue(id string) bool
}
