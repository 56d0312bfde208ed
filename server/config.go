/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/server/delivery"
	"stash.kopano.io/kgol/smtprelay/server/smtp/outbound"
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady  func(*Server)
	OnStatus func(*Server)

	SMTPListenAddress string
	APIListenAddress  string

	// Hostname is used in the SMTP greeting and as outbound HELO name.
	Hostname string

	StatePath string
	StorePath string
	StoreURL  string

	MaxMessageBytes int64
	MaxRecipients   int

	SMTPStartTLS bool
	TLSCertFile  string
	TLSKeyFile   string

	// Relay is never modified after the server was created.
	Relay outbound.RelayConfig

	MXPort            int
	Resolver          delivery.MXResolver
	DeliveryTimeout   time.Duration
	DeliveryWorkers   int
	DeliveryQueueSize int
	ResumePending     bool
}
