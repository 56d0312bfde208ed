/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package outbound

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRelayPort is used when a relay host is configured without port.
const DefaultRelayPort = 587

// Config bundles outbound client configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	// HeloName is announced with EHLO/HELO.
	HeloName string

	// Timeout bounds a single SMTP conversation including connect.
	Timeout time.Duration
}

// RelayConfig is the authenticated upstream relay. It is constructed once
// at startup and never changed afterwards, pass it by value.
type RelayConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// StartTLS requires a successful STARTTLS upgrade before any
	// credentials or message data are sent.
	StartTLS bool

	// TLSSkipVerify disables certificate verification of the relay.
	TLSSkipVerify bool

	// DirectFallback permits direct MX delivery for recipients the relay
	// could not take for transient reasons.
	DirectFallback bool
}

// Enabled reports whether a relay is configured at all.
func (rc RelayConfig) Enabled() bool {
	return rc.Host != ""
}

// Address returns the host:port of the relay.
func (rc RelayConfig) Address() string {
	port := rc.Port
	if port == 0 {
		port = DefaultRelayPort
	}
	return net.JoinHostPort(rc.Host, strconv.Itoa(port))
}

// Destination returns the destination to use for relay delivery.
func (rc RelayConfig) Destination() *Destination {
	return &Destination{
		Address:    rc.Address(),
		Host:       rc.Host,
		RequireTLS: rc.StartTLS,
		TLSConfig: &tls.Config{
			ServerName:         rc.Host,
			InsecureSkipVerify: rc.TLSSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
		Username: rc.Username,
		Password: rc.Password,
	}
}

// MXDestination returns an unauthenticated destination for the MX host,
// with opportunistic and unverified STARTTLS.
func MXDestination(host string, port int) *Destination {
	return &Destination{
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
		Host:    host,
		TLSConfig: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		},
	}
}

// Destination is a single SMTP server to talk to.
type Destination struct {
	Address string
	Host    string

	RequireTLS bool
	TLSConfig  *tls.Config

	Username string
	Password string
}

// Envelope is what gets sent in one conversation.
type Envelope struct {
	From string
	To   []string
	Data []byte
}
