/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package inbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/lithammer/shortuuid/v3"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/internal/metrics"
	"stash.kopano.io/kgol/smtprelay/server/store"
)

// Listener is the inbound SMTP endpoint. Every accepted message is stored
// before it is acknowledged and then handed to the queue.
type Listener struct {
	logger logrus.FieldLogger
	store  store.Store
	queue  Queue

	maxMessageBytes int64

	sessionContext       context.Context
	sessionContextCancel context.CancelFunc
	inShutdown           atomic.Bool

	s        *smtp.Server
	sessions cmap.ConcurrentMap
}

var _ smtp.Backend = (*Listener)(nil) // Verify that *Listener implements smtp.Backend.

func New(config *Config) (*Listener, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.MaxMessageBytes > MaxMessageBytesLimit {
		return nil, fmt.Errorf("max message bytes %d exceeds limit of %d", config.MaxMessageBytes, int64(MaxMessageBytesLimit))
	}

	logger := config.Logger.WithFields(logrus.Fields{
		"scope": "inbound",
	})

	sessionContext, sessionContextCancel := context.WithCancel(context.Background())

	l := &Listener{
		logger: logger,
		store:  config.Store,
		queue:  config.Queue,

		maxMessageBytes: config.MaxMessageBytes,

		sessionContext:       sessionContext,
		sessionContextCancel: sessionContextCancel,

		sessions: cmap.New(),
	}
	if l.maxMessageBytes <= 0 {
		l.maxMessageBytes = DefaultMaxMessageBytes
	}

	l.s = smtp.NewServer(l)
	l.s.Domain = config.Domain
	l.s.ReadTimeout = config.ReadTimeout
	l.s.WriteTimeout = config.WriteTimeout
	// The exact ceiling is enforced by the session.
	l.s.MaxMessageBytes = l.maxMessageBytes + 1
	l.s.MaxRecipients = config.MaxRecipients
	l.s.TLSConfig = config.TLSConfig
	l.s.ErrorLog = logger

	return l, nil
}

// NewSession implements smtp.Backend.
func (l *Listener) NewSession(c *smtp.Conn) (smtp.Session, error) {
	if l.inShutdown.Load() {
		return nil, ErrServiceNotAvailable
	}

	sessionID := shortuuid.New()
	logger := l.logger.WithFields(logrus.Fields{
		"scope":      "inbound-session",
		"session_id": sessionID,
	})
	if c != nil && c.Conn() != nil {
		logger = logger.WithField("remote_addr", c.Conn().RemoteAddr().String())
	}

	session := &Session{
		ctx:      l.sessionContext,
		id:       sessionID,
		listener: l,
		logger:   logger,
	}
	l.sessions.Set(sessionID, session)
	logger.Debugln("session start")

	return session, nil
}

// Serve accepts incoming connections on the Listener ln.
func (l *Listener) Serve(ln net.Listener) error {
	err := l.s.Serve(ln)
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Sessions returns the number of open sessions.
func (l *Listener) Sessions() int {
	return l.sessions.Count()
}

// Shutdown stops accepting new sessions and waits for open sessions to end
// until ctx is done, then closes the server.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.inShutdown.Store(true)

	func() {
		for {
			if l.sessions.Count() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	l.sessionContextCancel()

	return l.s.Close()
}

func (l *Listener) onLogout(session *Session) {
	l.sessions.Remove(session.id)
}

func (l *Listener) reject(reason string) {
	metrics.SubmissionsRejected.WithLabelValues(reason).Inc()
}
