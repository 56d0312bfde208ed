/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

import (
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/internal/ipc"
	"stash.kopano.io/kgol/smtprelay/server"
)

// statusPublisher shares the server status via shared memory, so the status
// command of another process can read it. Publishing runs on every status
// tick, a persistent failure is logged once until it recovers.
type statusPublisher struct {
	set     func(*server.Status) error
	failing bool
}

func newStatusPublisher() *statusPublisher {
	return &statusPublisher{
		set: ipc.SetStatus,
	}
}

func (p *statusPublisher) onStatus(srv *server.Server) {
	logger := srv.Logger()

	s, statusErr := srv.Status()
	if statusErr != nil {
		logger.WithError(statusErr).Errorln("failed to get server status")
		s = &server.Status{}
	}

	p.publish(logger, s)
}

func (p *statusPublisher) publish(logger logrus.FieldLogger, s *server.Status) {
	if err := p.set(s); err != nil {
		if !p.failing {
			p.failing = true
			logger.WithError(err).Errorln("failed to share server status")
		}
		return
	}
	if p.failing {
		p.failing = false
		logger.Infoln("sharing server status again")
	}

	logger.WithFields(logrus.Fields{
		"sessions": s.Sessions,
		"messages": s.Total(),
	}).Debugln("server status shared")
}

func clearStatus() error {
	return ipc.ClearStatus()
}
