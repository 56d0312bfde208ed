/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package inbound

import (
	"context"
	"errors"
	"io"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/smtprelay/internal/metrics"
	"stash.kopano.io/kgol/smtprelay/server/store"
	"stash.kopano.io/kgol/smtprelay/utils"
)

// Session is a single inbound SMTP connection.
type Session struct {
	ctx context.Context
	id  string

	listener *Listener
	logger   logrus.FieldLogger

	from   string
	rcptTo []string
}

var _ smtp.Session = (*Session)(nil) // Verify that *Session implements smtp.Session.

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.logger.WithField("from", from).Debugln("mail from")
	if from == "" {
		s.listener.reject("sender")
		return ErrSenderRequired
	}

	s.from = from
	s.rcptTo = nil

	return nil
}

func (s *Session) Rcpt(rcptTo string, opts *smtp.RcptOptions) error {
	s.logger.WithField("rcpt_to", rcptTo).Debugln("mail rcpt to")
	if s.from == "" {
		return ErrBadSequence
	}
	if _, err := utils.GetDomainFromEmail(rcptTo); err != nil {
		s.logger.WithError(err).Debugln("invalid rcpt to value")
		s.listener.reject("recipient")
		return ErrRequestedActioNotTaken
	}

	s.rcptTo = append(s.rcptTo, rcptTo)

	return nil
}

func (s *Session) Data(r io.Reader) error {
	s.logger.Debugln("mail data")
	if s.from == "" || len(s.rcptTo) == 0 {
		return ErrBadSequence
	}

	limit := s.listener.maxMessageBytes
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			if smtpErr.Code == 552 {
				s.listener.reject("size")
			}
			return smtpErr
		}
		s.logger.WithError(err).Warnln("failed to read mail data")
		s.listener.reject("read")
		return ErrTransactionFailed
	}
	if int64(len(data)) > limit {
		s.logger.WithField("limit", limit).Debugln("mail data exceeds size limit")
		s.listener.reject("size")
		return ErrMessageTooLarge
	}

	message, err := store.NewMessage(s.from, s.rcptTo, data)
	if err != nil {
		s.logger.WithError(err).Warnln("invalid message")
		s.listener.reject("invalid")
		return ErrTransactionFailed
	}

	logger := s.logger.WithFields(logrus.Fields{
		"id":      message.ID,
		"from":    message.Sender,
		"rcpt_to": message.Recipients,
		"size":    len(data),
	})
	if err = s.listener.store.Put(s.ctx, message); err != nil {
		logger.WithError(err).Errorln("failed to store message")
		s.listener.reject("store")
		return ErrLocalErrorInProcessingError
	}
	metrics.MessagesAccepted.Inc()
	logger.Infoln("message stored")

	if s.listener.queue != nil {
		s.listener.queue.Enqueue(message.ID)
	}

	return nil
}

func (s *Session) Reset() {
	s.logger.Debugln("mail reset")

	s.from = ""
	s.rcptTo = nil
}

func (s *Session) Logout() error {
	s.logger.Debugln("mail logout")
	s.listener.onLogout(s)
	return nil
}
