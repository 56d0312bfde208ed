/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package outbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultHeloName = "localhost"
	defaultTimeout  = 60 * time.Second
)

var tracer = otel.Tracer("stash.kopano.io/kgol/smtprelay/server/smtp/outbound")

// Client executes SMTP client conversations.
type Client struct {
	logger   logrus.FieldLogger
	heloName string
	timeout  time.Duration
	dialer   *net.Dialer
}

// New creates a client from the provided config.
func New(config *Config) *Client {
	c := &Client{
		logger:   config.Logger.WithField("scope", "outbound"),
		heloName: config.HeloName,
		timeout:  config.Timeout,
		dialer:   &net.Dialer{},
	}
	if c.heloName == "" {
		c.heloName = defaultHeloName
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c
}

// Send runs one conversation with dest and returns one outcome per
// envelope recipient, in envelope order. It never returns an error, all
// failures are expressed as outcomes.
func (c *Client) Send(ctx context.Context, dest *Destination, envelope *Envelope) []*Outcome {
	ctx, span := tracer.Start(ctx, "outbound.Send", trace.WithAttributes(
		attribute.String("smtp.host", dest.Address),
		attribute.Int("smtp.recipients", len(envelope.To)),
		attribute.Bool("smtp.auth", dest.Username != ""),
	))
	defer span.End()

	logger := c.logger.WithFields(logrus.Fields{
		"host":    dest.Address,
		"from":    envelope.From,
		"rcpt_to": envelope.To,
	})
	logger.Debugln("outbound conversation start")

	outcomes := c.send(ctx, logger, dest, envelope)

	for idx, outcome := range outcomes {
		outcome.Host = dest.Host
		if !outcome.Success() {
			span.SetStatus(codes.Error, outcome.Detail)
			logger.WithFields(logrus.Fields{
				"rcpt_to": envelope.To[idx],
				"class":   outcome.Class,
				"detail":  outcome.Detail,
			}).Debugln("outbound recipient not delivered")
		}
	}
	logger.Debugln("outbound conversation done")

	return outcomes
}

func (c *Client) send(ctx context.Context, logger logrus.FieldLogger, dest *Destination, envelope *Envelope) []*Outcome {
	n := len(envelope.To)
	if n == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, release, withTLS, outcome := c.connect(ctx, logger, dest)
	if outcome != nil {
		return repeat(outcome, n)
	}
	defer release()
	defer client.Close()

	if dest.Username != "" {
		if !withTLS {
			logger.Warnln("authenticating without tls as configured")
		}
		if err := client.Auth(sasl.NewLoginClient(dest.Username, dest.Password)); err != nil {
			outcome := Classify(err, "auth")
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) {
				outcome.Auth = true
			}
			return repeat(outcome, n)
		}
		logger.Debugln("outbound authentication success")
	}

	if err := client.Mail(envelope.From, nil); err != nil {
		return repeat(Classify(err, "mail from"), n)
	}

	outcomes := make([]*Outcome, n)
	accepted := 0
	for idx, rcptTo := range envelope.To {
		if rcptErr := client.Rcpt(rcptTo, nil); rcptErr != nil {
			outcomes[idx] = Classify(rcptErr, "rcpt to")
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return outcomes
	}

	final := c.data(client, dest.Host, envelope.Data)
	for idx := range outcomes {
		if outcomes[idx] == nil {
			o := *final
			outcomes[idx] = &o
		}
	}

	if final.Success() {
		if quitErr := client.Quit(); quitErr != nil {
			logger.WithError(quitErr).Debugln("outbound quit failed")
		}
	}

	return outcomes
}

// dial connects to address. The connection deadline follows ctx, release
// closes the connection and detaches it from ctx.
func (c *Client) dial(ctx context.Context, address string) (net.Conn, func(), error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock any pending read or write when the context ends early.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	return conn, func() {
		stop()
		conn.Close()
	}, nil
}

// connect opens the conversation with dest and upgrades it with STARTTLS.
// When dest requires TLS, a failed upgrade is a permanent outcome and
// nothing else is sent. Otherwise the host is dialed again and the
// conversation continues in plaintext.
func (c *Client) connect(ctx context.Context, logger logrus.FieldLogger, dest *Destination) (*smtp.Client, func(), bool, *Outcome) {
	conn, release, err := c.dial(ctx, dest.Address)
	if err != nil {
		return nil, nil, false, Classify(err, "connect")
	}

	client, err := smtp.NewClientStartTLS(conn, dest.TLSConfig)
	if err == nil {
		// The greeting before the upgrade used the default name, announce
		// ours on the encrypted channel. A failed greeting resurfaces with
		// the next command.
		_ = client.Hello(c.heloName)
		logger.Debugln("outbound connection upgraded with starttls")
		return client, release, true, nil
	}
	release()

	outcome := Classify(err, "starttls")
	if outcome.Timeout || ctx.Err() != nil {
		return nil, nil, false, outcome
	}
	if dest.RequireTLS {
		outcome.Class = ClassPermanent
		outcome.Detail = fmt.Sprintf("starttls required by %s but failed: %s", dest.Host, outcome.Detail)
		return nil, nil, false, outcome
	}

	logger.WithError(err).Debugln("outbound starttls failed, continuing without tls")
	conn, release, err = c.dial(ctx, dest.Address)
	if err != nil {
		return nil, nil, false, Classify(err, "connect")
	}
	client = smtp.NewClient(conn)
	if err = client.Hello(c.heloName); err != nil {
		client.Close()
		release()
		return nil, nil, false, Classify(err, "greeting")
	}

	return client, release, false, nil
}

// data sends the message content. go-smtp does not expose the text of the
// final reply, so the success detail names the accepting host instead.
func (c *Client) data(client *smtp.Client, host string, data []byte) *Outcome {
	w, err := client.Data()
	if err != nil {
		return Classify(err, "data")
	}
	if _, err = w.Write(data); err != nil {
		w.Close()
		return Classify(err, "data")
	}
	if err = w.Close(); err != nil {
		return Classify(err, "data")
	}

	return &Outcome{
		Class:  ClassSuccess,
		Code:   250,
		Detail: fmt.Sprintf("250 data accepted by %s (%d bytes)", host, len(data)),
	}
}
