/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package outbound

import (
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-smtp"
)

// Class groups delivery outcomes.
type Class string

// Outcome classes.
const (
	ClassSuccess   Class = "success"
	ClassPermanent Class = "permanent"
	ClassTransient Class = "transient"
)

// Outcome is the result of a conversation for a single recipient.
type Outcome struct {
	Class  Class
	Code   int
	Detail string
	Host   string

	// Auth is set when the server rejected our credentials.
	Auth bool
	// Timeout is set when the conversation ran into a deadline.
	Timeout bool
}

// Retryable reports whether trying again later, or elsewhere, may succeed.
func (o *Outcome) Retryable() bool {
	return o.Class == ClassTransient
}

// Success reports whether the recipient was accepted.
func (o *Outcome) Success() bool {
	return o.Class == ClassSuccess
}

// FormatReply renders an SMTP reply as detail text.
func FormatReply(code int, enhancedCode smtp.EnhancedCode, message string) string {
	if enhancedCode[0] > 0 {
		return fmt.Sprintf("%d %d.%d.%d %s", code, enhancedCode[0], enhancedCode[1], enhancedCode[2], message)
	}
	return fmt.Sprintf("%d %s", code, message)
}

// Classify turns an error of the given conversation stage into an outcome.
// SMTP replies are classified by their code, everything else (connection,
// timeout and protocol failures) is transient.
func Classify(err error, stage string) *Outcome {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		class := ClassPermanent
		if smtpErr.Code >= 400 && smtpErr.Code < 500 {
			class = ClassTransient
		}
		return &Outcome{
			Class:  class,
			Code:   smtpErr.Code,
			Detail: FormatReply(smtpErr.Code, smtpErr.EnhancedCode, smtpErr.Message),
		}
	}

	outcome := &Outcome{
		Class:  ClassTransient,
		Detail: fmt.Sprintf("%s failed: %v", stage, err),
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		outcome.Timeout = true
		outcome.Detail = fmt.Sprintf("%s timed out: %v", stage, err)
	}
	return outcome
}

func repeat(outcome *Outcome, n int) []*Outcome {
	outcomes := make([]*Outcome, n)
	for idx := range outcomes {
		o := *outcome
		outcomes[idx] = &o
	}
	return outcomes
}
