/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package inbound

import (
	"github.com/emersion/go-smtp"
)

var ErrLocalErrorInProcessingError = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCode{4, 3, 0},
	Message:      "Local error in processing, message not stored",
}

var ErrServiceNotAvailable = &smtp.SMTPError{
	Code:         421,
	EnhancedCode: smtp.EnhancedCodeNotSet,
	Message:      "Service not available",
}

var ErrSenderRequired = &smtp.SMTPError{
	Code:         501,
	EnhancedCode: smtp.EnhancedCode{5, 1, 7},
	Message:      "Sender address required",
}

var ErrBadSequence = &smtp.SMTPError{
	Code:         503,
	EnhancedCode: smtp.EnhancedCode{5, 5, 1},
	Message:      "Bad sequence of commands",
}

var ErrMessageTooLarge = &smtp.SMTPError{
	Code:         552,
	EnhancedCode: smtp.EnhancedCode{5, 3, 4},
	Message:      "Message size exceeds fixed limit",
}

var ErrRequestedActioNotTaken = &smtp.SMTPError{
	Code:         553,
	EnhancedCode: smtp.EnhancedCode{5, 1, 3},
	Message:      "Requested action not taken: mailbox name not allowed",
}

var ErrTransactionFailed = &smtp.SMTPError{
	Code:         554,
	EnhancedCode: smtp.EnhancedCode{5, 0, 0},
	Message:      "Error: transaction failed",
}
