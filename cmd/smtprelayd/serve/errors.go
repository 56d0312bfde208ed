/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

// ExitCodeStartup is used when the service fails to start.
const ExitCodeStartup = 64

// ErrorWithExitCode is an error which carries the process exit code.
type ErrorWithExitCode struct {
	Err  error
	Code int
}

func (err *ErrorWithExitCode) Error() string {
	return err.Err.Error()
}

func (err *ErrorWithExitCode) Unwrap() error {
	return err.Err
}

// StartupError returns an error which exits with ExitCodeStartup.
func StartupError(err error) error {
	return &ErrorWithExitCode{
		Err:  err,
		Code: ExitCodeStartup,
	}
}
