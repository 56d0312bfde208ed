/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package version

// Build information, set via -ldflags -X at build time.
var (
	Version   = "0.0.0-dev"
	BuildDate = "0"
)
