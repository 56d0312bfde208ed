/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/serve"
	"stash.kopano.io/kgol/smtprelay/internal/ipc"
)

// DefaultMaxAge is the default for the max-age flag. The server publishes
// its status every 10 seconds.
var DefaultMaxAge = 30 * time.Second

func CommandStatus() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status [...args]",
		Short: "Show service status",
		Run: func(cmd *cobra.Command, args []string) {
			if err := status(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	statusCmd.Flags().StringVar(&serve.DefaultStatePath, "state-path", serve.DefaultStatePath, "Full path to writable state directory")
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	statusCmd.Flags().Duration("max-age", DefaultMaxAge, "Fail when the published status is older than this, 0 disables the check")

	return statusCmd
}

func status(cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, map[string]string{
		"state-path": "state_path",
		"max-age":    "status_max_age",
	}); err != nil {
		return err
	}

	statePath, err := filepath.Abs(serve.DefaultStatePath)
	if err != nil {
		return fmt.Errorf("state-path invalid: %w", err)
	}

	ipc.MustInitializeStatusSHM(statePath, "")

	err = Run(cmd, args)
	if err != nil {
		if errors.Is(err, ipc.ErrNoStatus) {
			return fmt.Errorf("no status found for state-path %s, is smtprelayd running?", statePath)
		}
		if errors.Is(err, common.ErrAborted) {
			return nil
		}
	}
	return err
}
