/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/internal/ipc"
)

// ErrStale is returned when the published status is older than allowed.
var ErrStale = errors.New("status is stale")

// Run fetches the status of the running server and displays it.
func Run(cmd *cobra.Command, args []string) error {
	snapshot, err := common.Fetch(context.Background(), "Fetching smtprelayd status", 3, func(ctx context.Context) (*ipc.Snapshot, error) {
		return ipc.GetStatus()
	})
	if err != nil {
		return err
	}

	if ok, _ := cmd.Flags().GetBool("json"); ok {
		err = common.WriteJSON(os.Stdout, snapshot.Status)
	} else {
		err = outputPretty(os.Stdout, termenv.ColorProfile(), snapshot.Status)
	}
	if err != nil {
		return err
	}

	maxAge, _ := cmd.Flags().GetDuration("max-age")
	return checkAge(snapshot, time.Now(), maxAge)
}

// checkAge fails when snapshot was written more than maxAge before now. A
// zero maxAge disables the check.
func checkAge(snapshot *ipc.Snapshot, now time.Time, maxAge time.Duration) error {
	if maxAge <= 0 {
		return nil
	}
	if age := snapshot.Age(now); age > maxAge {
		return fmt.Errorf("%w: last published %s ago, smtprelayd may be stuck", ErrStale, age.Truncate(time.Second))
	}
	return nil
}
