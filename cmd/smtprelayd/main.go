/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package main

import (
	"fmt"
	"os"

	"stash.kopano.io/kgol/smtprelay/cmd"
	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/gen"
	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/messages"
	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/serve"
	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/status"
)

func main() {
	cmd.RootCmd.Use = "smtprelayd"
	cmd.RootCmd.Short = "SMTP capture and forward relay"

	cmd.RootCmd.PersistentFlags().StringVarP(&common.DefaultEnvConfigFile, "config", "c", common.DefaultEnvConfigFile, "Full path to config file")

	cmd.RootCmd.AddCommand(serve.CommandServe())
	cmd.RootCmd.AddCommand(status.CommandStatus())
	cmd.RootCmd.AddCommand(messages.CommandMessages())
	cmd.RootCmd.AddCommand(gen.CommandGen())

	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
