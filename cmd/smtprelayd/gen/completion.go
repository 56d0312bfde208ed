/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var completionShells = []string{"bash", "zsh", "fish", "powershell"}

func CommandAutoComplete() *cobra.Command {
	completionCmd := &cobra.Command{
		Use:   "autocomplete [bash|zsh|fish|powershell]",
		Short: "Generate shell autocompletion script",
		Long: `Prints the completion script for the given shell to stdout.

Bash:

  $ source <(smtprelayd gen autocomplete bash)
  $ smtprelayd gen autocomplete bash > /etc/bash_completion.d/smtprelayd

Zsh (with compinit enabled):

  $ smtprelayd gen autocomplete zsh > "${fpath[1]}/_smtprelayd"

fish:

  $ smtprelayd gen autocomplete fish > ~/.config/fish/completions/smtprelayd.fish
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             completionShells,
		Args:                  cobra.ExactValidArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := writeCompletion(cmd.Root(), args[0], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	return completionCmd
}

func writeCompletion(root *cobra.Command, shell string, w io.Writer) error {
	root.Use = DefaultRootUse

	switch shell {
	case "bash":
		return root.GenBashCompletion(w)
	case "zsh":
		return root.GenZshCompletion(w)
	case "fish":
		return root.GenFishCompletion(w, true)
	case "powershell":
		return root.GenPowerShellCompletion(w)
	default:
		return fmt.Errorf("unsupported shell: %s", shell)
	}
}
