/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var (
	DefaultDocsDir    = "man/"
	DefaultDocsFormat = "man"
)

func CommandDocs() *cobra.Command {
	docsCmd := &cobra.Command{
		Use:     "man [...args]",
		Aliases: []string{"docs"},
		Short:   "Generate man pages or markdown documentation for the smtprelayd CLI",
		Run: func(cmd *cobra.Command, args []string) {
			if err := writeDocs(cmd.Root(), DefaultDocsFormat, DefaultDocsDir); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	docsCmd.Flags().StringVar(&DefaultDocsDir, "dir", DefaultDocsDir, "Full path to directory to write the documentation")
	docsCmd.Flags().StringVar(&DefaultDocsFormat, "format", DefaultDocsFormat, "Output format (one of man or markdown)")

	return docsCmd
}

func writeDocs(root *cobra.Command, format, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create docs directory: %w", err)
	}

	root.DisableAutoGenTag = true
	root.Use = DefaultRootUse // Use the name of bin script for generated pages.

	switch format {
	case "man":
		return doc.GenManTree(root, &doc.GenManHeader{
			Title:   "SMTPRELAYD",
			Section: "1",
			Source:  "Kopano",
			Manual:  "SMTP capture and forward relay",
		}, dir)
	case "markdown":
		return doc.GenMarkdownTree(root, dir)
	default:
		return fmt.Errorf("unsupported docs format: %s", format)
	}
}
