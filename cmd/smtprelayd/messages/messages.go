/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package messages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/common"
	"stash.kopano.io/kgol/smtprelay/cmd/smtprelayd/serve"
	"stash.kopano.io/kgol/smtprelay/server/api"
	"stash.kopano.io/kgol/smtprelay/server/store"
)

// Default param values used by this command.
var (
	DefaultAPIURL  = ""
	DefaultTimeout = 10 * time.Second
)

func CommandMessages() *cobra.Command {
	messagesCmd := &cobra.Command{
		Use:   "messages [id]",
		Short: "List stored messages of a running service",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := messages(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	if DefaultAPIURL == "" {
		DefaultAPIURL = "http://" + serve.DefaultAPIListenAddr
	}

	messagesCmd.Flags().StringVar(&DefaultAPIURL, "api-url", DefaultAPIURL, "Base URL of the query API")
	messagesCmd.Flags().DurationVar(&DefaultTimeout, "timeout", DefaultTimeout, "Timeout for API requests")
	messagesCmd.Flags().String("status", "", "Only list messages with this delivery status")
	messagesCmd.Flags().Bool("json", false, "Output messages as JSON")
	messagesCmd.Flags().Bool("yaml", false, "Output messages as YAML")
	messagesCmd.Flags().Bool("with-data", false, "Include the raw message content in JSON and YAML output")

	return messagesCmd
}

func messages(cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, map[string]string{
		"api-url": "api_url",
	}); err != nil {
		return err
	}

	statusFilter, _ := cmd.Flags().GetString("status")
	if statusFilter != "" && !store.Status(statusFilter).Valid() {
		return fmt.Errorf("invalid status: %s", statusFilter)
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	asYAML, _ := cmd.Flags().GetBool("yaml")
	if asJSON && asYAML {
		return errors.New("json and yaml output are mutually exclusive")
	}
	withData, _ := cmd.Flags().GetBool("with-data")

	client, err := NewClient(DefaultAPIURL, &http.Client{
		Timeout: DefaultTimeout,
	})
	if err != nil {
		return err
	}

	var result []*api.Message
	if len(args) == 1 {
		var message *api.Message
		message, err = common.Fetch(context.Background(), "Fetching message", 1, func(ctx context.Context) (*api.Message, error) {
			return client.Get(ctx, args[0])
		})
		if message != nil {
			result = []*api.Message{message}
		}
	} else {
		result, err = common.Fetch(context.Background(), "Fetching messages", 3, func(ctx context.Context) ([]*api.Message, error) {
			return client.List(ctx, statusFilter)
		})
	}
	if err != nil {
		if errors.Is(err, common.ErrAborted) {
			return nil
		}
		return err
	}

	if !withData {
		result = withoutData(result)
	}

	switch {
	case asJSON:
		if len(args) == 1 {
			return common.WriteJSON(os.Stdout, result[0])
		}
		return common.WriteJSON(os.Stdout, result)
	case asYAML:
		if len(args) == 1 {
			return common.WriteYAML(os.Stdout, result[0])
		}
		return common.WriteYAML(os.Stdout, result)
	default:
		return outputPretty(os.Stdout, termenv.ColorProfile(), result)
	}
}
