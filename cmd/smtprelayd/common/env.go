/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	DefaultEnvConfigFile = os.Getenv("SMTPRELAYD_DEFAULT_ENV_CONFIG")
)

// RelayEnvMapping maps relay flags to the conventional deployment keys.
var RelayEnvMapping = map[string]string{
	"relay-host":     "SMTP_RELAY_SERVER",
	"relay-port":     "SMTP_RELAY_PORT",
	"relay-username": "SMTP_RELAY_USERNAME",
	"relay-password": "SMTP_RELAY_PASSWORD",
	"relay-starttls": "SMTP_RELAY_STARTTLS",
}

// Truthy reports whether v is one of the accepted true values.
func Truthy(v string) bool {
	switch strings.TrimSpace(v) {
	case "1", "true", "True":
		return true
	}
	return false
}

// ReadEnvConfig reads all : separated env files named by
// DefaultEnvConfigFile. It returns nil without error when none is set.
func ReadEnvConfig() (map[string]string, error) {
	if DefaultEnvConfigFile == "" {
		return nil, nil
	}

	var fns []string
	for _, fn := range strings.Split(DefaultEnvConfigFile, ":") {
		if fn == "" {
			continue
		}
		abs, err := filepath.Abs(fn)
		if err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}
		fns = append(fns, abs)
	}

	envConfig, err := godotenv.Read(fns...)
	if err != nil {
		return nil, fmt.Errorf("config read error: %w", err)
	}
	return envConfig, nil
}

// ApplyFlagsFromEnvFile sets flags of cmd which were not set explicitly from
// the env config file. With a nil mapping, all flags are considered and the
// env key is derived from the flag name.
func ApplyFlagsFromEnvFile(cmd *cobra.Command, mapping map[string]string) error {
	envConfig, err := ReadEnvConfig()
	if err != nil || envConfig == nil {
		return err
	}
	return ApplyFlags(cmd, envConfig, mapping)
}

// ApplyFlags applies values from envConfig to the flags of cmd.
func ApplyFlags(cmd *cobra.Command, envConfig map[string]string, mapping map[string]string) error {
	if mapping == nil {
		mapping = make(map[string]string)
		cmd.Flags().VisitAll(func(flag *pflag.Flag) {
			if flag.Changed || flag.Name == "help" || flag.Name == "config" {
				return
			}
			mapping[flag.Name] = ""
		})
	}

	for flagName, envName := range mapping {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			return fmt.Errorf("unknown flag in env mapping: %s", flagName)
		}
		if flag.Changed {
			continue
		}

		sliceValue, isSlice := flag.Value.(pflag.SliceValue)
		if envName == "" {
			envName = strings.ReplaceAll(flagName, "-", "_")
			if isSlice {
				envName += "s"
			}
		}

		v, ok := envConfig[envName]
		if !ok {
			continue
		}
		if isSlice {
			err := sliceValue.Replace(strings.Split(v, " "))
			if err != nil {
				return fmt.Errorf("failed to apply %v config: %w", envName, err)
			}
			continue
		}
		if flag.Value.Type() == "bool" {
			v = fmt.Sprintf("%t", Truthy(v))
		}
		// Set through the flag set so the flag counts as changed and a later
		// mapping does not override it.
		if err := cmd.Flags().Set(flagName, v); err != nil {
			return fmt.Errorf("failed to apply %v config: %w", envName, err)
		}
	}

	return nil
}
