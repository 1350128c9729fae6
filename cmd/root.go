// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var (
	debug    bool
	logLevel slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "collider",
	Short: "Load-generation harness for a Particle-style local cloud",
	Long: `collider impersonates fleets of IoT devices over TCP: it performs the
	real device-to-cloud handshake, speaks CoAP over the encrypted stream, and
	floods the server with registrations, function calls, variable reads,
	event publishes and webhook triggers.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
}

// Initialize the logging flags from viper's configuration. Called by the
// simulate command after its flags are bound and the configuration file is
// loaded.
func rootCmdLoadConfig() error {
	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	return nil
}
