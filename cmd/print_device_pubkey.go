// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/particle-tools/collider/internal/device"
)

var (
	printDeviceID string
	printKeysDir  string
)

var printDevicePubkeyCmd = &cobra.Command{
	Use:   "print-device-pubkey",
	Short: "Print a device public key.",
	Long:  `Print the PKCS#8 public key PEM of a registered device, for out-of-band provisioning.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if printDeviceID == "" {
			return fmt.Errorf("The device id (--device-id) is required.")
		}
		if printKeysDir == "" {
			return fmt.Errorf("The device keys directory (--keys-dir) is required.")
		}

		ident, err := device.LoadOrCreateIdentity(printKeysDir, printDeviceID)
		if err != nil {
			return err
		}
		pemStr, err := ident.PublicKeyPEM()
		if err != nil {
			return err
		}
		_, err = os.Stdout.WriteString(pemStr)
		return err
	},
}

func init() {
	rootCmd.AddCommand(printDevicePubkeyCmd)
	printDevicePubkeyCmd.Flags().StringVar(&printDeviceID, "device-id", "", "Device id, 24 hex characters")
	printDevicePubkeyCmd.Flags().StringVar(&printKeysDir, "keys-dir", "", "Directory holding device private keys")
}
