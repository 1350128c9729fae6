// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/particle-tools/collider/internal/device"
)

var (
	keygenCount   int
	keygenKeysDir string
	keygenDBType  string
	keygenDBDSN   string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Pre-mint device identities into the key store and registry",
	Long: `Mint device identities ahead of a run so their public keys can be
	provisioned on the cloud out-of-band before the fleet first connects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenKeysDir == "" {
			return fmt.Errorf("the device keys directory (--keys-dir) is required")
		}
		dbCfg := DatabaseConfig{Type: keygenDBType, DSN: keygenDBDSN}
		store, err := dbCfg.getStore()
		if err != nil {
			return err
		}

		for i := 0; i < keygenCount; i++ {
			ident, err := device.LoadOrCreateIdentity(keygenKeysDir, "")
			if err != nil {
				return err
			}
			if err := store.Upsert(ident.IDHex(), keygenKeysDir+"/"+ident.IDHex()+".pem"); err != nil {
				return err
			}
			fmt.Println(ident.IDHex())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().IntVar(&keygenCount, "count", 1, "Number of identities to mint")
	keygenCmd.Flags().StringVar(&keygenKeysDir, "keys-dir", "", "Directory holding device private keys")
	keygenCmd.Flags().StringVar(&keygenDBType, "db-type", "sqlite", "Registry database type (sqlite or postgres)")
	keygenCmd.Flags().StringVar(&keygenDBDSN, "db-dsn", "", "Registry database DSN")
}
