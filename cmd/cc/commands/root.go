// Package commands implements the cc CLI: a small, deliberately
// throwaway harness driving corecrypto.Instance through the scenarios
// spec.md §8 describes, for manual exercise of the engine -- not a
// production DS client. Every subcommand opens fresh Instances under
// --home and discards them; nothing here is meant to survive a reboot.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	home       string
	passphrase string
)

func Execute() error {
	root := &cobra.Command{
		Use:   "cc",
		Short: "Exercise the core-crypto-go engine end to end",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.MkdirTemp("", "cc-demo-*")
				if err != nil {
					return err
				}
				home = dir
			}
			return os.MkdirAll(home, 0o700)
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "directory for demo keystores (default: a fresh temp dir)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "demo-passphrase", "keystore passphrase")

	root.AddCommand(mlsDemoCmd(), proteusDemoCmd(), e2eiDemoCmd())
	return root.Execute()
}

func dbPath(name string) string {
	return filepath.Join(home, name+".db")
}
