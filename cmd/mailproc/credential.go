package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-mailproc/internal/credential"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage mailbox passwords in the system keyring",
	Long: `Passwords stored here are looked up by the credential_key setting of the
imap, pop3 and smtp sections instead of the plaintext password.`,
}

var credentialSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a secret read from stdin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && secret == "" {
			return fmt.Errorf("read secret: %w", err)
		}
		secret = strings.TrimRight(secret, "\r\n")
		if secret == "" {
			return errors.New("empty secret")
		}
		r, err := credential.Open(keyringDirFlag)
		if err != nil {
			return err
		}
		if err := r.Store(args[0], secret); err != nil {
			return err
		}
		fmt.Printf("stored %s\n", args[0])
		return nil
	},
}

var credentialDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := credential.Open(keyringDirFlag)
		if err != nil {
			return err
		}
		return r.Delete(args[0])
	},
}

var keyringDirFlag string

func init() {
	credentialCmd.PersistentFlags().StringVar(&keyringDirFlag, "keyring-dir", "", "Directory for the encrypted file backend")
	credentialCmd.AddCommand(credentialSetCmd, credentialDeleteCmd)
	rootCmd.AddCommand(credentialCmd)
}
