package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhiscan-project/nhiscan/internal/config"
	"github.com/nhiscan-project/nhiscan/internal/vault"
	"golang.org/x/term"
)

// RegisterCredsCommands adds per-user credential vault management.
func RegisterCredsCommands(root *cobra.Command) {
	credsCmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage per-user credentials in the local vault",
		Long: `The vault stores per-user access keys for secure-mode collection,
encrypted with a passphrase. The same keys can alternatively be supplied
through AWS_USER_<NAME>_KEY / AWS_USER_<NAME>_SECRET environment pairs;
environment entries take precedence over vault entries.`,
	}

	credsCmd.AddCommand(newCredsSetCmd())
	credsCmd.AddCommand(newCredsListCmd())
	credsCmd.AddCommand(newCredsRemoveCmd())

	root.AddCommand(credsCmd)
}

// maskAccessKey keeps only the edges of an access key id for display.
// Keys too short to mask safely are hidden entirely.
func maskAccessKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// openOrCreateVault opens the vault, creating it on first use.
func openOrCreateVault() (*vault.Vault, error) {
	path := config.VaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Creating vault at %s\n", path)
		passphrase, err := readPassphrase("New vault passphrase: ")
		if err != nil {
			return nil, err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return nil, err
		}
		if passphrase != confirm {
			return nil, fmt.Errorf("passphrases do not match")
		}
		return vault.Create(path, passphrase)
	}
	passphrase, err := readPassphrase("Vault passphrase: ")
	if err != nil {
		return nil, err
	}
	return vault.Open(path, passphrase)
}

func newCredsSetCmd() *cobra.Command {
	var (
		accessKey string
		secretKey string
	)

	cmd := &cobra.Command{
		Use:   "set <user>",
		Short: "Store an IAM user's access key pair in the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := args[0]
			if accessKey == "" {
				return fmt.Errorf("--access-key is required")
			}
			if secretKey == "" {
				fmt.Fprint(os.Stderr, "Enter secret access key: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				if err != nil {
					return fmt.Errorf("reading secret key: %w", err)
				}
				fmt.Fprintln(os.Stderr)
				secretKey = string(raw)
			}

			v, err := openOrCreateVault()
			if err != nil {
				return err
			}
			defer v.Close()

			if err := v.PutPrincipalKeys(user, config.KeyPair{
				AccessKeyID:     accessKey,
				SecretAccessKey: secretKey,
			}); err != nil {
				return err
			}
			if err := v.Save(); err != nil {
				return err
			}

			fmt.Printf("Stored credentials for %s (%s)\n", user, maskAccessKey(accessKey))
			return nil
		},
	}

	cmd.Flags().StringVar(&accessKey, "access-key", "", "access key id")
	cmd.Flags().StringVar(&secretKey, "secret-key", "", "secret access key (prompted when omitted)")
	return cmd
}

func newCredsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users with vault-stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.VaultPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No vault; nothing stored.")
				return nil
			}
			passphrase, err := readPassphrase("Vault passphrase: ")
			if err != nil {
				return err
			}
			v, err := vault.Open(path, passphrase)
			if err != nil {
				return err
			}
			defer v.Close()

			users := v.Principals()
			if len(users) == 0 {
				fmt.Println("Vault holds no per-user credentials.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tACCESS KEY")
			for _, user := range users {
				pair, err := v.PrincipalKeys(user)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", user, maskAccessKey(pair.AccessKeyID))
			}
			return w.Flush()
		},
	}
}

func newCredsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <user>",
		Short: "Remove a user's credentials from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase, err := readPassphrase("Vault passphrase: ")
			if err != nil {
				return err
			}
			v, err := vault.Open(config.VaultPath(), passphrase)
			if err != nil {
				return err
			}
			defer v.Close()

			if err := v.DeletePrincipalKeys(args[0]); err != nil {
				return err
			}
			if err := v.Save(); err != nil {
				return err
			}
			fmt.Printf("Removed credentials for %s\n", args[0])
			return nil
		},
	}
}
