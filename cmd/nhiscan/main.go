// nhiscan — non-human identity discovery and analysis for AWS IAM.
package main

import (
	"fmt"
	"os"

	"github.com/nhiscan-project/nhiscan/cmd/nhiscan/cli"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "nhiscan",
		Short: "nhiscan — non-human identity discovery and analysis for AWS IAM",
		Long: `nhiscan inventories the non-human identities of an AWS account — IAM users,
roles, groups and their access keys — and answers questions about them:
credential age, rotation hygiene, missing MFA, privilege concentration.

Collection runs through an IAM MCP tool server when one is available and
falls back to direct API calls otherwise. Results are always computed from
a fresh snapshot; nothing is persisted between runs.`,
		Version:      version,
		SilenceUsage: true,
	}

	cli.RegisterCollectCommand(rootCmd)
	cli.RegisterSearchCommand(rootCmd)
	cli.RegisterAskCommand(rootCmd)
	cli.RegisterCredsCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
