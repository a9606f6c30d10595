package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nhiscan-project/nhiscan/internal/identity"
)

// RegisterAskCommand adds the open-ended analysis command.
func RegisterAskCommand(root *cobra.Command) {
	var (
		direct bool
		enrich bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the model an open-ended question about the account's identities",
		Long: `Ask collects a fresh snapshot and sends the question to the configured
model together with a bounded summary of the snapshot. Requires
OPENAI_API_KEY. For questions with a built-in answer, prefer 'search'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := newApp(appOptions{directOnly: direct})
			if err != nil {
				return err
			}
			defer application.Close()

			ctx := context.Background()
			if err := application.preflight(ctx); err != nil {
				return err
			}
			snap, errs := application.collector.Collect(ctx, identity.Scope{})
			for _, err := range errs {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			if snap != nil && enrich {
				for _, err := range application.collector.Enrich(ctx, snap) {
					fmt.Fprintf(os.Stderr, "warning: %v\n", err)
				}
			}

			answer, err := application.engine.Ask(ctx, snap, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(answer)
			return nil
		},
	}

	cmd.Flags().BoolVar(&direct, "direct", false, "skip the MCP tool server and call the API directly")
	cmd.Flags().BoolVar(&enrich, "enrich", false, "enrich the snapshot before asking")

	root.AddCommand(cmd)
}
