package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhiscan-project/nhiscan/internal/identity"
	"github.com/nhiscan-project/nhiscan/internal/query"
)

// RegisterSearchCommand adds the query command.
func RegisterSearchCommand(root *cobra.Command) {
	var (
		requester string
		secure    bool
		useVault  bool
		direct    bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Collect a snapshot and answer a question about it",
		Long: `Search collects a fresh snapshot and answers the question over it.
Questions matching a built-in check (credential age, rotation, MFA,
admin access, listings) are answered locally; anything else goes to the
configured model, which sees a bounded text summary of the snapshot.

With --as the question is answered from that user's point of view.
With --secure, collection uses that user's own credentials; comparative
questions are refused in this mode because they need account-wide data.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secure && requester == "" {
				return fmt.Errorf("--secure requires --as")
			}
			queryText := strings.Join(args, " ")

			application, err := newApp(appOptions{
				secureMode:  secure,
				principalID: requester,
				useVault:    useVault,
				directOnly:  direct,
			})
			if err != nil {
				return err
			}
			defer application.Close()

			ctx := context.Background()
			if err := application.preflight(ctx); err != nil {
				return err
			}
			scope := identity.Scope{}
			if secure {
				scope = identity.ScopePrincipal(requester)
			}

			snap, errs := application.collector.Collect(ctx, scope)
			for _, err := range errs {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}

			result, err := application.engine.Search(ctx, snap, queryText, requester, secure)
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(result)
			}
			printResult(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&requester, "as", "", "answer from this IAM user's point of view")
	cmd.Flags().BoolVar(&secure, "secure", false, "use the requester's own credentials (requires --as)")
	cmd.Flags().BoolVar(&useVault, "use-vault", false, "merge per-user credentials from the local vault")
	cmd.Flags().BoolVar(&direct, "direct", false, "skip the MCP tool server and call the API directly")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")

	root.AddCommand(cmd)
}

func printResult(result query.Result) {
	if result.Narrative != "" {
		fmt.Println(result.Narrative)
		return
	}
	if len(result.Findings) == 0 {
		fmt.Printf("No findings (check: %s).\n", result.MatchedCheck)
		return
	}
	fmt.Printf("%d finding(s) (check: %s)\n\n", len(result.Findings), result.MatchedCheck)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tTITLE\tDESCRIPTION")
	for _, f := range result.Findings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Status, f.Title, f.Description)
	}
	w.Flush()

	for _, f := range result.Findings {
		if ranking, ok := f.Metadata["ranking"].([]string); ok {
			fmt.Println("\nRanking:")
			for _, line := range ranking {
				fmt.Println("  " + line)
			}
		}
	}
}
