package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhiscan-project/nhiscan/internal/identity"
)

// RegisterCollectCommand adds the snapshot collection command.
func RegisterCollectCommand(root *cobra.Command) {
	var (
		user     string
		secure   bool
		useVault bool
		direct   bool
		enrich   bool
		output   string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect a fresh snapshot of IAM identities and access keys",
		Long: `Collect enumerates IAM users, roles, groups and access keys into an
in-memory snapshot. With --user the snapshot covers that user only; with
--secure, collection runs under that user's own credentials instead of
the shared ones. --enrich additionally fetches policies, MFA and console
status, and key last-used timestamps.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secure && user == "" {
				return fmt.Errorf("--secure requires --user")
			}
			application, err := newApp(appOptions{
				secureMode:  secure,
				principalID: user,
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
			if user != "" {
				scope = identity.ScopePrincipal(user)
			}

			snap, errs := application.collector.Collect(ctx, scope)
			if snap == nil {
				for _, err := range errs {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				return fmt.Errorf("collection failed")
			}
			if enrich {
				errs = append(errs, application.collector.Enrich(ctx, snap)...)
			}
			for _, err := range errs {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}

			if output != "" {
				if err := writeSnapshot(snap, output); err != nil {
					return err
				}
				fmt.Printf("Snapshot written to %s\n", output)
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(snap)
			}
			printSnapshotSummary(snap, len(errs))
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "collect a single IAM user instead of the whole account")
	cmd.Flags().BoolVar(&secure, "secure", false, "use the named user's own credentials (requires --user)")
	cmd.Flags().BoolVar(&useVault, "use-vault", false, "merge per-user credentials from the local vault")
	cmd.Flags().BoolVar(&direct, "direct", false, "skip the MCP tool server and call the API directly")
	cmd.Flags().BoolVar(&enrich, "enrich", false, "fetch extended attributes (policies, MFA, last-used)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the snapshot as JSON to a file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")

	root.AddCommand(cmd)
}

func writeSnapshot(snap *identity.Snapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

func printSnapshotSummary(snap *identity.Snapshot, warnings int) {
	users, roles, groups, keys := snap.Counts()
	fmt.Printf("Collection %s (%s)\n", snap.RunID, snap.CollectedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  Scope: %s\n", snap.Scope)
	fmt.Printf("  Users: %d  Roles: %d  Groups: %d  Access keys: %d\n", users, roles, groups, keys)
	if snap.Enriched {
		fmt.Println("  Enriched: yes")
	}
	if warnings > 0 {
		fmt.Printf("  Warnings: %d (see stderr)\n", warnings)
	}

	if len(snap.Principals) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nKIND\tNAME\tARN\tKEYS")
	for _, p := range snap.Principals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Kind, p.ID, p.ARN, len(snap.CredentialsFor(p.ID)))
	}
	w.Flush()
}
