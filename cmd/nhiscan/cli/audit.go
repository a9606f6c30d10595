package cli

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhiscan-project/nhiscan/internal/audit"
	"github.com/nhiscan-project/nhiscan/internal/config"
)

// RegisterAuditCommands adds audit log inspection commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the local audit log",
	}

	auditCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log's hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.AuditDBPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Println("No audit log yet.")
				return nil
			}
			db, err := sql.Open("sqlite3", path)
			if err != nil {
				return fmt.Errorf("opening audit log: %w", err)
			}
			defer db.Close()

			ok, records, err := audit.Verify(db)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit log hash chain is BROKEN (checked %d records)", records)
			}
			fmt.Printf("Audit log intact: %d records verified.\n", records)
			return nil
		},
	})

	root.AddCommand(auditCmd)
}
