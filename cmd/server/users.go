package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ptyhub/internal/identity"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List identities sessions may run as",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		users, err := identity.NewResolver(cfg.AllowedHomePrefix).List()
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "USER\tUID\tHOME")
		for _, u := range users {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", u.Username, u.UID, u.HomeDir)
		}
		return w.Flush()
	},
}
