package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ptyhub/internal/logging"
	"ptyhub/internal/session"
	"ptyhub/internal/store"
)

var sessionsStatus string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions in the registry",
	Long:  "List the session records stored in the SQLite registry, newest first.",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "only show sessions with this status")
	sessionsCmd.Flags().StringVar(&serveFlags.db, "db", "", "SQLite session registry path")
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DBPath == "" {
		return errors.New("no db_path configured; in-memory sessions are only visible to the running server")
	}

	status := session.Status(sessionsStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", sessionsStatus)
	}

	db, err := store.Open(store.Config{Path: cfg.DBPath, PoolSize: 1, Logger: logging.Discard()})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var records []*session.Session
	if status != "" {
		records, err = db.ListByStatus(ctx, status)
	} else {
		records, err = db.List(ctx)
	}
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPID\tUSER\tCREATED\tDIR")
	for _, s := range records {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID[:min(8, len(s.ID))], s.Name, s.Status, pid, s.RunAsIdentity,
			s.CreatedAt.Local().Format(time.DateTime), s.WorkingDirectory)
	}
	return w.Flush()
}
