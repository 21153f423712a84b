package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pilotd/pilot/internal/config"
	"github.com/pilotd/pilot/internal/session"
)

func newSessionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions on disk",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PILOT_CONFIG"), "path to configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions stored under the session root",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openSessionManager(configPath)
			if err != nil {
				return err
			}
			defer manager.Shutdown()

			sessions, err := manager.List(session.ListFile)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tMODEL\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.DisplayName, s.Provider, s.Settings.Model,
					s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := openSessionManager(configPath)
			if err != nil {
				return err
			}
			defer manager.Shutdown()

			if err := manager.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	})

	return cmd
}

func openSessionManager(configPath string) (*session.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return session.NewManager(session.Options{Root: cfg.Sessions.Root})
}
