package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/registry"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	return cmd
}

// openScheduler opens the same database run uses and builds a Scheduler
// against it, for one-shot CLI operations.
func openScheduler() (*store.DB, *scheduler.Scheduler, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "goclaw.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	reg := registry.New(db)
	return db, scheduler.New(db, reg, nil), nil
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, sched, err := openScheduler()
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := sched.ListJobs(context.Background())
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("no scheduled jobs")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCRON\tCHANNEL\tTIMEZONE")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Name, j.CronExpr, j.ChannelID, j.Timezone)
			}
			return w.Flush()
		},
	}
}

func cronAddCmd() *cobra.Command {
	var prompt, channelID, timezone string
	cmd := &cobra.Command{
		Use:   "add <name> <cron-expr>",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, sched, err := openScheduler()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := sched.AddJob(context.Background(), args[0], args[1], prompt, channelID, timezone); err != nil {
				return fmt.Errorf("add job: %w", err)
			}
			fmt.Printf("job %q scheduled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt to run when the job fires")
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id to deliver the reply to (empty = no delivery)")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone for the cron expression")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, sched, err := openScheduler()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := sched.RemoveJob(context.Background(), args[0]); err != nil {
				return fmt.Errorf("remove job: %w", err)
			}
			fmt.Printf("job %q removed\n", args[0])
			return nil
		},
	}
}
