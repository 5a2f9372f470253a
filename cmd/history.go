package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/history"

	"github.com/spf13/cobra"
)

type historyFlags struct {
	database string
	kind     string
	status   string
	since    time.Duration
	limit    int
	format   string
}

func newHistoryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded backup and restore runs",
	}

	f := &historyFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Long: `List backup runs and recovery jobs recorded in the history database.

Examples:
  mssql-recovery history list --database Sales --limit 10
  mssql-recovery history list --status failed --since 24h --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runHistoryList(cmd.Context(), f)
		},
	}
	flags := list.Flags()
	flags.StringVarP(&f.database, "database", "d", "", "only runs for this database")
	flags.StringVar(&f.kind, "kind", "", "only runs of this kind (backup_full, backup_differential, backup_log, recovery)")
	flags.StringVar(&f.status, "status", "", "only runs with this status (running, succeeded, failed, canceled)")
	flags.DurationVar(&f.since, "since", 0, "only runs started within this duration")
	flags.IntVar(&f.limit, "limit", 20, "maximum number of runs (0 for all)")
	flags.StringVarP(&f.format, "format", "o", "table", "output format (table or json)")

	cmd.AddCommand(list)
	return cmd
}

func (a *app) runHistoryList(ctx context.Context, f *historyFlags) error {
	format := strings.ToLower(f.format)
	if format != "table" && format != "json" {
		return backup.NewValidationError(fmt.Sprintf("unsupported format: %s", f.format), nil)
	}
	if !a.cfg.History.Enabled {
		return backup.NewConfigurationError("run history is disabled in the configuration", nil)
	}

	store, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := history.Filter{
		Kind:     history.Kind(f.kind),
		Database: f.database,
		Status:   history.Status(f.status),
		Limit:    f.limit,
	}
	if f.since > 0 {
		filter.Since = time.Now().Add(-f.since)
	}
	runs, err := store.List(ctx, filter)
	if err != nil {
		return err
	}

	if format == "json" {
		encoder := json.NewEncoder(a.out.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(runs)
	}
	return a.printRuns(runs)
}

func (a *app) printRuns(runs []*history.Run) error {
	if len(runs) == 0 {
		a.out.Infof("No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(a.out.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tDATABASE\tSTATUS\tDURATION\tFILES\tERROR")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Millisecond).String()
		}
		errText := r.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Kind, r.Database, r.Status, duration, len(r.Files), errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	a.out.Infof("Total runs: %d", len(runs))
	return nil
}
