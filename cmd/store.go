package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"mssql-recovery/internal/backup"

	"github.com/spf13/cobra"
)

func newStoreCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and prune artifacts shipped to the artifact store",
	}
	cmd.AddCommand(newStoreListCommand(a), newStorePruneCommand(a))
	return cmd
}

func newStoreListCommand(a *app) *cobra.Command {
	var database, format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List shipped artifacts of a database, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(format)
			if format != "table" && format != "json" {
				return backup.NewValidationError(fmt.Sprintf("unsupported format: %s", format), nil)
			}
			rm, err := a.retentionManager(cmd.Context())
			if err != nil {
				return err
			}
			artifacts, unclassified, err := rm.Inventory(cmd.Context(), database)
			if err != nil {
				return err
			}

			if format == "json" {
				encoder := json.NewEncoder(a.out.out)
				encoder.SetIndent("", "  ")
				return encoder.Encode(map[string]interface{}{
					"artifacts":    artifacts,
					"unclassified": unclassified,
				})
			}

			w := tabwriter.NewWriter(a.out.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tTYPE\tKEY")
			for _, art := range artifacts {
				fmt.Fprintf(w, "%s\t%s\t%s\n", art.CreatedAt.Local().Format("2006-01-02 15:04:05"), art.Type.DisplayName(), art.Key)
			}
			for _, key := range unclassified {
				fmt.Fprintf(w, "-\tUnknown\t%s\n", key)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&database, "database", "d", "", "database name")
	cmd.Flags().StringVarP(&format, "format", "o", "table", "output format (table or json)")
	cmd.MarkFlagRequired("database")
	return cmd
}

func newStorePruneCommand(a *app) *cobra.Command {
	var (
		database string
		dryRun   bool
		keep     int
		maxAge   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete shipped backup chains outside the retention policy",
		Long: `Delete shipped backup chains outside the retention policy.

A chain is a full backup with the differential and log backups taken after it.
Chains are kept or deleted whole, so a kept log backup never loses its full
backup. Artifacts without readable metadata are never deleted.

Examples:
  mssql-recovery store prune --database Sales --dry-run
  mssql-recovery store prune --database Sales --keep 3 --max-age 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("keep") {
				a.cfg.Retention.KeepChains = keep
			}
			if cmd.Flags().Changed("max-age") {
				a.cfg.Retention.MaxAge = maxAge
			}
			return a.runPrune(cmd.Context(), database, dryRun)
		},
	}
	cmd.Flags().StringVarP(&database, "database", "d", "", "database name")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be deleted")
	cmd.Flags().IntVar(&keep, "keep", 0, "number of newest chains to keep")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "also keep chains with an artifact newer than this")
	cmd.MarkFlagRequired("database")
	return cmd
}

func (a *app) retentionManager(ctx context.Context) (*backup.RetentionManager, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	if !a.cfg.Storage.Enabled() {
		return nil, backup.NewConfigurationError("no storage provider is configured", nil)
	}
	store, err := a.store(ctx)
	if err != nil {
		return nil, err
	}
	return backup.NewRetentionManager(store, a.recorder(), a.cfg.Retention, a.logger), nil
}

func (a *app) runPrune(parent context.Context, database string, dryRun bool) error {
	ctx, cancel := a.signalContext(parent)
	defer cancel()

	rm, err := a.retentionManager(ctx)
	if err != nil {
		return err
	}
	result, err := rm.Apply(ctx, database, dryRun)
	if result == nil {
		return err
	}

	verb := "Deleting"
	if dryRun {
		verb = "Would delete"
	}
	for _, c := range result.Plan.Delete {
		for _, art := range c.Artifacts {
			a.out.Plainf("%s %s (%s, %s)", verb, art.Key, art.Type.DisplayName(), art.CreatedAt.Local().Format(time.RFC3339))
		}
	}
	for _, key := range result.Plan.Unclassified {
		a.out.Warnf("Skipping %s: no readable metadata", key)
	}
	for _, e := range result.Errors {
		a.out.Errorf("%s", e)
	}
	if err != nil {
		return err
	}

	if dryRun {
		a.out.Infof("%d chains kept, %d artifacts would be deleted", len(result.Plan.Keep), result.Plan.DeleteCount())
		return nil
	}
	a.out.Successf("%d chains kept, %d files deleted", len(result.Plan.Keep), len(result.DeletedKeys))
	return nil
}
