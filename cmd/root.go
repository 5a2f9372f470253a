package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/config"
	"mssql-recovery/internal/engine/sqlserver"
	apperrors "mssql-recovery/internal/errors"
	"mssql-recovery/internal/history"
	"mssql-recovery/internal/logging"

	"github.com/spf13/cobra"
)

// skipConfig marks commands that run without loading the configuration
const skipConfig = "skip-config"

// app is the state shared by all commands of one invocation
type app struct {
	cfgFile string
	verbose bool
	quiet   bool
	noColor bool

	cfg    *config.Config
	logger *logging.Logger
	out    *printer
}

// Execute adds all child commands to the root command and runs it.
// This is called by main.main().
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, apperrors.FormatUserError(err))
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "mssql-recovery",
		Short: "Back up and restore SQL Server databases from full, differential and log backups",
		Long: `mssql-recovery runs full, differential and transaction log backups against a
SQL Server instance and restores databases from any combination of those
artifacts in the correct order.

Every backup writes a metadata sidecar next to the artifact so later restores
can tell its type. Artifacts can be compressed and shipped to a local
directory, S3, Azure Blob Storage or Google Cloud Storage.

Examples:
  # Full backup
  mssql-recovery backup full --database Sales --file /var/opt/mssql/backup/Sales_full.bak

  # Restore a chain, classifying each file
  mssql-recovery restore --database Sales --auto \
    --file Sales_full.bak --file Sales_diff.bak --file Sales_log_0100.trn

  # Restore an artifact shipped offsite
  mssql-recovery restore --database Sales --auto --file store://Sales/Sales_full.bak.zst`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return a.logger.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./"+config.DefaultFileName+" when present)")
	flags.String("host", "", "SQL Server host")
	flags.Int("port", 0, "SQL Server port (default 1433)")
	flags.String("instance", "", "named instance")
	flags.String("user", "", "login name")
	flags.String("password", "", "login password")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("audit-file", "", "append a JSON audit trail to this file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "suppress non-error output")
	flags.BoolVar(&a.noColor, "no-color", false, "disable color output")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		newBackupCommand(a),
		newRestoreCommand(a),
		newClassifyCommand(a),
		newHistoryCommand(a),
		newStoreCommand(a),
		newConfigCommand(a),
		newVersionCommand(),
	)
	return root
}

var flagKeys = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"instance":   "server.instance",
	"user":       "server.username",
	"password":   "server.password",
	"log-file":   "logging.file",
	"audit-file": "logging.audit_file",
}

func (a *app) init(cmd *cobra.Command) error {
	a.out = newPrinter(cmd.OutOrStdout(), a.noColor, a.quiet)
	if cmd.Annotations[skipConfig] == "true" {
		a.logger = logging.NewNopLogger()
		return nil
	}

	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}
	switch {
	case a.verbose:
		cfg.Logging.Level = string(logging.LogLevelVerbose)
	case a.quiet:
		cfg.Logging.Level = string(logging.LogLevelQuiet)
	}
	a.cfg = cfg

	logger, err := logging.NewLogger(cfg.LoggerConfig())
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// validate rejects an unusable configuration before any engine call
func (a *app) validate() error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM
func (a *app) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return apperrors.NewGracefulShutdownHandler().Start(parent)
}

func (a *app) connect(ctx context.Context) (*sqlserver.Server, error) {
	server, err := sqlserver.Connect(ctx, a.cfg.SQLServer(), a.logger)
	if err != nil {
		return nil, apperrors.NewErrorClassifier().ClassifyError(err)
	}
	return server, nil
}

func (a *app) recorder() *backup.MetadataRecorder {
	return backup.NewMetadataRecorder(
		backup.WithMetadataSuffix(a.cfg.Metadata.Suffix),
		backup.WithRecorderLogger(a.logger),
	)
}

func (a *app) store(ctx context.Context) (backup.ArtifactStore, error) {
	return backup.NewArtifactStore(ctx, a.cfg.Storage)
}

func (a *app) backupLogger() (*backup.BackupLogger, error) {
	return backup.NewBackupLogger(backup.BackupLoggerConfig{
		Logger:       a.logger,
		AuditLogFile: a.cfg.Logging.AuditFile,
	})
}

// openHistory returns a recorder for run outcomes. Nothing is stored when
// history is disabled, but notifications are still sent.
func (a *app) openHistory() (*runRecorder, error) {
	r := &runRecorder{
		notifier: backup.NewNotifier(a.cfg.Notifications, a.logger),
		logger:   a.logger,
	}
	if !a.cfg.History.Enabled {
		return r, nil
	}
	store, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return nil, err
	}
	r.store = store
	return r, nil
}

// runRecorder writes run history and sends notifications, logging rather than
// failing a job when either is unavailable
type runRecorder struct {
	store    *history.Store
	notifier *backup.Notifier
	logger   *logging.Logger
}

type trackedRun struct {
	id      string
	run     history.Run
	started time.Time
}

func (r *runRecorder) start(ctx context.Context, run history.Run) *trackedRun {
	t := &trackedRun{run: run, started: time.Now()}
	if r.store == nil {
		return t
	}
	id, err := r.store.Start(ctx, run)
	if err != nil {
		r.logger.WithField("error", err.Error()).Warn("Could not record run history")
		return t
	}
	t.id = id
	return t
}

func (r *runRecorder) finish(t *trackedRun, runErr error) {
	status := history.StatusOf(runErr)
	if backup.IsCancellation(runErr) {
		status = history.StatusCanceled
	}
	if r.store != nil && t.id != "" {
		if err := r.store.Finish(context.Background(), t.id, status, runErr); err != nil {
			r.logger.WithField("error", err.Error()).Warn("Could not record run outcome")
		}
	}

	report := backup.RunReport{
		Kind:          string(t.run.Kind),
		Database:      t.run.Database,
		Files:         t.run.Files,
		Status:        string(status),
		CorrelationID: t.run.CorrelationID,
		StartedAt:     t.started,
		Duration:      time.Since(t.started),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.notifier.Notify(ctx, report); err != nil {
		r.logger.WithField("error", err.Error()).Warn("Could not send notification")
	}
}

func (r *runRecorder) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
