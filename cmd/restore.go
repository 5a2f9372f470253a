package cmd

import (
	"context"
	"fmt"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/engine"
	"mssql-recovery/internal/history"

	"github.com/spf13/cobra"
)

type restoreFlags struct {
	database     string
	files        []string
	full         string
	differential string
	logs         []string
	auto         bool
	finalize     string
	noRecovery   bool
	noFileCheck  bool
	dryRun       bool
	yes          bool
}

func newRestoreCommand(a *app) *cobra.Command {
	f := &restoreFlags{}
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a database from full, differential and log backups",
		Long: `Restore a database from any combination of backup artifacts.

Files given with --file are classified from their filename or metadata sidecar,
and with --auto also from the backup header read by the server. Files given
with --full, --differential or --log skip classification. Steps always run
full first, then differential, then logs in the order given.

Artifacts may be local paths, compressed or encrypted files, or store://<key>
references to the configured artifact store. Encrypted artifacts use the
configured key or prompt for a passphrase. Staged copies must be readable by the server.

With --finalize as_configured every step uses the same recovery setting, so a
sequence of more than one step only works together with --no-recovery.

Examples:
  mssql-recovery restore --database Sales --auto \
    --file Sales_full.bak --file Sales_diff.bak --file Sales_0100.trn
  mssql-recovery restore --database Sales --full Sales_full.bak --log Sales_0100.trn --log Sales_0200.trn
  mssql-recovery restore --database Sales --file store://Sales/Sales_full.bak.zst --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRestore(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.database, "database", "d", "", "target database name")
	flags.StringArrayVarP(&f.files, "file", "f", nil, "artifact to classify and restore (repeatable)")
	flags.StringVar(&f.full, "full", "", "full backup artifact")
	flags.StringVar(&f.differential, "differential", "", "differential backup artifact")
	flags.StringArrayVar(&f.logs, "log", nil, "transaction log backup artifact (repeatable)")
	flags.BoolVar(&f.auto, "auto", false, "read backup headers from the server when classifying --file artifacts")
	flags.StringVar(&f.finalize, "finalize", "", "which steps recover the database: last_step or as_configured")
	flags.BoolVar(&f.noRecovery, "no-recovery", false, "leave the database restoring (with --finalize as_configured)")
	flags.BoolVar(&f.noFileCheck, "no-file-check", false, "do not check that artifacts exist locally")
	flags.BoolVar(&f.dryRun, "dry-run", false, "print the restore plan without running it")
	flags.BoolVarP(&f.yes, "yes", "y", false, "do not ask before overwriting the database")
	cmd.MarkFlagRequired("database")
	return cmd
}

func (f *restoreFlags) refs() []string {
	var refs []string
	if f.full != "" {
		refs = append(refs, f.full)
	}
	if f.differential != "" {
		refs = append(refs, f.differential)
	}
	refs = append(refs, f.logs...)
	return append(refs, f.files...)
}

func (f *restoreFlags) count() int {
	return len(f.refs())
}

func (f *restoreFlags) anyEncrypted() bool {
	for _, ref := range f.refs() {
		if backup.IsEncrypted(ref) {
			return true
		}
	}
	return false
}

func (a *app) runRestore(parent context.Context, f *restoreFlags) error {
	if f.count() == 0 {
		return backup.NewValidationError("no artifacts given: use --file, --full, --differential or --log", nil)
	}
	policy := a.cfg.FinalizePolicy()
	if f.finalize != "" {
		p, ok := backup.ParseFinalizePolicy(f.finalize)
		if !ok {
			return backup.NewValidationError(fmt.Sprintf("invalid --finalize value %q", f.finalize), nil)
		}
		policy = p
	}
	var encryptor *backup.Encryptor
	if f.anyEncrypted() {
		var err error
		if encryptor, err = a.encryptor(false); err != nil {
			return err
		}
	}
	if err := a.validate(); err != nil {
		return err
	}

	ctx, cancel := a.signalContext(parent)
	defer cancel()

	recorder := a.recorder()
	var store backup.ArtifactStore
	if a.cfg.Storage.Enabled() {
		s, err := a.store(ctx)
		if err != nil {
			return err
		}
		store = s
	}
	stager := backup.NewStager(store, recorder, a.cfg.Recovery.StagingDir, a.logger)
	stager.SetEncryptor(encryptor)

	restoreOpts := []backup.OperationOption{
		backup.WithLogger(a.logger),
		backup.WithKeepRestoring(f.noRecovery),
	}
	if f.noFileCheck || !a.cfg.Recovery.VerifyFiles {
		restoreOpts = append(restoreOpts, backup.WithoutFileCheck())
	}
	job, err := backup.NewRecoveryJob(f.database,
		backup.WithFinalizePolicy(policy),
		backup.WithJobLogger(a.logger),
		backup.WithClassifier(backup.NewClassifier(recorder, a.logger)),
		backup.WithRestoreOptions(restoreOpts...),
	)
	if err != nil {
		return err
	}

	// A dry run connects only when headers must be read.
	var server engine.Server
	if f.auto || !f.dryRun {
		s, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		server = s
	}
	var classifyWith engine.Server
	if f.auto {
		classifyWith = server
	}

	var cleanups []func()
	stage := func(ref string) (string, error) {
		local, cleanup, err := stager.Stage(ctx, ref)
		if err != nil {
			return "", err
		}
		cleanups = append(cleanups, cleanup)
		return local, nil
	}
	defer func() {
		for _, c := range cleanups {
			c()
		}
	}()

	if f.full != "" {
		path, err := stage(f.full)
		if err != nil {
			return err
		}
		if err := job.AddFullRestore(path); err != nil {
			return err
		}
	}
	if f.differential != "" {
		path, err := stage(f.differential)
		if err != nil {
			return err
		}
		if err := job.AddDifferentialRestore(path); err != nil {
			return err
		}
	}
	for _, ref := range f.logs {
		path, err := stage(ref)
		if err != nil {
			return err
		}
		if err := job.AddTransactionLogRestore(path); err != nil {
			return err
		}
	}
	for _, ref := range f.files {
		path, err := stage(ref)
		if err != nil {
			return err
		}
		kind, err := job.AddRestoreByFile(ctx, path, classifyWith)
		if err != nil {
			return err
		}
		a.out.Infof("%s: %s", ref, kind.DisplayName())
	}

	a.printPlan(job)
	if policy == backup.FinalizeAsConfigured && !f.noRecovery && len(job.Operations()) > 1 {
		a.out.Warnf("Every step recovers %s under as_configured; the server will reject step 2. Use --no-recovery or --finalize last_step.", f.database)
	}
	if f.dryRun {
		return nil
	}
	ok, err := a.confirmRestore(ctx, job, f.yes)
	if err != nil {
		if ctx.Err() != nil {
			return backup.NewCancellationError("restore cancelled before it started", err)
		}
		return err
	}
	if !ok {
		a.out.Warnf("Restore of %s cancelled", f.database)
		return nil
	}

	auditLog, err := a.backupLogger()
	if err != nil {
		return err
	}
	defer auditLog.Close()
	ctx = auditLog.Context(ctx)

	runs, err := a.openHistory()
	if err != nil {
		return err
	}
	defer runs.Close()

	steps := job.Plan()
	files := make([]string, len(steps))
	for i, step := range steps {
		files[i] = step.Operation.ArtifactPath()
	}
	run := runs.start(ctx, history.Run{
		Kind:          history.KindRecovery,
		Database:      f.database,
		Files:         files,
		CorrelationID: auditLog.GetCorrelationID(),
	})
	done := auditLog.LogRecoveryStart(ctx, job)

	events, unsubscribe := job.Subscribe()
	printed := a.out.Follow(events)

	runErr := job.Execute(ctx, server)
	unsubscribe()
	<-printed
	done(runErr)
	runs.finish(run, runErr)

	if runErr != nil {
		return runErr
	}
	a.out.Successf("Restore of %s completed (%d steps)", f.database, len(steps))
	return nil
}

func (a *app) printPlan(job *backup.RecoveryJob) {
	a.out.Infof("Restore plan for %s (finalize: %s)", job.DatabaseName(), job.Policy())
	for _, step := range job.Plan() {
		state := "recover"
		if step.KeepRestoring {
			state = "keep restoring"
		}
		a.out.Plainf("  %d. %-15s %s [%s]", step.Index, step.Operation.ArtifactType().DisplayName(),
			step.Operation.ArtifactPath(), state)
	}
}
