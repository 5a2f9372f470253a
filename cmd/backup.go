package cmd

import (
	"context"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/history"

	"github.com/spf13/cobra"
)

type backupFlags struct {
	database string
	file     string
	ship     bool
	compress string
	encrypt  bool
}

func newBackupCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a full, differential or transaction log backup",
		Long: `Run a backup against the configured SQL Server instance.

The artifact is written by the server, so --file is a path on the server host.
A metadata sidecar recording the backup type is written next to it.

Examples:
  mssql-recovery backup full --database Sales --file /backups/Sales_full.bak
  mssql-recovery backup differential --database Sales --file /backups/Sales_diff.bak
  mssql-recovery backup log --database Sales --file /backups/Sales_0100.trn --ship
  mssql-recovery backup full --database Sales --file /backups/Sales_full.bak --ship --compress zstd --encrypt`,
	}

	cmd.AddCommand(
		newBackupKindCommand(a, backup.ArtifactFull, "full", "Back up the whole database"),
		newBackupKindCommand(a, backup.ArtifactDifferential, "differential", "Back up changes since the last full backup"),
		newBackupKindCommand(a, backup.ArtifactTransactionLog, "log", "Back up the transaction log"),
	)
	return cmd
}

func newBackupKindCommand(a *app, kind backup.ArtifactType, use, short string) *cobra.Command {
	f := &backupFlags{}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBackup(cmd.Context(), kind, f)
		},
	}

	cmd.Flags().StringVarP(&f.database, "database", "d", "", "database name")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "backup file path on the server host")
	cmd.Flags().BoolVar(&f.ship, "ship", false, "upload the artifact and sidecar to the configured store")
	cmd.Flags().StringVar(&f.compress, "compress", "", "compress before shipping (gzip, lz4, zstd or none)")
	cmd.Flags().BoolVar(&f.encrypt, "encrypt", false, "encrypt before shipping, prompting for a passphrase when no key is configured")
	cmd.MarkFlagRequired("database")
	cmd.MarkFlagRequired("file")
	return cmd
}

func historyKind(kind backup.ArtifactType) history.Kind {
	switch kind {
	case backup.ArtifactDifferential:
		return history.KindDifferentialBackup
	case backup.ArtifactTransactionLog:
		return history.KindLogBackup
	default:
		return history.KindFullBackup
	}
}

func (a *app) runBackup(parent context.Context, kind backup.ArtifactType, f *backupFlags) error {
	if f.compress != "" {
		algorithm, err := backup.ParseCompressionType(f.compress)
		if err != nil {
			return err
		}
		a.cfg.Compression.Enabled = algorithm != backup.CompressionTypeNone
		a.cfg.Compression.Algorithm = algorithm
	}
	if f.ship && !a.cfg.Storage.Enabled() {
		return backup.NewConfigurationError("--ship needs a storage provider in the configuration", nil)
	}
	var encryptor *backup.Encryptor
	if f.encrypt || a.cfg.Encryption.Enabled {
		a.cfg.Encryption.Enabled = true
		var err error
		if encryptor, err = a.encryptor(true); err != nil {
			return err
		}
	}
	if err := a.validate(); err != nil {
		return err
	}

	ctx, cancel := a.signalContext(parent)
	defer cancel()

	recorder := a.recorder()
	op, err := backup.NewBackup(kind, f.database, f.file,
		backup.WithLogger(a.logger),
		backup.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	opts := []backup.PipelineOption{
		backup.WithPipelineRecorder(recorder),
		backup.WithCompression(a.cfg.Compression),
	}
	if encryptor != nil {
		opts = append(opts, backup.WithEncryption(encryptor))
	}
	if f.ship {
		store, err := a.store(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, backup.WithStore(store))
	}
	auditLog, err := a.backupLogger()
	if err != nil {
		return err
	}
	defer auditLog.Close()
	opts = append(opts, backup.WithBackupLogger(auditLog))

	runs, err := a.openHistory()
	if err != nil {
		return err
	}
	defer runs.Close()

	server, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer server.Close()

	run := runs.start(ctx, history.Run{
		Kind:          historyKind(kind),
		Database:      f.database,
		Files:         []string{f.file},
		CorrelationID: auditLog.GetCorrelationID(),
	})

	events, unsubscribe := op.Subscribe()
	done := a.out.Follow(events)
	a.out.Infof("Starting %s of %s to %s", kind.DisplayName(), f.database, f.file)

	result, runErr := backup.NewPipeline(opts...).Run(ctx, server, op)
	unsubscribe()
	<-done
	runs.finish(run, runErr)

	if result != nil {
		if result.SidecarPath != "" {
			a.out.Infof("Metadata written to %s", result.SidecarPath)
		}
		if result.Stats != nil {
			a.out.Infof("Compressed to %s (%.1f%% of original)", result.CompressedPath, result.Stats.CompressionRatio*100)
		}
		if result.Encryption != nil {
			a.out.Infof("Encrypted to %s (%s, %s)", result.EncryptedPath, result.Encryption.Algorithm, result.Encryption.KeyDerivation)
		}
		for _, location := range result.Locations {
			a.out.Infof("Shipped %s", location)
		}
	}
	if runErr != nil {
		if backup.IsMetadataError(runErr) {
			a.out.Warnf("Backup completed but its metadata sidecar could not be written")
		}
		return runErr
	}
	a.out.Successf("%s of %s completed", kind.DisplayName(), f.database)
	return nil
}
