// Package backup implements single backup and restore operations against a
// database engine and the orchestration of multi-step recovery sequences.
//
// Core Components:
//
// - Operation: one backup or restore invocation (FullBackup, DifferentialBackup,
// TransactionLogBackup, FullRestore, DifferentialRestore, TransactionLogRestore).
// Each operation owns a DeviceRegistry, runs exactly once and streams engine
// progress, information and completion events to subscribers.
//
// - RecoveryJob: a set of restore operations for one database. At most one full
// and one differential restore may be registered. Execution sorts the steps
// into full, differential, log order, switches the database to single-user
// access for the duration of the sequence and restores multi-user access when
// every step succeeded.
//
// - Classifier: determines the type of a backup artifact from the engine's
// header, the file name, or the sidecar metadata file, in that order.
//
// - MetadataRecorder: writes the sidecar provenance record next to an artifact
// after a successful backup.
//
// - Pipeline and Stager: optional compression and offsite shipping of artifacts
// through an ArtifactStore (local, S3, Azure Blob, GCS).
//
// Example usage:
//
//	job, err := backup.NewRecoveryJob("Sales", backup.WithFinalizePolicy(backup.FinalizeLastStep))
//	if err != nil {
//		return err
//	}
//	if err := job.AddFullRestore("/backups/sales-full.bak"); err != nil {
//		return err
//	}
//	if err := job.AddTransactionLogRestore("/backups/sales-log-0100.trn"); err != nil {
//		return err
//	}
//	events, unsubscribe := job.Subscribe()
//	defer unsubscribe()
//	go printProgress(events)
//	if err := job.Execute(ctx, server); err != nil {
//		return fmt.Errorf("recovery failed: %w", err)
//	}
package backup
