package cmd

import (
	"context"
	"fmt"
	"os"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/config"
	"mssql-recovery/internal/confirmation"

	"golang.org/x/term"
)

// encryptor builds the artifact encryptor from the configuration. Without a
// key file or passphrase it prompts on an interactive terminal, twice when
// confirm is set. A prompted passphrase is kept in the configuration so later
// validation sees it.
func (a *app) encryptor(confirm bool) (*backup.Encryptor, error) {
	if a.cfg.Encryption.KeyFile == "" && a.cfg.Encryption.Passphrase == "" {
		passphrase, err := promptPassphrase(confirm)
		if err != nil {
			return nil, err
		}
		a.cfg.Encryption.Passphrase = passphrase
	}
	return backup.NewEncryptor(a.cfg.Encryption)
}

// interactive reports whether stdin is a terminal an operator can answer on
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// confirmRestore asks before job overwrites its database. Non-interactive
// runs are not prompted.
func (a *app) confirmRestore(ctx context.Context, job *backup.RecoveryJob, autoApprove bool) (bool, error) {
	if !interactive() {
		return true, nil
	}
	steps := job.Plan()
	summary := confirmation.RestoreSummary{
		Database: job.DatabaseName(),
		Finalize: job.Policy().String(),
	}
	for _, step := range steps {
		summary.Steps = append(summary.Steps, fmt.Sprintf("%s %s",
			step.Operation.ArtifactType().DisplayName(), step.Operation.ArtifactPath()))
	}
	if len(steps) > 0 {
		summary.LeavesRestoring = steps[len(steps)-1].KeepRestoring
	}
	return confirmation.NewService(os.Stdin, a.out.out, !a.noColor).ConfirmRestore(ctx, summary, autoApprove)
}

func promptPassphrase(confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", backup.NewConfigurationError(fmt.Sprintf(
			"encryption needs encryption.key_file or %s_ENCRYPTION_PASSPHRASE when not run interactively", config.EnvPrefix), nil)
	}

	first, err := readPassphrase(fd, "Encryption passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", backup.NewValidationError("passphrase cannot be empty", nil)
	}
	if confirm {
		second, err := readPassphrase(fd, "Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if first != second {
			return "", backup.NewValidationError("passphrases do not match", nil)
		}
	}
	return first, nil
}

func readPassphrase(fd int, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(data), nil
}
