package cmd

import (
	"fmt"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check the configuration file and encryption keys",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write a configuration file with every option at its default value.

Credentials are better supplied through the environment, for example
MSSQL_RECOVERY_PASSWORD, than stored in the file.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.GenerateDefault(output, force); err != nil {
				return err
			}
			a.out.Successf("Configuration written to %s", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", config.DefaultFileName, "file to write")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and reach the artifact store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := config.NewChecker(a.cfg).Run(cmd.Context())
			for _, w := range result.Warnings {
				a.out.Warnf("warning: %s", w)
			}
			for _, e := range result.Errors {
				a.out.Errorf("error: %s", e)
			}
			for _, fix := range result.RecommendedFixes {
				a.out.Infof("hint: %s", fix)
			}
			if !result.Success {
				return fmt.Errorf("configuration check failed with %d errors", len(result.Errors))
			}
			a.out.Successf("Configuration OK")
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(a.cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to encode configuration: %w", err)
			}
			_, err = a.out.out.Write(data)
			return err
		},
	}

	var keyOutput string
	var keyForce bool
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an artifact encryption key file",
		Long: `Generate a random 256-bit key for artifact encryption.

Point encryption.key_file at the generated file. Keep a copy somewhere other
than the backups: encrypted artifacts cannot be restored without it.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := backup.GenerateKeyFile(keyOutput, keyForce); err != nil {
				return err
			}
			a.out.Successf("Encryption key written to %s", keyOutput)
			return nil
		},
	}
	keygenCmd.Flags().StringVarP(&keyOutput, "output", "o", "mssql-recovery.key", "key file to write")
	keygenCmd.Flags().BoolVar(&keyForce, "force", false, "overwrite an existing key file")

	cmd.AddCommand(initCmd, checkCmd, showCmd, keygenCmd)
	return cmd
}
