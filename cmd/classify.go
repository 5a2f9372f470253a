package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/engine"

	"github.com/spf13/cobra"
)

type classifyFlags struct {
	useEngine bool
	format    string
}

// classification is one row of classify output
type classification struct {
	File     string `json:"file"`
	Type     string `json:"type"`
	Strategy string `json:"strategy"`
}

func newClassifyCommand(a *app) *cobra.Command {
	f := &classifyFlags{}
	cmd := &cobra.Command{
		Use:   "classify <file>...",
		Short: "Report the backup type of artifacts",
		Long: `Report whether each artifact is a full, differential or transaction log backup.

Without --engine only the filename and metadata sidecar are consulted.
With --engine the backup header is read by the server first.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runClassify(cmd.Context(), f, args)
		},
	}
	cmd.Flags().BoolVar(&f.useEngine, "engine", false, "read backup headers through the configured server")
	cmd.Flags().StringVarP(&f.format, "format", "o", "table", "output format (table or json)")
	return cmd
}

func (a *app) runClassify(ctx context.Context, f *classifyFlags, files []string) error {
	format := strings.ToLower(f.format)
	if format != "table" && format != "json" {
		return backup.NewValidationError(fmt.Sprintf("unsupported format: %s", f.format), nil)
	}

	var server engine.Server
	if f.useEngine {
		s, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		server = s
	}

	classifier := backup.NewClassifier(a.recorder(), a.logger)
	results := make([]classification, len(files))
	unknown := 0
	for i, file := range files {
		kind, strategy := classifier.ClassifyWithStrategy(ctx, file, server)
		if kind == backup.ArtifactUnknown {
			unknown++
		}
		results[i] = classification{File: file, Type: kind.String(), Strategy: strategy}
	}

	if format == "json" {
		encoder := json.NewEncoder(a.out.out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(results); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(a.out.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tTYPE\tSTRATEGY")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.File, r.Type, r.Strategy)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if unknown > 0 {
		return backup.NewClassificationError(fmt.Sprintf("%d of %d artifacts could not be classified", unknown, len(files)),
			backup.ErrUnknownArtifactType)
	}
	return nil
}
