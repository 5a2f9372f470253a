// Package confirmation asks the operator to approve a restore before any
// database is overwritten.
package confirmation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// RestoreSummary describes what a restore will do
type RestoreSummary struct {
	Database string
	Steps    []string
	Finalize string
	// LeavesRestoring is set when no step brings the database online.
	LeavesRestoring bool
}

// Service handles operator confirmation for restores
type Service interface {
	ConfirmRestore(ctx context.Context, summary RestoreSummary, autoApprove bool) (bool, error)
}

type service struct {
	reader *bufio.Reader
	out    io.Writer
	bold   *color.Color
	warn   *color.Color
}

// NewService creates a service reading answers from in and writing prompts to out
func NewService(in io.Reader, out io.Writer, useColors bool) Service {
	s := &service{
		reader: bufio.NewReader(in),
		out:    out,
		bold:   color.New(color.Bold),
		warn:   color.New(color.FgHiYellow),
	}
	if !useColors {
		s.bold.DisableColor()
		s.warn.DisableColor()
	}
	return s
}

// ConfirmRestore prints the summary and waits for an answer. A canceled
// context aborts the prompt with the context's error.
func (s *service) ConfirmRestore(ctx context.Context, summary RestoreSummary, autoApprove bool) (bool, error) {
	s.displaySummary(summary)
	if autoApprove {
		fmt.Fprintln(s.out, "Auto-approving restore...")
		return true, nil
	}

	type answer struct {
		ok  bool
		err error
	}
	answers := make(chan answer, 1)
	go func() {
		ok, err := s.ask(summary.Database)
		answers <- answer{ok, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(s.out)
		s.warn.Fprintln(s.out, "Restore cancelled")
		return false, ctx.Err()
	case a := <-answers:
		return a.ok, a.err
	}
}

func (s *service) displaySummary(summary RestoreSummary) {
	s.warn.Fprintf(s.out, "Database %s will be overwritten.\n", summary.Database)
	fmt.Fprintln(s.out, strings.Repeat("-", 40))
	for i, step := range summary.Steps {
		fmt.Fprintf(s.out, "%d. %s\n", i+1, step)
	}
	fmt.Fprintf(s.out, "Finalize policy: %s\n", summary.Finalize)
	if summary.LeavesRestoring {
		s.warn.Fprintln(s.out, "The database will be left restoring after the last step.")
	}
	fmt.Fprintln(s.out)
}

// ask prompts until it reads a valid answer. An empty answer means no.
func (s *service) ask(database string) (bool, error) {
	for {
		s.bold.Fprintf(s.out, "Restore %s? [y/N]: ", database)
		input, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || input == "") {
			return false, fmt.Errorf("failed to read input: %w", err)
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		default:
			fmt.Fprintf(s.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", strings.TrimSpace(input))
			if err == io.EOF {
				return false, fmt.Errorf("failed to read input: %w", err)
			}
		}
	}
}
