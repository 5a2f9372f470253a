package cmd

import (
	"fmt"
	"io"
	"os"

	"mssql-recovery/internal/backup"
	"mssql-recovery/internal/engine"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// printer writes user-facing status lines. Progress is always plain
// "progress <n>%" lines so output stays parseable when piped.
type printer struct {
	out   io.Writer
	quiet bool

	success *color.Color
	warn    *color.Color
	fail    *color.Color
	muted   *color.Color
}

func newPrinter(out io.Writer, noColor, quiet bool) *printer {
	p := &printer{
		out:     out,
		quiet:   quiet,
		success: color.New(color.FgHiGreen),
		warn:    color.New(color.FgHiYellow),
		fail:    color.New(color.FgHiRed),
		muted:   color.New(color.FgCyan),
	}
	if noColor || !colorSupported(out) {
		for _, c := range []*color.Color{p.success, p.warn, p.fail, p.muted} {
			c.DisableColor()
		}
	}
	return p
}

// colorSupported reports whether out is a terminal that accepts colour
func colorSupported(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
}

func (p *printer) Infof(format string, args ...interface{}) {
	if p.quiet {
		return
	}
	p.muted.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Successf(format string, args ...interface{}) {
	if p.quiet {
		return
	}
	p.success.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Warnf(format string, args ...interface{}) {
	p.warn.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Errorf(format string, args ...interface{}) {
	p.fail.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Plainf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Follow prints events until ch closes and then closes the returned channel
func (p *printer) Follow(ch <-chan backup.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			p.event(e)
		}
	}()
	return done
}

func (p *printer) event(e backup.Event) {
	switch e.Kind {
	case engine.EventProgress:
		if !p.quiet {
			fmt.Fprintf(p.out, "progress %d%%\n", e.Percent)
		}
	case engine.EventComplete:
		if e.Message != "" {
			p.Successf("%s", e.Message)
		}
	default:
		if e.Message != "" {
			p.Infof("%s", e.Message)
		}
	}
}
