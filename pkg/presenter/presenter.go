// Package presenter renders user-facing CLI output: status lines, tables
// and invocation results, with color and quiet-mode support.
package presenter

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/jingkaihe/skillet/pkg/types/invocation"
)

// Presenter is the CLI output surface.
type Presenter interface {
	Error(err error, context string)
	Success(message string)
	Warning(message string)
	Info(message string)
	Section(title string)
	Table(headers []string, rows [][]string)
	Result(res *invocation.Result)
	Separator()
	SetQuiet(quiet bool)
	IsQuiet() bool
}

// TerminalPresenter writes to a terminal or any pair of writers.
type TerminalPresenter struct {
	output      io.Writer
	errorOutput io.Writer
	colorMode   ColorMode
	quiet       bool
}

// ColorMode selects whether output is colored.
type ColorMode int

const (
	// ColorAuto lets fatih/color detect terminal support.
	ColorAuto ColorMode = iota
	// ColorAlways forces colored output.
	ColorAlways
	// ColorNever disables colored output.
	ColorNever
)

// New writes to stdout and stderr with the color mode taken from the
// environment.
func New() *TerminalPresenter {
	return NewWithOptions(os.Stdout, os.Stderr, detectColorMode())
}

// NewWithOptions creates a TerminalPresenter over the given writers.
func NewWithOptions(output, errorOutput io.Writer, colorMode ColorMode) *TerminalPresenter {
	switch colorMode {
	case ColorAlways:
		color.NoColor = false
	case ColorNever:
		color.NoColor = true
	case ColorAuto:
	}

	return &TerminalPresenter{
		output:      output,
		errorOutput: errorOutput,
		colorMode:   colorMode,
	}
}

// detectColorMode honours NO_COLOR, then SKILLET_COLOR.
func detectColorMode() ColorMode {
	if os.Getenv("NO_COLOR") != "" {
		return ColorNever
	}

	switch os.Getenv("SKILLET_COLOR") {
	case "always", "force":
		return ColorAlways
	case "never", "off":
		return ColorNever
	default:
		return ColorAuto
	}
}

// Error prints err to stderr. It is shown even in quiet mode.
func (p *TerminalPresenter) Error(err error, context string) {
	if err == nil {
		return
	}

	errorColor := color.New(color.FgRed, color.Bold)
	if context != "" {
		errorColor.Fprintf(p.errorOutput, "[ERROR] %s: %v\n", context, err)
	} else {
		errorColor.Fprintf(p.errorOutput, "[ERROR] %v\n", err)
	}
}

func (p *TerminalPresenter) Success(message string) {
	if p.quiet {
		return
	}
	color.New(color.FgGreen, color.Bold).Fprintf(p.output, "✓ %s\n", message)
}

func (p *TerminalPresenter) Warning(message string) {
	if p.quiet {
		return
	}
	color.New(color.FgYellow, color.Bold).Fprintf(p.output, "⚠ %s\n", message)
}

func (p *TerminalPresenter) Info(message string) {
	if p.quiet {
		return
	}
	fmt.Fprintf(p.output, "%s\n", message)
}

// Section prints an underlined header.
func (p *TerminalPresenter) Section(title string) {
	if p.quiet {
		return
	}

	headerColor := color.New(color.Bold)
	headerColor.Fprintf(p.output, "%s\n", title)
	headerColor.Fprintf(p.output, "%s\n", strings.Repeat("-", len(title)))
}

// Table prints rows in aligned columns. Tables are data, so quiet mode does
// not suppress them.
func (p *TerminalPresenter) Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(p.output, 0, 0, 2, ' ', 0)
	if len(headers) > 0 {
		fmt.Fprintln(w, strings.Join(headers, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Result prints the output of an invocation to stdout and a one-line
// status to stderr, so piping a successful run yields only the skill's
// own output.
func (p *TerminalPresenter) Result(res *invocation.Result) {
	if res == nil {
		return
	}

	if res.Output != "" {
		fmt.Fprint(p.output, res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Fprintln(p.output)
		}
	}

	if res.Success {
		if !p.quiet {
			color.New(color.Faint).Fprintf(p.errorOutput, "✓ %s.%s on %s (%s)\n",
				res.Skill, res.Tool, res.Instance, res.Duration.Round(time.Millisecond))
		}
		return
	}

	if res.Stderr != "" {
		fmt.Fprint(p.errorOutput, res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			fmt.Fprintln(p.errorOutput)
		}
	}
	color.New(color.FgRed, color.Bold).Fprintf(p.errorOutput, "[%s] %s\n", res.State, res.ErrorMessage)
}

// Separator prints a horizontal rule.
func (p *TerminalPresenter) Separator() {
	if p.quiet {
		return
	}
	color.New(color.Faint).Fprintf(p.output, "%s\n", strings.Repeat("-", 60))
}

func (p *TerminalPresenter) SetQuiet(quiet bool) {
	p.quiet = quiet
}

func (p *TerminalPresenter) IsQuiet() bool {
	return p.quiet
}

var defaultPresenter = New()

// Error prints err with the default presenter.
func Error(err error, context string) {
	defaultPresenter.Error(err, context)
}

// Success prints a success line with the default presenter.
func Success(message string) {
	defaultPresenter.Success(message)
}

// Warning prints a warning with the default presenter.
func Warning(message string) {
	defaultPresenter.Warning(message)
}

// Info prints a message with the default presenter.
func Info(message string) {
	defaultPresenter.Info(message)
}

// Section prints a header with the default presenter.
func Section(title string) {
	defaultPresenter.Section(title)
}

// Table prints a table with the default presenter.
func Table(headers []string, rows [][]string) {
	defaultPresenter.Table(headers, rows)
}

// Result prints an invocation result with the default presenter.
func Result(res *invocation.Result) {
	defaultPresenter.Result(res)
}

// Separator prints a rule with the default presenter.
func Separator() {
	defaultPresenter.Separator()
}

// SetQuiet toggles quiet mode on the default presenter.
func SetQuiet(quiet bool) {
	defaultPresenter.SetQuiet(quiet)
}

// IsQuiet reports quiet mode of the default presenter.
func IsQuiet() bool {
	return defaultPresenter.IsQuiet()
}
