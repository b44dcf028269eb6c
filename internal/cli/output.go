package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
)

// OutputWriter handles CLI output formatting
type OutputWriter struct {
	format   types.OutputFormat
	quiet    bool
	verbose  bool
	stdout   io.Writer
	stderr   io.Writer
	warnings []types.CLIWarning
}

// NewOutputWriter creates a new output writer on stdout and stderr
func NewOutputWriter(format types.OutputFormat, quiet, verbose bool) *OutputWriter {
	return &OutputWriter{
		format:   format,
		quiet:    quiet,
		verbose:  verbose,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		warnings: []types.CLIWarning{},
	}
}

// exitError is returned once an error has been written; Execute only
// turns it into a process exit code
type exitError struct {
	code int
	err  types.CLIError
}

func (e *exitError) Error() string {
	return fmt.Sprintf("%s: %s", e.err.Code, e.err.Message)
}

// AddWarning adds a warning to the output
func (w *OutputWriter) AddWarning(code, message, severity string) {
	w.warnings = append(w.warnings, types.CLIWarning{
		Code:     code,
		Message:  message,
		Severity: severity,
	})
}

// WriteSuccess writes a successful result
func (w *OutputWriter) WriteSuccess(command string, data interface{}) error {
	if w.format == types.OutputFormatJSON {
		return w.writeJSON(w.envelope(command, data, nil))
	}
	return w.writeTable(command, data)
}

// WriteError writes an error result and returns an error carrying the exit
// code for it
func (w *OutputWriter) WriteError(command string, cliErr types.CLIError) error {
	return w.WriteResult(command, nil, cliErr)
}

// WriteResult writes data together with the error that ended the command,
// as happens when a run completes only partially
func (w *OutputWriter) WriteResult(command string, data interface{}, cliErr types.CLIError) error {
	if w.format == types.OutputFormatJSON {
		if err := w.writeJSON(w.envelope(command, data, []types.CLIError{cliErr})); err != nil {
			return err
		}
	} else {
		if data != nil {
			if err := w.writeTable(command, data); err != nil {
				return err
			}
		}
		fmt.Fprintf(w.stderr, "Error [%s]: %s\n", cliErr.Code, cliErr.Message)
	}
	return &exitError{code: utils.GetExitCode(cliErr.Code), err: cliErr}
}

// Fail writes err, classified by its error code
func (w *OutputWriter) Fail(command string, err error) error {
	return w.FailWith(command, nil, err)
}

// FailWith writes data and err
func (w *OutputWriter) FailWith(command string, data interface{}, err error) error {
	return w.WriteResult(command, data, toCLIError(err))
}

func toCLIError(err error) types.CLIError {
	if appErr, ok := utils.AsAppError(err); ok {
		return appErr.CLIError
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.err
	}
	return utils.NewCLIError(utils.ErrCodeUnknown, err.Error()).Build()
}

func (w *OutputWriter) envelope(command string, data interface{}, errs []types.CLIError) types.CLIOutput {
	if errs == nil {
		errs = []types.CLIError{}
	}
	return types.CLIOutput{
		SchemaVersion: utils.SchemaVersion,
		TraceID:       uuid.New().String(),
		Command:       command,
		Data:          data,
		Warnings:      w.warnings,
		Errors:        errs,
	}
}

func (w *OutputWriter) writeJSON(output types.CLIOutput) error {
	encoder := json.NewEncoder(w.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func (w *OutputWriter) writeTable(command string, data interface{}) error {
	if renderable, ok := data.(types.TableRenderable); ok {
		return w.renderTable(renderable.AsTableRenderer())
	}
	if renderer, ok := data.(types.TableRenderer); ok {
		return w.renderTable(renderer)
	}
	// No table form; fall back to JSON
	return w.writeJSON(w.envelope(command, data, nil))
}

func (w *OutputWriter) renderTable(renderer types.TableRenderer) error {
	for _, warn := range w.warnings {
		fmt.Fprintf(w.stderr, "Warning [%s]: %s\n", warn.Code, warn.Message)
	}

	rows := renderer.Rows()
	if len(rows) == 0 {
		if !w.quiet {
			fmt.Fprintln(w.stdout, renderer.EmptyMessage())
		}
		return nil
	}

	table := tablewriter.NewWriter(w.stdout)
	table.SetHeader(renderer.Headers())
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, row := range rows {
		table.Append(row)
	}

	table.Render()
	return nil
}

// Log writes to stderr if not quiet
func (w *OutputWriter) Log(format string, args ...interface{}) {
	if !w.quiet {
		fmt.Fprintf(w.stderr, format+"\n", args...)
	}
}

// Verbose writes to stderr if verbose is enabled
func (w *OutputWriter) Verbose(format string, args ...interface{}) {
	if w.verbose {
		fmt.Fprintf(w.stderr, "[VERBOSE] "+format+"\n", args...)
	}
}

// kvTable renders key/value pairs as a two-column table
type kvTable struct {
	rows  [][]string
	empty string
}

func (t *kvTable) add(key string, value interface{}) {
	t.rows = append(t.rows, []string{key, fmt.Sprint(value)})
}

func (t *kvTable) Headers() []string    { return []string{"Field", "Value"} }
func (t *kvTable) Rows() [][]string     { return t.rows }
func (t *kvTable) EmptyMessage() string { return t.empty }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
