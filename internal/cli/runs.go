package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/sync/journal"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the local run journal",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run and its team folders",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsLastCmd = &cobra.Command{
	Use:   "last-success",
	Short: "Show the last successful non-dry run",
	Args:  cobra.NoArgs,
	RunE:  runRunsLast,
}

var runsLimit int

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show; 0 shows all")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsLastCmd)
	rootCmd.AddCommand(runsCmd)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	db, err := journalFromConfig()
	if err != nil {
		return out.Fail("runs.list", err)
	}
	defer db.Close()

	runs, err := db.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return out.Fail("runs.list", err)
	}
	return out.WriteSuccess("runs.list", runList(runs))
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	db, err := journalFromConfig()
	if err != nil {
		return out.Fail("runs.show", err)
	}
	defer db.Close()

	run, err := db.GetRun(cmd.Context(), args[0])
	if errors.Is(err, journal.ErrRunNotFound) {
		return out.WriteError("runs.show", utils.NewCLIError(utils.ErrCodeNotFound,
			fmt.Sprintf("no run with id %s", args[0])).Build())
	}
	if err != nil {
		return out.Fail("runs.show", err)
	}
	scopes, err := db.ListScopes(cmd.Context(), run.ID)
	if err != nil {
		return out.Fail("runs.show", err)
	}
	return out.WriteSuccess("runs.show", &runDetail{Run: *run, ScopeRuns: scopes})
}

func runRunsLast(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	db, err := journalFromConfig()
	if err != nil {
		return out.Fail("runs.last-success", err)
	}
	defer db.Close()

	run, err := db.LastSucceeded(cmd.Context())
	if errors.Is(err, journal.ErrRunNotFound) {
		return out.WriteError("runs.last-success", utils.NewCLIError(utils.ErrCodeNotFound, "no successful run recorded").Build())
	}
	if err != nil {
		return out.Fail("runs.last-success", err)
	}
	return out.WriteSuccess("runs.last-success", &runDetail{Run: *run})
}

func journalFromConfig() (*journal.DB, error) {
	cfg, err := requireConfig()
	if err != nil {
		return nil, err
	}
	return openJournal(cfg)
}

type runList []journal.Run

func (l runList) Headers() []string {
	return []string{"Run", "Started", "Status", "Phase", "Folders", "Records", "Upserted", "Tombstoned", "Error"}
}

func (l runList) Rows() [][]string {
	rows := make([][]string, len(l))
	for i, r := range l {
		status := r.Status
		if r.DryRun {
			status += " (dry run)"
		}
		rows[i] = []string{
			truncate(r.ID, 13),
			r.StartedAt.Local().Format(time.DateTime),
			status,
			r.Phase,
			fmt.Sprint(r.Scopes),
			fmt.Sprint(r.Records),
			fmt.Sprint(r.Upserted),
			fmt.Sprint(r.Tombstoned),
			r.ErrorCode,
		}
	}
	return rows
}

func (l runList) EmptyMessage() string { return "No runs recorded" }

// runDetail is one journal run with its per-folder rows
type runDetail struct {
	journal.Run
	ScopeRuns []journal.ScopeRun `json:"scopeRuns,omitempty"`
}

func (d *runDetail) AsTableRenderer() types.TableRenderer {
	t := &kvTable{}
	t.add("Run", d.ID)
	t.add("Observed at", d.ObservedAt)
	t.add("Started", d.StartedAt.Local().Format(time.DateTime))
	if d.FinishedAt != nil {
		t.add("Duration", d.FinishedAt.Sub(d.StartedAt).Round(time.Millisecond).String())
	}
	t.add("Status", d.Status)
	t.add("Phase", d.Phase)
	t.add("Dry run", d.DryRun)
	t.add("Team folders", d.Scopes)
	t.add("Records", d.Records)
	t.add("Upserted", d.Upserted)
	t.add("Failed items", d.FailedItems)
	t.add("Tombstoned", d.Tombstoned)
	if d.SkipReason != "" {
		t.add("Deletions skipped", d.SkipReason)
	}
	if d.ErrorCode != "" {
		t.add("Error", fmt.Sprintf("%s: %s", d.ErrorCode, d.ErrorMessage))
	}
	for _, s := range d.ScopeRuns {
		line := fmt.Sprintf("%d records, %d pages, %s", s.Records, s.Pages, s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			line = "failed: " + truncate(s.Error, 80)
		}
		t.add("  "+s.Scope, line)
	}
	return t
}
