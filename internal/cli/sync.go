package cli

import (
	"fmt"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/config"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/report"
	"github.com/dl-alexandre/dbxsync/internal/search"
	syncengine "github.com/dl-alexandre/dbxsync/internal/sync"
	"github.com/dl-alexandre/dbxsync/internal/sync/diff"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile Dropbox team folders into the index",
	Long: `Walk every active team folder, upsert a document per file and folder,
then tombstone indexed documents that were not seen in this run.

Deletions are only reconciled after every team folder was listed
completely, and never when --folder, --no-delete or --dry-run is set.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var (
	syncWorkers       int
	syncFailurePolicy string
	syncFolders       []string
	syncDryRun        bool
	syncNoDelete      bool
	syncStream        bool
	syncReport        string
	syncBatchSize     int
	syncRefresh       bool
)

func init() {
	syncCmd.Flags().IntVar(&syncWorkers, "workers", 0, "Team folders listed in parallel (default from config)")
	syncCmd.Flags().StringVar(&syncFailurePolicy, "failure-policy", "", "fail-fast or partial (default from config)")
	syncCmd.Flags().StringSliceVar(&syncFolders, "folder", nil, "Only walk these team folders (disables deletion reconciliation)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "List and diff without writing to the index")
	syncCmd.Flags().BoolVar(&syncNoDelete, "no-delete", false, "Upsert only, never tombstone")
	syncCmd.Flags().BoolVar(&syncStream, "stream", true, "Upsert each page as it is listed")
	syncCmd.Flags().StringVar(&syncReport, "report", "", "TSV report path; empty string disables (default from config)")
	syncCmd.Flags().IntVar(&syncBatchSize, "batch-size", 0, "Documents per bulk request (default from config)")
	syncCmd.Flags().BoolVar(&syncRefresh, "refresh", false, "Make every bulk write searchable before returning")

	rootCmd.AddCommand(syncCmd)
}

// applySyncFlags lays explicitly set flags over the configuration
func applySyncFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Sync.Workers = syncWorkers
	}
	if flags.Changed("failure-policy") {
		cfg.Sync.FailurePolicy = syncFailurePolicy
	}
	if flags.Changed("folder") {
		cfg.Sync.Folders = syncFolders
	}
	if flags.Changed("stream") {
		cfg.Sync.Stream = syncStream
	}
	if flags.Changed("report") {
		cfg.Sync.ReportFile = syncReport
	}
	if flags.Changed("batch-size") {
		cfg.Index.BatchSize = syncBatchSize
	}
	if flags.Changed("refresh") {
		cfg.Index.Refresh = syncRefresh
	}
	if err := cfg.Validate(); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build(), err)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	ctx := cmd.Context()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("sync", err)
	}
	if err := applySyncFlags(cmd, cfg); err != nil {
		return out.Fail("sync", err)
	}

	svc, err := openServices(ctx, cfg, serviceOptions{Index: true, Journal: true})
	if err != nil {
		return out.Fail("sync", err)
	}
	defer svc.Close()

	engine := syncengine.NewEngine(syncengine.Deps{
		Source: svc.dropbox,
		Sink: search.NewSink(svc.index, search.SinkOptions{
			BatchSize: cfg.Index.BatchSize,
			Refresh:   cfg.Index.Refresh,
		}, logger),
		Scanner: search.NewScanner(svc.index, search.ScannerOptions{
			PageSize:    cfg.Index.ScanPageSize,
			KeepAlive:   cfg.Index.ScrollKeepAlive,
			MaxRestarts: cfg.Index.ScanRestarts,
		}, logger),
		Journal: svc.journal,
		Metrics: svc.metrics,
		Logger:  logger,
	})

	result, runErr := engine.Run(ctx, syncengine.Options{
		Workers:       cfg.Sync.Workers,
		FailurePolicy: cfg.Sync.FailurePolicy,
		Folders:       cfg.Sync.Folders,
		DryRun:        syncDryRun,
		NoDelete:      syncNoDelete,
		Stream:        cfg.Sync.Stream,
	})
	svc.writeMetrics(out)

	view := &syncView{Summary: result.Summary}
	if cfg.Sync.ReportFile != "" && len(result.Records) > 0 {
		n, err := report.WriteFile(cfg.Sync.ReportFile, result.Records)
		if err != nil {
			logger.Warn("Failed to write report", logging.F("path", cfg.Sync.ReportFile), logging.F("error", err.Error()))
			out.AddWarning("REPORT_WRITE_FAILED", err.Error(), "warning")
		} else {
			view.Report = cfg.Sync.ReportFile
			view.ReportRows = n
		}
	}

	if runErr != nil {
		return out.FailWith("sync", view, runErr)
	}
	return out.WriteSuccess("sync", view)
}

// syncView is the command output of one run
type syncView struct {
	syncengine.Summary
	Report     string `json:"report,omitempty"`
	ReportRows int    `json:"reportRows,omitempty"`
}

func (v *syncView) AsTableRenderer() types.TableRenderer {
	s := v.Summary
	t := &kvTable{}
	t.add("Run", s.RunID)
	t.add("Observed at", s.ObservedAt)
	t.add("Phase", s.Phase)
	if s.DryRun {
		t.add("Dry run", "yes")
	}
	t.add("Team folders", fmt.Sprintf("%d (%d complete, %d failed)", s.Scopes, len(s.Completed), len(s.Failed)))
	for _, f := range s.Failed {
		t.add("  failed", fmt.Sprintf("%s: %s", f.Scope, truncate(f.Error, 80)))
	}
	t.add("Records", s.Records)
	if s.Malformed > 0 {
		t.add("Malformed entries", s.Malformed)
	}
	t.add("Upserted", fmt.Sprintf("%d of %d", s.Upsert.Succeeded, s.Upsert.Submitted))
	if len(s.Upsert.Failed) > 0 {
		t.add("Upsert failures", len(s.Upsert.Failed))
	}
	if s.SkipReason != diff.SkipNone && s.SkipReason != diff.SkipDryRun {
		t.add("Deletions", "skipped: "+string(s.SkipReason))
	} else {
		t.add("Indexed (active)", s.Indexed)
		t.add("Stale", s.Stale)
		t.add("Tombstoned", s.Tombstone.Succeeded)
	}
	if s.ScanRestarts > 0 {
		t.add("Scan restarts", s.ScanRestarts)
	}
	t.add("Duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond).String())
	if v.Report != "" {
		t.add("Report", fmt.Sprintf("%s (%d rows)", v.Report, v.ReportRows))
	}
	return t
}
