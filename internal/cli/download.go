package cli

import (
	"fmt"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/config"
	"github.com/dl-alexandre/dbxsync/internal/download"
	"github.com/dl-alexandre/dbxsync/internal/sync/journal"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [folder]",
	Short: "Download new files of one Dropbox folder",
	Long: `List one Dropbox folder (not recursive) and download every file that is in
neither <root>/processed nor <root>/unprocessed into <root>/unprocessed.

Move a file to processed/ with 'download mark-processed' once it has been
handled so it is never downloaded again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDownload,
}

var downloadMarkCmd = &cobra.Command{
	Use:   "mark-processed <name>...",
	Short: "Move downloaded files from unprocessed/ to processed/",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDownloadMark,
}

var downloadHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List downloads recorded in the journal",
	Args:  cobra.NoArgs,
	RunE:  runDownloadHistory,
}

var (
	downloadFolder  string
	downloadRoot    string
	downloadLimit   int
	downloadExclude []string
	downloadDryRun  bool
)

func init() {
	downloadCmd.PersistentFlags().StringVar(&downloadFolder, "folder", "", "Dropbox folder to download from (default from config)")
	downloadCmd.PersistentFlags().StringVar(&downloadRoot, "root", "", "Local root holding processed/ and unprocessed/ (default from config)")
	downloadCmd.Flags().IntVar(&downloadLimit, "limit", 0, "Download at most this many new files; 0 means no limit")
	downloadCmd.Flags().StringSliceVar(&downloadExclude, "exclude", nil, "Extra name patterns to skip")
	downloadCmd.Flags().BoolVar(&downloadDryRun, "dry-run", false, "Show what would be downloaded")

	downloadCmd.AddCommand(downloadMarkCmd)
	downloadCmd.AddCommand(downloadHistoryCmd)
	rootCmd.AddCommand(downloadCmd)
}

func applyDownloadFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("folder") {
		cfg.Download.Folder = downloadFolder
	}
	if flags.Changed("root") {
		cfg.Download.Root = downloadRoot
	}
	if flags.Changed("limit") {
		cfg.Download.Limit = downloadLimit
	}
	if flags.Changed("exclude") {
		cfg.Download.Exclude = append(cfg.Download.Exclude, downloadExclude...)
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	ctx := cmd.Context()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("download", err)
	}
	applyDownloadFlags(cmd, cfg)
	if len(args) == 1 {
		cfg.Download.Folder = args[0]
	}
	if cfg.Download.Limit < 0 {
		return out.WriteError("download", utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("limit must be non-negative, got %d", cfg.Download.Limit)).Build())
	}

	var noTimeout time.Duration
	svc, err := openServices(ctx, cfg, serviceOptions{Journal: true, DropboxTimeout: &noTimeout})
	if err != nil {
		return out.Fail("download", err)
	}
	defer svc.Close()

	patterns := append(download.DefaultPatterns(), cfg.Download.Exclude...)
	summary, runErr := download.New(svc.dropbox, download.Options{
		Folder:  cfg.Download.Folder,
		Root:    cfg.Download.Root,
		Limit:   cfg.Download.Limit,
		Exclude: patterns,
		DryRun:  downloadDryRun,
		Journal: svc.journal,
		Metrics: svc.metrics,
		Logger:  logger,
	}).Run(ctx)
	svc.writeMetrics(out)

	if runErr != nil {
		if summary != nil {
			return out.FailWith("download", summary, runErr)
		}
		return out.Fail("download", runErr)
	}
	if !downloadDryRun {
		out.Log("Downloaded %d file(s), %s", summary.Downloaded, formatSize(summary.Bytes))
	}
	return out.WriteSuccess("download", summary)
}

func runDownloadMark(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	ctx := cmd.Context()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("download.mark-processed", err)
	}
	applyDownloadFlags(cmd, cfg)

	db, err := openJournal(cfg)
	if err != nil {
		return out.Fail("download.mark-processed", err)
	}
	defer db.Close()

	moved := make([]string, 0, len(args))
	for _, name := range args {
		if err := download.MarkProcessed(ctx, cfg.Download.Root, cfg.Download.Folder, name, db); err != nil {
			return out.FailWith("download.mark-processed", map[string]interface{}{"moved": moved}, err)
		}
		moved = append(moved, name)
	}
	return out.WriteSuccess("download.mark-processed", map[string]interface{}{"moved": moved})
}

func runDownloadHistory(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := NewOutputWriter(flags.OutputFormat, flags.Quiet, flags.Verbose)

	cfg, err := requireConfig()
	if err != nil {
		return out.Fail("download.history", err)
	}
	applyDownloadFlags(cmd, cfg)

	db, err := openJournal(cfg)
	if err != nil {
		return out.Fail("download.history", err)
	}
	defer db.Close()

	folder := ""
	if cmd.Flags().Changed("folder") {
		folder = cfg.Download.Folder
	}
	downloads, err := db.ListDownloads(cmd.Context(), folder)
	if err != nil {
		return out.Fail("download.history", err)
	}
	return out.WriteSuccess("download.history", downloadList(downloads))
}

type downloadList []journal.Download

func (l downloadList) Headers() []string {
	return []string{"Folder", "Name", "Size", "Downloaded", "Processed"}
}

func (l downloadList) Rows() [][]string {
	rows := make([][]string, len(l))
	for i, d := range l {
		processed := "-"
		if d.ProcessedAt != nil {
			processed = d.ProcessedAt.Local().Format(time.DateTime)
		}
		rows[i] = []string{d.Folder, d.Name, formatSize(d.Size), d.DownloadedAt.Local().Format(time.DateTime), processed}
	}
	return rows
}

func (l downloadList) EmptyMessage() string { return "No downloads recorded" }
