// Package download fetches the files of one Dropbox folder into a local
// staging directory, skipping names already staged or processed.
package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/api"
	"github.com/dl-alexandre/dbxsync/internal/dropbox"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/metrics"
	"github.com/dl-alexandre/dbxsync/internal/sync/journal"
	"github.com/dl-alexandre/dbxsync/internal/sync/scanner"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// Directory names under the download root
const (
	ProcessedDir   = "processed"
	UnprocessedDir = "unprocessed"
	partialSuffix  = ".partial"
)

// File outcomes
const (
	StatusDownloaded      = "downloaded"
	StatusProcessed       = "already_processed"
	StatusStaged          = "already_downloaded"
	StatusExcluded        = "excluded"
	StatusNotDownloadable = "not_downloadable"
	StatusLimit           = "limit_reached"
	StatusPlanned         = "planned"
	StatusFailed          = "failed"
)

// Source is the part of the Dropbox client the downloader needs
type Source interface {
	scanner.Lister
	Download(ctx context.Context, reqCtx *types.RequestContext, pathOrID string) (io.ReadCloser, error)
}

// Options configures a Downloader
type Options struct {
	Folder  string
	Root    string
	Limit   int
	Exclude []string
	DryRun  bool
	Journal *journal.DB
	Metrics *metrics.Recorder
	Logger  logging.Logger
}

// FileResult is what happened to one listed file
type FileResult struct {
	Name   string `json:"name"`
	ID     string `json:"id,omitempty"`
	Size   int64  `json:"size"`
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Summary describes one download run
type Summary struct {
	Folder     string       `json:"folder"`
	Listed     int          `json:"listed"`
	Downloaded int          `json:"downloaded"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Bytes      int64        `json:"bytes"`
	Files      []FileResult `json:"files"`
}

func (s *Summary) Headers() []string {
	return []string{"Name", "Size", "Status", "Path"}
}

func (s *Summary) Rows() [][]string {
	rows := make([][]string, len(s.Files))
	for i, f := range s.Files {
		status := f.Status
		if f.Error != "" {
			status += ": " + f.Error
		}
		rows[i] = []string{f.Name, fmt.Sprintf("%d", f.Size), status, f.Path}
	}
	return rows
}

func (s *Summary) EmptyMessage() string {
	return "No files in " + s.Folder
}

// Downloader fetches new files of a folder into Root/unprocessed
type Downloader struct {
	source  Source
	opts    Options
	matcher *Matcher
	logger  logging.Logger
}

// New creates a downloader
func New(source Source, opts Options) *Downloader {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	return &Downloader{
		source:  source,
		opts:    opts,
		matcher: NewMatcher(opts.Exclude),
		logger:  opts.Logger,
	}
}

// Run lists the folder without recursion and downloads every file whose
// name is in neither staging directory, up to Limit new files when Limit
// is positive. A failed file does not stop the others.
func (d *Downloader) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	d.logger.Info("Download starting", logging.F("folder", d.opts.Folder), logging.F("root", d.opts.Root))

	processed, err := localNames(filepath.Join(d.opts.Root, ProcessedDir))
	if err != nil {
		return nil, err
	}
	staged, err := localNames(filepath.Join(d.opts.Root, UnprocessedDir))
	if err != nil {
		return nil, err
	}

	entries, err := d.list(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Folder: d.opts.Folder, Listed: len(entries)}
	var firstErr error
	for _, entry := range entries {
		res := FileResult{Name: entry.Name, ID: entry.ID, Size: entry.Size}
		switch {
		case processed[entry.Name]:
			res.Status = StatusProcessed
		case staged[entry.Name]:
			res.Status = StatusStaged
		case d.matcher.IsExcluded(entry.Name):
			res.Status = StatusExcluded
		case entry.IsDownloadable != nil && !*entry.IsDownloadable:
			res.Status = StatusNotDownloadable
		case d.opts.Limit > 0 && summary.Downloaded >= d.opts.Limit:
			res.Status = StatusLimit
		case d.opts.DryRun:
			res.Status = StatusPlanned
			summary.Downloaded++
		default:
			n, path, err := d.fetch(ctx, entry)
			if err != nil {
				res.Status = StatusFailed
				res.Error = err.Error()
				summary.Failed++
				if firstErr == nil {
					firstErr = err
				}
				d.logger.Error("Download failed", logging.F("name", entry.Name), logging.F("error", err.Error()))
				if d.opts.Metrics != nil {
					d.opts.Metrics.Download(StatusFailed, 0)
				}
				break
			}
			res.Status = StatusDownloaded
			res.Path = path
			summary.Downloaded++
			summary.Bytes += n
			staged[entry.Name] = true
			d.record(ctx, entry, n)
		}
		if res.Status != StatusDownloaded && res.Status != StatusFailed && res.Status != StatusPlanned {
			summary.Skipped++
			d.logger.Info("Skipping file", logging.F("name", entry.Name), logging.F("reason", res.Status))
			if d.opts.Metrics != nil {
				d.opts.Metrics.Download("skipped", 0)
			}
		}
		summary.Files = append(summary.Files, res)
	}

	d.logger.Info("Download complete",
		logging.F("listed", summary.Listed),
		logging.F("downloaded", summary.Downloaded),
		logging.F("skipped", summary.Skipped),
		logging.F("failed", summary.Failed),
		logging.F("duration", time.Since(started).String()),
	)

	if firstErr != nil {
		return summary, utils.WrapAppError(utils.NewCLIError(utils.ErrorCode(firstErr),
			fmt.Sprintf("%d of %d file(s) failed to download", summary.Failed, summary.Listed)).
			WithRetryable(utils.IsRetryable(firstErr)).
			WithContext("folder", d.opts.Folder).
			Build(), firstErr)
	}
	return summary, nil
}

// list returns the files directly inside the folder, sorted by name
func (d *Downloader) list(ctx context.Context) ([]types.ListingEntry, error) {
	reqCtx := api.NewRequestContext(logging.TraceIDFromContext(ctx), d.opts.Folder, types.RequestTypeListing)
	arg := dropbox.ListFolderArg{
		Path:                        d.opts.Folder,
		IncludeMountedFolders:       true,
		IncludeNonDownloadableFiles: true,
	}

	var files []types.ListingEntry
	first := func(ctx context.Context) (scanner.Page[types.ListingEntry], error) {
		page, err := d.source.ListFolder(ctx, reqCtx, nil, arg)
		if err != nil {
			return scanner.Page[types.ListingEntry]{}, err
		}
		return scanner.Page[types.ListingEntry]{Items: page.Entries, Cursor: page.Cursor, HasMore: page.HasMore}, nil
	}
	next := func(ctx context.Context, cursor string) (scanner.Page[types.ListingEntry], error) {
		page, err := d.source.ListFolderContinue(ctx, reqCtx, nil, cursor)
		if err != nil {
			return scanner.Page[types.ListingEntry]{}, err
		}
		return scanner.Page[types.ListingEntry]{Items: page.Entries, Cursor: page.Cursor, HasMore: page.HasMore}, nil
	}
	_, err := scanner.Paginate(ctx, first, next, func(entries []types.ListingEntry) error {
		for _, e := range entries {
			if e.Kind != types.EntryKindFile {
				continue
			}
			if e.Name == "" || e.Name != filepath.Base(e.Name) || e.Name == ".." || strings.ContainsAny(e.Name, `/\`) {
				d.logger.Warn("Ignoring file with unusable name", logging.F("name", e.Name))
				continue
			}
			files = append(files, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// fetch streams one file into the staging directory through a temporary
// name so a partial transfer never looks downloaded
func (d *Downloader) fetch(ctx context.Context, entry types.ListingEntry) (int64, string, error) {
	dir := filepath.Join(d.opts.Root, UnprocessedDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, "", err
	}
	target := filepath.Join(dir, entry.Name)
	tmp := target + partialSuffix

	ref := entry.ID
	if ref == "" {
		ref = entry.PathLower
	}
	reqCtx := api.NewRequestContext(logging.TraceIDFromContext(ctx), d.opts.Folder, types.RequestTypeDownload)
	body, err := d.source.Download(ctx, reqCtx, ref)
	if err != nil {
		return 0, "", err
	}
	defer body.Close()

	f, err := os.Create(tmp)
	if err != nil {
		return 0, "", err
	}
	n, err := io.Copy(f, body)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, "", fmt.Errorf("writing %s: %w", entry.Name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return 0, "", err
	}

	d.logger.Info("Downloaded file", logging.F("name", entry.Name), logging.F("bytes", n))
	if d.opts.Metrics != nil {
		d.opts.Metrics.Download(StatusDownloaded, n)
	}
	return n, target, nil
}

func (d *Downloader) record(ctx context.Context, entry types.ListingEntry, size int64) {
	if d.opts.Journal == nil {
		return
	}
	err := d.opts.Journal.RecordDownload(ctx, journal.Download{
		Folder: d.opts.Folder,
		Name:   entry.Name,
		FileID: entry.ID,
		Size:   size,
	})
	if err != nil {
		d.logger.Warn("Failed to record download", logging.F("name", entry.Name), logging.F("error", err.Error()))
	}
}

// MarkProcessed moves name from the staging directory to processed/
func MarkProcessed(ctx context.Context, root, folder, name string, db *journal.DB) error {
	if name == "" || name != filepath.Base(name) {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid file name %q", name)).Build())
	}
	src := filepath.Join(root, UnprocessedDir, name)
	dst := filepath.Join(root, ProcessedDir, name)

	if _, err := os.Stat(src); os.IsNotExist(err) {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeNotFound,
			fmt.Sprintf("%s is not in %s", name, UnprocessedDir)).
			WithContext("path", src).
			Build())
	}
	if _, err := os.Stat(dst); err == nil {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeConflict,
			fmt.Sprintf("%s is already in %s", name, ProcessedDir)).
			WithContext("path", dst).
			Build())
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return err
	}
	if db != nil {
		return db.MarkProcessed(ctx, folder, name, time.Now())
	}
	return nil
}

// localNames returns the file names in dir; a missing dir is empty
func localNames(dir string) (map[string]bool, error) {
	names := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return names, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}
		names[e.Name()] = true
	}
	return names, nil
}
