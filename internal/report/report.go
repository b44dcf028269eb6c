// Package report writes the tab-separated file inventory
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dl-alexandre/dbxsync/internal/types"
)

// Columns lists the report fields in order. The file itself has no header.
var Columns = []string{
	"id",
	"parent_shared_folder_id",
	"base_folder",
	"path_display",
	"path_lower",
	"client_modified",
	"server_modified",
	"rev",
	"size",
	"is_downloadable",
	"content_hash",
	"extension",
	"tag",
}

// Write emits one row per active file record, ordered by base folder and
// path, and returns the number of rows written
func Write(w io.Writer, records []types.NormalizedRecord) (int, error) {
	files := make([]types.NormalizedRecord, 0, len(records))
	for _, r := range records {
		if r.IsActiveFile() {
			files = append(files, r)
		}
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].BaseFolder != files[j].BaseFolder {
			return files[i].BaseFolder < files[j].BaseFolder
		}
		return files[i].PathLower < files[j].PathLower
	})

	out := csv.NewWriter(w)
	out.Comma = '\t'
	out.UseCRLF = true
	for _, r := range files {
		if err := out.Write(row(r)); err != nil {
			return 0, err
		}
	}
	out.Flush()
	if err := out.Error(); err != nil {
		return 0, err
	}
	return len(files), nil
}

// WriteFile replaces path with the report
func WriteFile(path string, records []types.NormalizedRecord) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := Write(tmp, records)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return n, nil
}

func row(r types.NormalizedRecord) []string {
	downloadable := "False"
	if r.IsDownloadable {
		downloadable = "True"
	}
	return []string{
		r.ID,
		r.ParentSharedFolderID,
		r.BaseFolder,
		r.PathDisplay,
		r.PathLower,
		r.ClientModified,
		r.ServerModified,
		r.Rev,
		strconv.FormatInt(r.Size, 10),
		downloadable,
		r.ContentHash,
		r.Extension,
		string(r.Tag),
	}
}
