package scanner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dl-alexandre/dbxsync/internal/types"
)

// ErrMalformedEntry marks a listing entry that cannot become a record.
// Callers drop the entry and keep going.
var ErrMalformedEntry = errors.New("malformed listing entry")

// Normalize converts one raw listing entry into the indexed record for scope.
// Deleted markers report ok=false with a nil error.
func Normalize(entry types.ListingEntry, scope types.Scope, observedAt string) (types.NormalizedRecord, bool, error) {
	switch entry.Kind {
	case types.EntryKindDeleted:
		return types.NormalizedRecord{}, false, nil
	case types.EntryKindFile, types.EntryKindFolder:
	default:
		return types.NormalizedRecord{}, false, fmt.Errorf("%w: unknown tag %q for %q", ErrMalformedEntry, entry.Kind, entry.PathDisplay)
	}

	var missing []string
	if entry.ID == "" {
		missing = append(missing, "id")
	}
	if entry.Name == "" {
		missing = append(missing, "name")
	}
	if entry.PathLower == "" {
		missing = append(missing, "path_lower")
	}
	if entry.PathDisplay == "" {
		missing = append(missing, "path_display")
	}
	if len(missing) > 0 {
		return types.NormalizedRecord{}, false, fmt.Errorf("%w: %s missing %s", ErrMalformedEntry, entry.Kind, strings.Join(missing, ", "))
	}

	pathLower := strings.ToLower(scope.Name) + entry.PathLower
	downloadable := true
	if entry.IsDownloadable != nil {
		downloadable = *entry.IsDownloadable
	}

	return types.NormalizedRecord{
		ID:                   entry.ID,
		Tag:                  entry.Kind,
		Name:                 entry.Name,
		PathDisplay:          scope.Name + entry.PathDisplay,
		PathLower:            pathLower,
		Size:                 entry.Size,
		ContentHash:          entry.ContentHash,
		Rev:                  entry.Rev,
		ClientModified:       entry.ClientModified,
		ServerModified:       entry.ServerModified,
		ParentSharedFolderID: entry.ParentSharedFolderID,
		IsDownloadable:       downloadable,
		Extension:            Extension(entry.Name),
		BaseFolder:           scope.Name,
		Depth:                strings.Count(pathLower, "/"),
		ParentPath:           parentPath(pathLower),
		LifecycleState:       types.LifecycleActive,
		ObservedAt:           observedAt,
	}, true, nil
}

// Extension returns the text after the last dot in name, or "" without one
func Extension(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

// PageStats counts what NormalizePage threw away
type PageStats struct {
	Dropped   int
	Malformed int
}

// NormalizePage normalizes a page, skipping deleted markers and malformed
// entries. onMalformed, when set, sees every malformed entry's error.
func NormalizePage(entries []types.ListingEntry, scope types.Scope, observedAt string, onMalformed func(types.ListingEntry, error)) ([]types.NormalizedRecord, PageStats) {
	var stats PageStats
	records := make([]types.NormalizedRecord, 0, len(entries))
	for _, entry := range entries {
		rec, ok, err := Normalize(entry, scope, observedAt)
		if err != nil {
			stats.Malformed++
			if onMalformed != nil {
				onMalformed(entry, err)
			}
			continue
		}
		if !ok {
			stats.Dropped++
			continue
		}
		records = append(records, rec)
	}
	return records, stats
}
