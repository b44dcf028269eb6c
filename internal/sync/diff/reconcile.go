package diff

import "sort"

// Reconcile returns the ids in previous that are absent from current,
// sorted. Either set may be empty.
func Reconcile(previous, current map[string]struct{}) []string {
	gone := make([]string, 0)
	for id := range previous {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	return gone
}

// SkipReason explains why a run does not tombstone
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipScopeFailed SkipReason = "scope_failed"
	SkipScopeFilter SkipReason = "scope_filter"
	SkipNoDelete    SkipReason = "no_delete"
	SkipDryRun      SkipReason = "dry_run"
)

// Gate holds what decides whether deletions may be reconciled
type Gate struct {
	FailedScopes int
	Filtered     bool
	NoDelete     bool
	DryRun       bool
}

// Skip returns why tombstoning must not run, or SkipNone. A traversal that
// did not see every scope cannot tell a deleted file from an unlisted one.
func (g Gate) Skip() SkipReason {
	switch {
	case g.FailedScopes > 0:
		return SkipScopeFailed
	case g.Filtered:
		return SkipScopeFilter
	case g.NoDelete:
		return SkipNoDelete
	case g.DryRun:
		return SkipDryRun
	}
	return SkipNone
}
