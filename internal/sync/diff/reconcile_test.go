package diff

import (
	"testing"

	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
)

func set(ids ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		previous map[string]struct{}
		current  map[string]struct{}
		want     []string
	}{
		{"removed id", set("A", "B", "C"), set("B", "C"), []string{"A"}},
		{"new id only", set(), set("X"), []string{}},
		{"everything gone", set("X"), set(), []string{"X"}},
		{"both empty", nil, nil, []string{}},
		{"sorted output", set("c", "a", "b", "keep"), set("keep"), []string{"a", "b", "c"}},
		{"moved between scopes keeps id", set("id:1"), set("id:1"), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.previous, tt.current)
			testhelpers.AssertStrings(t, got, tt.want)
		})
	}
}

func TestGate_Skip(t *testing.T) {
	tests := []struct {
		name string
		gate Gate
		want SkipReason
	}{
		{"complete run", Gate{}, SkipNone},
		{"failed scope", Gate{FailedScopes: 1}, SkipScopeFailed},
		{"filtered", Gate{Filtered: true}, SkipScopeFilter},
		{"no delete", Gate{NoDelete: true}, SkipNoDelete},
		{"dry run", Gate{DryRun: true}, SkipDryRun},
		{"failure wins over filter", Gate{FailedScopes: 1, Filtered: true}, SkipScopeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testhelpers.AssertEqual(t, tt.gate.Skip(), tt.want)
		})
	}
}
