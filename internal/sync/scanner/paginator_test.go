package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// fakePages serves pages[0] as the first page and pages[i] for cursor "c<i>"
type fakePages struct {
	pages   [][]string
	failAt  int
	calls   int
	cursors []string
}

func (f *fakePages) page(i int) (Page[string], error) {
	f.calls++
	if f.failAt > 0 && i == f.failAt {
		return Page[string]{}, errors.New("boom")
	}
	p := Page[string]{Items: f.pages[i]}
	if i+1 < len(f.pages) {
		p.Cursor = fmt.Sprintf("c%d", i+1)
		p.HasMore = true
	}
	return p, nil
}

func (f *fakePages) first(ctx context.Context) (Page[string], error) {
	return f.page(0)
}

func (f *fakePages) next(ctx context.Context, cursor string) (Page[string], error) {
	f.cursors = append(f.cursors, cursor)
	var i int
	if _, err := fmt.Sscanf(cursor, "c%d", &i); err != nil {
		return Page[string]{}, err
	}
	return f.page(i)
}

func TestPaginate_VisitsEveryPage(t *testing.T) {
	tests := []struct {
		name  string
		pages [][]string
		want  int
	}{
		{"three pages", [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, 5},
		{"single page", [][]string{{"a"}}, 1},
		{"empty listing", [][]string{{}}, 0},
		{"empty middle page", [][]string{{"a"}, {}, {"b"}}, 2},
		{"duplicates are kept", [][]string{{"a", "a"}, {"a"}}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakePages{pages: tt.pages}
			var seen []string
			total, err := Paginate(context.Background(), fake.first, fake.next, func(items []string) error {
				seen = append(seen, items...)
				return nil
			})
			testhelpers.AssertNoError(t, err)
			testhelpers.AssertEqual(t, total, tt.want)
			testhelpers.AssertEqual(t, len(seen), tt.want)
			testhelpers.AssertEqual(t, fake.calls, len(tt.pages))
		})
	}
}

func TestPaginate_PageErrorCarriesPageNumber(t *testing.T) {
	fake := &fakePages{pages: [][]string{{"a"}, {"b"}, {"c"}}, failAt: 2}
	total, err := Paginate(context.Background(), fake.first, fake.next, func([]string) error { return nil })
	testhelpers.AssertError(t, err)
	if !strings.Contains(err.Error(), "page 3") {
		t.Errorf("Expected page number in error, got %v", err)
	}
	testhelpers.AssertEqual(t, total, 2)
}

func TestPaginate_VisitErrorAborts(t *testing.T) {
	fake := &fakePages{pages: [][]string{{"a"}, {"b"}}}
	stop := errors.New("stop")
	_, err := Paginate(context.Background(), fake.first, fake.next, func([]string) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("Expected visit error, got %v", err)
	}
	testhelpers.AssertEqual(t, fake.calls, 1)
}

func TestPaginate_MoreWithoutCursor(t *testing.T) {
	first := func(ctx context.Context) (Page[string], error) {
		return Page[string]{Items: []string{"a"}, HasMore: true}, nil
	}
	next := func(ctx context.Context, cursor string) (Page[string], error) {
		t.Fatal("next must not be called without a cursor")
		return Page[string]{}, nil
	}
	_, err := Paginate(context.Background(), first, next, func([]string) error { return nil })
	testhelpers.AssertError(t, err)
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeInternalError)
}

func TestPaginate_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakePages{pages: [][]string{{"a"}, {"b"}, {"c"}}}
	_, err := Paginate(ctx, fake.first, fake.next, func([]string) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	testhelpers.AssertEqual(t, fake.calls, 1)
}
