package scanner

import (
	"context"
	"fmt"

	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// Page is one page of a cursor-paginated listing. An empty Cursor, or
// HasMore false, means the listing is exhausted.
type Page[T any] struct {
	Items   []T
	Cursor  string
	HasMore bool
}

// FirstPageFunc fetches the first page of a listing
type FirstPageFunc[T any] func(ctx context.Context) (Page[T], error)

// NextPageFunc fetches the page after cursor
type NextPageFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Paginate walks a listing from its first page to exhaustion, handing every
// page to visit in order, and returns the total number of items seen. Items
// are not deduplicated. An error from any page or from visit aborts the walk.
func Paginate[T any](ctx context.Context, first FirstPageFunc[T], next NextPageFunc[T], visit func([]T) error) (int, error) {
	total := 0

	page, err := first(ctx)
	if err != nil {
		return total, fmt.Errorf("page 1: %w", err)
	}

	for n := 1; ; n++ {
		total += len(page.Items)
		if err := visit(page.Items); err != nil {
			return total, err
		}

		if !page.HasMore {
			return total, nil
		}
		if page.Cursor == "" {
			return total, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInternalError,
				fmt.Sprintf("page %d reported more results without a cursor", n)).
				WithContext("page", n).
				Build())
		}

		if err := ctx.Err(); err != nil {
			return total, err
		}

		page, err = next(ctx, page.Cursor)
		if err != nil {
			return total, fmt.Errorf("page %d: %w", n+1, err)
		}
	}
}
