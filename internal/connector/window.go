package connector

import (
	"context"
	"fmt"
)

// Window is one half-open [Start, End) time slice in unix milliseconds.
type Window struct {
	Start int64
	End   int64
}

// minWindowMs is the bisection floor. A one-second window that still fills a
// page is accepted as-is rather than split forever.
const minWindowMs = 1000

// FetchWindowFunc fetches one window and reports how many records the
// upstream returned for it.
type FetchWindowFunc func(ctx context.Context, w Window) (int, error)

// WalkWindows iterates an endpoint whose upstream caps history queries to a
// maximum span. It walks backward from until to since in span-sized slices,
// newest first, so an interrupted run leaves the most recent history synced.
//
// When a slice comes back holding exactly pageCap records the upstream may
// have truncated it, so the slice is bisected and both halves re-fetched;
// duplicates produced by the re-fetch are absorbed by id-based dedupe
// downstream. After each top-level slice completes, advance is called with
// the slice start so the caller can persist resume state.
func WalkWindows(ctx context.Context, since, until, span int64, pageCap int, fetch FetchWindowFunc, advance func(oldestDone int64) error) error {
	if span <= 0 {
		return fmt.Errorf("walk windows: non-positive span %d", span)
	}
	for hi := until; hi > since; {
		lo := hi - span
		if lo < since {
			lo = since
		}
		if err := fetchBisect(ctx, Window{Start: lo, End: hi}, pageCap, fetch); err != nil {
			return err
		}
		if advance != nil {
			if err := advance(lo); err != nil {
				return err
			}
		}
		hi = lo
	}
	return nil
}

func fetchBisect(ctx context.Context, w Window, pageCap int, fetch FetchWindowFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := fetch(ctx, w)
	if err != nil {
		return err
	}
	if pageCap <= 0 || n < pageCap || w.End-w.Start <= minWindowMs {
		return nil
	}
	mid := w.Start + (w.End-w.Start)/2
	if err := fetchBisect(ctx, Window{Start: mid, End: w.End}, pageCap, fetch); err != nil {
		return err
	}
	return fetchBisect(ctx, Window{Start: w.Start, End: mid}, pageCap, fetch)
}
