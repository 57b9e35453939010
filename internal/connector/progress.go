package connector

import "context"

// SyncRange tracks the contiguous unix-ms span [From, To) an endpoint has
// already fetched. It is persisted inside a phase cursor so an interrupted
// backfill resumes where it stopped instead of starting over.
type SyncRange struct {
	From int64 `json:"from,omitempty"`
	To   int64 `json:"to,omitempty"`
}

// Started reports whether any fetch has ever completed for this endpoint.
func (r *SyncRange) Started() bool { return r.To != 0 }

// Sync extends the covered span to [since, now]: first it catches up on
// records newer than the last run, then it continues the historical backfill.
// From is advanced slice by slice, so a failure mid-backfill loses only the
// slice in flight.
func (r *SyncRange) Sync(ctx context.Context, since, now, span int64, pageCap int, fetch FetchWindowFunc) error {
	if !r.Started() {
		r.From = now
		r.To = now
		return WalkWindows(ctx, since, now, span, pageCap, fetch, func(oldestDone int64) error {
			r.From = oldestDone
			return nil
		})
	}

	if now > r.To {
		if err := WalkWindows(ctx, r.To, now, span, pageCap, fetch, nil); err != nil {
			return err
		}
		r.To = now
	}

	if r.From > since {
		return WalkWindows(ctx, since, r.From, span, pageCap, fetch, func(oldestDone int64) error {
			r.From = oldestDone
			return nil
		})
	}
	return nil
}
