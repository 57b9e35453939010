package connector

import (
	"context"
	"sort"
	"testing"
)

// fakeUpstream holds records at fixed timestamps and answers window queries
// the way a capped exchange endpoint does: newest first, at most cap rows.
type fakeUpstream struct {
	timestamps []int64
	cap        int
	calls      int
}

func (f *fakeUpstream) query(w Window) []int64 {
	f.calls++
	var hits []int64
	for _, ts := range f.timestamps {
		if ts >= w.Start && ts < w.End {
			hits = append(hits, ts)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i] > hits[j] })
	if len(hits) > f.cap {
		hits = hits[:f.cap]
	}
	return hits
}

func TestWalkWindowsCoversRangeBackward(t *testing.T) {
	var windows []Window
	fetch := func(_ context.Context, w Window) (int, error) {
		windows = append(windows, w)
		return 0, nil
	}

	if err := WalkWindows(context.Background(), 0, 10_000, 4000, 100, fetch, nil); err != nil {
		t.Fatalf("WalkWindows() error: %v", err)
	}

	want := []Window{{6000, 10_000}, {2000, 6000}, {0, 2000}}
	if len(windows) != len(want) {
		t.Fatalf("windows = %v, want %v", windows, want)
	}
	for i, w := range want {
		if windows[i] != w {
			t.Errorf("window %d = %v, want %v", i, windows[i], w)
		}
	}
}

func TestWalkWindowsBisectsFullPages(t *testing.T) {
	// 10 records clustered inside one span, page cap 3: a single query can
	// never see them all, so bisection must recover the rest.
	up := &fakeUpstream{cap: 3}
	for i := int64(0); i < 10; i++ {
		up.timestamps = append(up.timestamps, 10_000+i*500)
	}

	seen := make(map[int64]bool)
	fetch := func(_ context.Context, w Window) (int, error) {
		hits := up.query(w)
		for _, ts := range hits {
			seen[ts] = true
		}
		return len(hits), nil
	}

	if err := WalkWindows(context.Background(), 0, 20_000, 20_000, up.cap, fetch, nil); err != nil {
		t.Fatalf("WalkWindows() error: %v", err)
	}

	for _, ts := range up.timestamps {
		if !seen[ts] {
			t.Errorf("record at %d never fetched", ts)
		}
	}
}

func TestWalkWindowsStopsBisectingAtFloor(t *testing.T) {
	// Every query reports a full page; without the floor this would never
	// terminate.
	calls := 0
	fetch := func(_ context.Context, w Window) (int, error) {
		calls++
		return 50, nil
	}

	if err := WalkWindows(context.Background(), 0, 8000, 8000, 50, fetch, nil); err != nil {
		t.Fatalf("WalkWindows() error: %v", err)
	}
	if calls == 0 || calls > 64 {
		t.Fatalf("calls = %d, want bounded bisection", calls)
	}
}

func TestWalkWindowsAdvancesAfterEachSlice(t *testing.T) {
	var marks []int64
	fetch := func(_ context.Context, w Window) (int, error) { return 0, nil }
	advance := func(oldestDone int64) error {
		marks = append(marks, oldestDone)
		return nil
	}

	if err := WalkWindows(context.Background(), 1000, 7000, 2000, 10, fetch, advance); err != nil {
		t.Fatalf("WalkWindows() error: %v", err)
	}

	want := []int64{5000, 3000, 1000}
	if len(marks) != len(want) {
		t.Fatalf("marks = %v, want %v", marks, want)
	}
	for i := range want {
		if marks[i] != want[i] {
			t.Errorf("mark %d = %d, want %d", i, marks[i], want[i])
		}
	}
}

func TestWalkWindowsHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(_ context.Context, w Window) (int, error) {
		cancel()
		return 50, nil // full page forces a bisect attempt, which must abort
	}

	err := WalkWindows(ctx, 0, 100_000, 100_000, 50, fetch, nil)
	if err != context.Canceled {
		t.Fatalf("WalkWindows() error = %v, want context.Canceled", err)
	}
}
