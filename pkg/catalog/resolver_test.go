package catalog

import (
	"testing"
	"time"
)

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func activeApp(id string, lastFull time.Time, versions ...VersionEntry) *App {
	return &App{
		ID:              id,
		Status:          StatusActive,
		Versions:        versions,
		LastFullFetchAt: lastFull,
	}
}

func TestResolvePartitionsSweep(t *testing.T) {
	known := map[string]*App{
		"A": activeApp("A", day(1), VersionEntry{Version: "1.0", ReleasedAt: day(1)}),
	}
	sweep := []Listing{
		{StoreID: "A", Package: "com.example.a"},
		{StoreID: "B", Package: "com.example.b"},
	}

	r := &Resolver{}
	plan := r.Resolve(known, nil, sweep, day(10))

	if len(plan.New) != 1 || plan.New[0].StoreID != "B" {
		t.Fatalf("expected new = {B}, got %+v", plan.New)
	}
	if plan.New[0].Depth != DepthFull {
		t.Errorf("new entity must get a full fetch, got %s", plan.New[0].Depth)
	}
	if len(plan.Known) != 1 || plan.Known[0].StoreID != "A" {
		t.Fatalf("expected known = {A}, got %+v", plan.Known)
	}
	if len(plan.Vanished) != 0 {
		t.Errorf("expected no vanished entities, got %v", plan.Vanished)
	}
}

func TestResolveIncrementalCutoff(t *testing.T) {
	known := map[string]*App{
		"A": activeApp("A", day(1),
			VersionEntry{Version: "1.0", ReleasedAt: day(1)},
			VersionEntry{Version: "1.1", ReleasedAt: day(5)},
		),
	}

	r := &Resolver{}
	plan := r.Resolve(known, nil, []Listing{{StoreID: "A", Package: "com.a"}}, day(20))

	if len(plan.Known) != 1 {
		t.Fatalf("expected one known job, got %d", len(plan.Known))
	}
	job := plan.Known[0]
	if job.Depth != DepthIncremental {
		t.Errorf("expected incremental depth, got %s", job.Depth)
	}
	if !job.Since.Equal(day(5)) {
		t.Errorf("cutoff should be the newest recorded release, got %s", job.Since)
	}
}

func TestResolveFullFetchWhenNoUsableHistory(t *testing.T) {
	tests := []struct {
		name string
		app  *App
	}{
		{"error status", &App{ID: "A", Status: StatusError}},
		{"no versions", &App{ID: "A", Status: StatusActive, LastFullFetchAt: day(1)}},
		{"never fully fetched", &App{ID: "A", Status: StatusActive,
			Versions: []VersionEntry{{Version: "1.0", ReleasedAt: day(1)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Resolver{}
			plan := r.Resolve(map[string]*App{"A": tt.app}, nil,
				[]Listing{{StoreID: "A", Package: "com.a"}}, day(10))
			if len(plan.Known) != 1 || plan.Known[0].Depth != DepthFull {
				t.Fatalf("expected full-depth known job, got %+v", plan.Known)
			}
		})
	}
}

func TestResolveVanishedMarkedOnce(t *testing.T) {
	known := map[string]*App{
		"A": activeApp("A", day(1), VersionEntry{Version: "1.0", ReleasedAt: day(1)}),
		"B": {ID: "B", Status: StatusStale},
	}

	r := &Resolver{}
	plan := r.Resolve(known, nil, nil, day(10))

	// A vanishes now; B is already stale and must not be re-marked.
	if len(plan.Vanished) != 1 || plan.Vanished[0] != "A" {
		t.Fatalf("expected vanished = {A}, got %v", plan.Vanished)
	}
}

func TestResolveAliasTieBreak(t *testing.T) {
	// The storefront lists the same app under a second ID, but the package
	// name already maps to A: treat as one known entity, don't fetch twice.
	known := map[string]*App{
		"A": activeApp("A", day(1), VersionEntry{Version: "1.0", ReleasedAt: day(1)}),
	}
	aliases := map[string]string{"com.a": "A"}
	sweep := []Listing{
		{StoreID: "A", Package: "com.a"},
		{StoreID: "A2", Package: "com.a"},
	}

	r := &Resolver{}
	plan := r.Resolve(known, aliases, sweep, day(10))

	if len(plan.New) != 0 {
		t.Fatalf("aliased listing must not be treated as new, got %+v", plan.New)
	}
	if len(plan.Known) != 1 || plan.Known[0].StoreID != "A" {
		t.Fatalf("expected single known job for A, got %+v", plan.Known)
	}
}

func TestResolveMappingSheetResolvesUnknownPackage(t *testing.T) {
	known := map[string]*App{
		"A": activeApp("A", day(1), VersionEntry{Version: "1.0", ReleasedAt: day(1)}),
	}
	r := &Resolver{Mapping: map[string]string{"com.newpkg": "A"}}
	plan := r.Resolve(known, nil, []Listing{{StoreID: "X", Package: "com.newpkg"}}, day(10))

	if len(plan.New) != 0 || len(plan.Known) != 1 {
		t.Fatalf("mapping sheet should resolve listing to known A, got new=%v known=%v", plan.New, plan.Known)
	}
}

func TestResolveProvisionallyNewWithoutMapping(t *testing.T) {
	r := &Resolver{}
	plan := r.Resolve(map[string]*App{}, nil, []Listing{
		{StoreID: "X", Package: "com.x"},
		{StoreID: "X", Package: "com.x2"},
	}, day(10))

	if len(plan.New) != 1 {
		t.Fatalf("same new ID under two packages must be one entity, got %+v", plan.New)
	}
	if got := plan.New[0].Packages; len(got) != 2 {
		t.Errorf("expected both packages collected, got %v", got)
	}
}

func TestResolveExclusionWindow(t *testing.T) {
	fresh := activeApp("A", day(1), VersionEntry{Version: "1.0", ReleasedAt: day(1)})
	fresh.LastSeenAt = day(9)

	r := &Resolver{ExclusionWindow: 7 * 24 * time.Hour}
	plan := r.Resolve(map[string]*App{"A": fresh}, nil,
		[]Listing{{StoreID: "A", Package: "com.a"}}, day(10))

	if len(plan.Known) != 0 {
		t.Fatalf("recently refreshed entity should be skipped, got %+v", plan.Known)
	}
	if len(plan.Skipped) != 1 || plan.Skipped[0] != "A" {
		t.Fatalf("expected skipped = {A}, got %v", plan.Skipped)
	}

	// Past the window it is fetched again.
	plan = r.Resolve(map[string]*App{"A": fresh}, nil,
		[]Listing{{StoreID: "A", Package: "com.a"}}, day(20))
	if len(plan.Known) != 1 {
		t.Fatalf("entity past exclusion window should be fetched, got %+v", plan.Known)
	}
}
