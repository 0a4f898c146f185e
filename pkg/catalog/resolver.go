package catalog

import (
	"sort"
	"time"
)

// Listing is one row of the storefront catalog sweep.
type Listing struct {
	StoreID     string
	Package     string
	DisplayName string
}

// FetchJob is one entity the current run must fetch, with the depth and
// incremental cutoff already decided.
type FetchJob struct {
	StoreID     string
	Packages    []string
	DisplayName string
	Depth       FetchDepth
	// Since is the incremental cutoff: only versions released after it are
	// needed. Zero for full fetches.
	Since time.Time
	// Prior is the persisted record, nil for entities never seen before.
	Prior *App
}

// Plan partitions a catalog sweep against the persisted dataset.
type Plan struct {
	// New are entities observed now but absent from the dataset. They get
	// the expensive full-history fetch.
	New []FetchJob
	// Known are entities present in both; they get an incremental fetch.
	Known []FetchJob
	// Vanished are persisted entity IDs absent from this sweep. They are
	// marked stale and retained, not re-fetched.
	Vanished []string
	// Skipped are known entities refreshed within the exclusion window.
	Skipped []string
}

// Resolver decides, per entity, whether a full history fetch or an
// incremental tail fetch is required. Restricting full fetches to genuinely
// new entities is what bounds run cost as the catalog grows.
type Resolver struct {
	// ExclusionWindow skips known entities refreshed this recently.
	// Zero disables the skip.
	ExclusionWindow time.Duration
	// Mapping maps otherwise-unrecognized package names to store IDs. It is
	// a read-only supplementary source (crowd-sourced sheet) consulted only
	// when neither the sweep ID nor the alias index resolves a listing.
	Mapping map[string]string
}

// Resolve partitions the sweep. known is the persisted dataset keyed by
// store ID; aliases maps package names to the store ID they already belong
// to. A listing reachable under two package names is treated as one entity
// when either package already maps to a known ID.
func (r *Resolver) Resolve(known map[string]*App, aliases map[string]string, sweep []Listing, now time.Time) Plan {
	var plan Plan

	observed := make(map[string]bool)
	newJobs := make(map[string]*FetchJob)
	knownJobs := make(map[string]*FetchJob)

	for _, l := range sweep {
		if l.StoreID == "" && l.Package == "" {
			continue
		}

		id := l.StoreID
		if _, ok := known[id]; !ok {
			// Tie-break: a package name that already maps to a known entity
			// wins over the sweep's ID, so one app listed under a second ID
			// is not fetched twice.
			if mapped, ok := aliases[l.Package]; ok {
				id = mapped
			} else if mapped, ok := r.Mapping[l.Package]; ok && known[mapped] != nil {
				id = mapped
			}
		}

		if app, ok := known[id]; ok {
			observed[id] = true
			if job, ok := knownJobs[id]; ok {
				job.Packages = appendUnique(job.Packages, l.Package)
				continue
			}
			knownJobs[id] = r.knownJob(app, l, id)
			continue
		}

		// Provisionally new. If a mapping appears later the records are
		// reconciled by package alias on a future run.
		if job, ok := newJobs[id]; ok {
			job.Packages = appendUnique(job.Packages, l.Package)
			continue
		}
		newJobs[id] = &FetchJob{
			StoreID:     id,
			Packages:    appendUnique(nil, l.Package),
			DisplayName: l.DisplayName,
			Depth:       DepthFull,
		}
	}

	for id, app := range known {
		if observed[id] {
			continue
		}
		if app.Status != StatusStale {
			plan.Vanished = append(plan.Vanished, id)
		}
	}

	for id, job := range knownJobs {
		if r.recentlyRefreshed(job.Prior, now) {
			plan.Skipped = append(plan.Skipped, id)
			continue
		}
		plan.Known = append(plan.Known, *job)
	}
	for _, job := range newJobs {
		plan.New = append(plan.New, *job)
	}

	sort.Slice(plan.New, func(i, j int) bool { return plan.New[i].StoreID < plan.New[j].StoreID })
	sort.Slice(plan.Known, func(i, j int) bool { return plan.Known[i].StoreID < plan.Known[j].StoreID })
	sort.Strings(plan.Vanished)
	sort.Strings(plan.Skipped)
	return plan
}

func (r *Resolver) knownJob(app *App, l Listing, id string) *FetchJob {
	job := &FetchJob{
		StoreID:     id,
		Packages:    appendUnique(nil, l.Package),
		DisplayName: l.DisplayName,
		Prior:       app,
	}
	// An entity whose first fetch never produced usable history is retried
	// at full depth; everything else only needs the tail past the newest
	// recorded release.
	if app.Status == StatusError || len(app.Versions) == 0 || app.LastFullFetchAt.IsZero() {
		job.Depth = DepthFull
		return job
	}
	job.Depth = DepthIncremental
	job.Since = app.LatestRelease()
	return job
}

func (r *Resolver) recentlyRefreshed(app *App, now time.Time) bool {
	if r.ExclusionWindow <= 0 || app == nil {
		return false
	}
	if app.Status != StatusActive || app.LastSeenAt.IsZero() {
		return false
	}
	return now.Sub(app.LastSeenAt) < r.ExclusionWindow
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
