// Package extract wraps the browser rendering driver behind a small façade.
// Given a fetch job it returns a validated snapshot or a stage-tagged
// failure. It applies a bounded per-page timeout and a bounded retry count
// with exponential backoff, and never touches persisted state.
package extract

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/vrdb/questmeta/pkg/catalog"
)

const (
	defaultPageTimeout = 30 * time.Second
	defaultMaxAttempts = 3 // initial try + 2 retries
	defaultBackoffBase = 2 * time.Second

	// maxHistoryPages bounds a full-history traversal so a pagination bug on
	// the storefront side cannot spin a worker forever.
	maxHistoryPages = 50
)

// Adapter fetches and validates entity snapshots.
type Adapter struct {
	Renderer Renderer
	BaseURL  string

	// Limiter paces page loads across all workers. Nil disables pacing.
	Limiter *rate.Limiter

	PageTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration

	// sleep is replaceable in tests.
	sleep func(time.Duration)
}

// NewAdapter returns an adapter with the default retry policy.
func NewAdapter(r Renderer, baseURL string, limiter *rate.Limiter) *Adapter {
	return &Adapter{
		Renderer:    r,
		BaseURL:     baseURL,
		Limiter:     limiter,
		PageTimeout: defaultPageTimeout,
		MaxAttempts: defaultMaxAttempts,
		BackoffBase: defaultBackoffBase,
		sleep:       time.Sleep,
	}
}

// FetchSnapshot renders the entity's detail page (and, at full depth, its
// changelog continuation pages) and returns a validated snapshot.
//
// Failure modes:
//   - *catalog.TransientFetchError after the bounded retries are exhausted
//   - *catalog.MalformedSnapshotError when the page parsed but failed the
//     snapshot schema
//   - ctx.Err() verbatim on cancellation, so callers can treat the entity
//     as not-yet-processed
func (a *Adapter) FetchSnapshot(ctx context.Context, job catalog.FetchJob) (*catalog.Snapshot, error) {
	html, err := a.renderWithRetry(ctx, a.detailURL(job.StoreID, ""))
	if err != nil {
		return nil, err
	}

	snap, info, err := parseDetail(html)
	if err != nil {
		return nil, &catalog.MalformedSnapshotError{StoreID: job.StoreID, Err: err}
	}
	if snap.Package == "" && len(job.Packages) > 0 {
		snap.Package = job.Packages[0]
	}
	snap.Depth = job.Depth
	snap.FetchedAt = time.Now().UTC()

	if err := a.fetchHistoryTail(ctx, job, snap, info); err != nil {
		return nil, err
	}

	if job.Depth == catalog.DepthIncremental && !job.Since.IsZero() {
		snap.Versions = trimOlderThan(snap.Versions, job.Since)
	}

	if err := snap.Validate(); err != nil {
		return nil, &catalog.MalformedSnapshotError{StoreID: job.StoreID, Err: err}
	}
	return snap, nil
}

// fetchHistoryTail walks changelog pagination. Full fetches walk until the
// storefront reports no further pages (bounded by maxHistoryPages);
// incremental fetches stop as soon as a page reaches entries at or before
// the cutoff, which keeps repeat-run cost proportional to what changed.
func (a *Adapter) fetchHistoryTail(ctx context.Context, job catalog.FetchJob, snap *catalog.Snapshot, info pageInfo) error {
	for page := 0; info.HasNext && info.EndCursor != "" && page < maxHistoryPages; page++ {
		if job.Depth == catalog.DepthIncremental && reachedCutoff(snap.Versions, job.Since) {
			return nil
		}

		html, err := a.renderWithRetry(ctx, a.detailURL(job.StoreID, info.EndCursor))
		if err != nil {
			return err
		}
		versions, next, err := parseVersions(html)
		if err != nil {
			return &catalog.MalformedSnapshotError{StoreID: job.StoreID, Err: err}
		}
		snap.Versions = append(snap.Versions, versions...)
		info = next
	}
	return nil
}

// renderWithRetry loads one page under the retry policy. Cancellation is
// cooperative: a dead run context returns immediately and is never wrapped
// as a transient failure.
func (a *Adapter) renderWithRetry(ctx context.Context, pageURL string) (string, error) {
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if attempt > 0 {
			sleep := a.sleep
			if sleep == nil {
				sleep = time.Sleep
			}
			sleep(a.BackoffBase * time.Duration(1<<(attempt-1)))
		}
		if a.Limiter != nil {
			if err := a.Limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		pctx, cancel := context.WithTimeout(ctx, a.pageTimeout())
		html, err := a.Renderer.Render(pctx, pageURL)
		cancel()
		if err == nil {
			return html, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", &catalog.TransientFetchError{Target: pageURL, Attempts: attempts, Err: lastErr}
}

func (a *Adapter) detailURL(storeID, cursor string) string {
	u := fmt.Sprintf("%s/apps/%s/", a.BaseURL, url.PathEscape(storeID))
	if cursor != "" {
		u += "?versions_cursor=" + url.QueryEscape(cursor)
	}
	return u
}

func (a *Adapter) pageTimeout() time.Duration {
	if a.PageTimeout > 0 {
		return a.PageTimeout
	}
	return defaultPageTimeout
}

// reachedCutoff reports whether the already-collected history extends to or
// past the incremental cutoff.
func reachedCutoff(versions []catalog.SnapshotVersion, since time.Time) bool {
	if since.IsZero() {
		return false
	}
	for _, v := range versions {
		if !v.ReleasedAt.After(since) {
			return true
		}
	}
	return false
}

// trimOlderThan drops entries at or before the cutoff; the persisted record
// already has them and recorded history is never rewritten.
func trimOlderThan(versions []catalog.SnapshotVersion, since time.Time) []catalog.SnapshotVersion {
	out := versions[:0]
	for _, v := range versions {
		if v.ReleasedAt.After(since) {
			out = append(out, v)
		}
	}
	return out
}
