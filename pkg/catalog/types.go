package catalog

import (
	"sort"
	"time"
)

// Status describes the lifecycle state of a tracked app.
type Status string

const (
	// StatusActive means the app was observed and reconciled in a recent sweep.
	StatusActive Status = "active"
	// StatusStale means the app is persisted but was absent from the latest
	// catalog sweep. Stale apps are kept, never deleted.
	StatusStale Status = "stale"
	// StatusError means the first fetch for the app failed and no usable
	// snapshot has ever been persisted. Apps with prior good state never
	// move back to this status.
	StatusError Status = "error"
)

// VersionEntry is one released version of an app. Entries are append-only:
// once a version label has been recorded its changelog is never rewritten,
// since storefronts truncate old changelog text over time.
type VersionEntry struct {
	Version    string    `json:"version"`
	ReleasedAt time.Time `json:"released_at"`
	Changelog  string    `json:"changelog,omitempty"`

	// Anomaly is set when the entry arrived after a newer release had
	// already been recorded. Such entries are inserted in release order and
	// documented, never dropped.
	Anomaly string `json:"anomaly,omitempty"`
}

// ImageRef points at a stored image asset. Hash is the sha-256 of the
// normalized bytes and doubles as the de-duplication key: identical bytes
// are stored once no matter how many apps or URLs reference them.
type ImageRef struct {
	Role string `json:"role"`
	Hash string `json:"hash"`
	Path string `json:"path"`
}

// Metadata is the current storefront metadata for an app. It is replaced
// wholesale on every refresh; there is no per-field history.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Price       string   `json:"price,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	RatingCount int64    `json:"rating_count,omitempty"`
	Genres      []string `json:"genres,omitempty"`
	IsAvailable bool     `json:"is_available"`
	IsFree      bool     `json:"is_free"`
	IsDemo      bool     `json:"is_demo"`
}

// App is one storefront application tracked in the dataset.
type App struct {
	ID       string   `json:"id"`
	Packages []string `json:"packages"`

	Metadata Metadata       `json:"metadata"`
	Versions []VersionEntry `json:"versions,omitempty"`
	Images   []ImageRef     `json:"images,omitempty"`

	Added           time.Time `json:"added"`
	LastSeenAt      time.Time `json:"last_seen_at,omitempty"`
	LastFullFetchAt time.Time `json:"last_full_fetch_at,omitempty"`

	Status Status `json:"status"`
}

// HasPackage reports whether pkg is already recorded as an alias of this app.
func (a *App) HasPackage(pkg string) bool {
	for _, p := range a.Packages {
		if p == pkg {
			return true
		}
	}
	return false
}

// AddPackage unions pkg into the alias set, keeping it sorted.
func (a *App) AddPackage(pkg string) bool {
	if pkg == "" || a.HasPackage(pkg) {
		return false
	}
	a.Packages = append(a.Packages, pkg)
	sort.Strings(a.Packages)
	return true
}

// HasImage reports whether an image with the given content hash is already
// referenced by this app.
func (a *App) HasImage(hash string) bool {
	for _, img := range a.Images {
		if img.Hash == hash {
			return true
		}
	}
	return false
}

// LatestRelease returns the release time of the newest recorded version, or
// the zero time when no version has been recorded yet. Anomalous entries are
// ignored so a bad timestamp cannot move the incremental cutoff backwards.
func (a *App) LatestRelease() time.Time {
	var latest time.Time
	for _, v := range a.Versions {
		if v.Anomaly == "" && v.ReleasedAt.After(latest) {
			latest = v.ReleasedAt
		}
	}
	return latest
}

// Clone returns a deep copy of the app. Reconciliation works on a copy so
// the caller's record is untouched when a merge is abandoned.
func (a *App) Clone() *App {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Packages = append([]string(nil), a.Packages...)
	cp.Versions = append([]VersionEntry(nil), a.Versions...)
	cp.Images = append([]ImageRef(nil), a.Images...)
	cp.Metadata.Genres = append([]string(nil), a.Metadata.Genres...)
	return &cp
}
