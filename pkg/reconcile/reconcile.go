// Package reconcile merges a freshly fetched snapshot with the last
// persisted record. The merge is pure: no I/O, no clock reads, no mutation
// of its inputs. All invariants the dataset relies on (append-only version
// history, grow-only image and alias sets) are enforced here.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vrdb/questmeta/pkg/catalog"
)

// Reconcile merges prior (nil for a first observation) with snap and the
// fetched image references, returning the updated record and a description
// of what changed. It only fails on malformed input, which is a programming
// contract violation upstream, not a runtime condition.
func Reconcile(prior *catalog.App, snap *catalog.Snapshot, imgs []catalog.ImageRef, now time.Time) (*catalog.App, *ChangeSet, error) {
	if snap == nil {
		return nil, nil, &catalog.ContractError{Reason: "nil snapshot"}
	}
	if snap.StoreID == "" {
		return nil, nil, &catalog.ContractError{Reason: "snapshot without store id"}
	}
	if prior != nil && prior.ID != snap.StoreID {
		return nil, nil, &catalog.ContractError{
			StoreID: snap.StoreID,
			Reason:  fmt.Sprintf("prior record belongs to %q", prior.ID),
		}
	}

	cs := &ChangeSet{EntityID: snap.StoreID}

	var app *catalog.App
	if prior == nil {
		app = &catalog.App{ID: snap.StoreID, Added: now}
		cs.Created = true
	} else {
		app = prior.Clone()
	}

	// 1. Metadata is replaced wholesale; storefront metadata has no
	// per-field history requirement. A change is recorded when the
	// serialized values differ.
	newMeta := snap.AppMetadata()
	if prior == nil || !metadataEqual(prior.Metadata, newMeta) {
		cs.MetadataChanged = true
	}
	app.Metadata = newMeta

	// 2. Version history merges by label; recorded entries are append-only
	// truth and are never rewritten.
	mergeVersions(app, snap.Versions, cs)

	// 3. Images only ever grow here; removal is an explicit maintenance
	// operation outside this engine.
	for _, img := range imgs {
		if img.Hash == "" || app.HasImage(img.Hash) {
			continue
		}
		app.Images = append(app.Images, img)
		cs.NewImages = append(cs.NewImages, img.Hash)
	}

	// 4. Package aliases union in; they never shrink without operator action.
	if app.AddPackage(snap.Package) {
		cs.NewPackages = append(cs.NewPackages, snap.Package)
	}

	app.Status = catalog.StatusActive
	app.LastSeenAt = now
	if snap.Depth == catalog.DepthFull {
		app.LastFullFetchAt = now
	}

	return app, cs, nil
}

// mergeVersions inserts snapshot entries whose labels are not yet recorded
// at the position preserving ascending release order. Recorded entries are
// never rewritten or reordered relative to each other. An entry released
// before the newest recorded release arrived late (an incremental fetch cut
// at the latest release should never surface older unseen entries); it is
// still inserted in order but flagged as an anomaly rather than hidden.
func mergeVersions(app *catalog.App, incoming []catalog.SnapshotVersion, cs *ChangeSet) {
	seen := make(map[string]bool, len(app.Versions))
	for _, v := range app.Versions {
		seen[v.Version] = true
	}

	// Snapshot entries can arrive newest-first; sort a copy ascending so
	// insertion order matches history order.
	add := make([]catalog.SnapshotVersion, 0, len(incoming))
	for _, v := range incoming {
		if v.Version == "" || seen[v.Version] {
			continue
		}
		seen[v.Version] = true
		add = append(add, v)
	}
	sort.SliceStable(add, func(i, j int) bool { return add[i].ReleasedAt.Before(add[j].ReleasedAt) })

	for _, v := range add {
		entry := catalog.VersionEntry{
			Version:    v.Version,
			ReleasedAt: v.ReleasedAt,
			Changelog:  v.Changelog,
		}
		if n := len(app.Versions); n > 0 {
			newest := app.Versions[n-1]
			if entry.ReleasedAt.Before(newest.ReleasedAt) {
				entry.Anomaly = fmt.Sprintf("released %s but %s (%s) was already recorded",
					entry.ReleasedAt.Format("2006-01-02"), newest.Version, newest.ReleasedAt.Format("2006-01-02"))
				cs.Anomalies = append(cs.Anomalies, entry.Version)
			}
		}
		app.Versions = insertByRelease(app.Versions, entry)
		cs.NewVersions = append(cs.NewVersions, entry.Version)
	}
}

// insertByRelease places entry before the first recorded entry released
// after it, keeping the history sorted ascending by release time.
func insertByRelease(versions []catalog.VersionEntry, entry catalog.VersionEntry) []catalog.VersionEntry {
	i := len(versions)
	for k, v := range versions {
		if v.ReleasedAt.After(entry.ReleasedAt) {
			i = k
			break
		}
	}
	versions = append(versions, catalog.VersionEntry{})
	copy(versions[i+1:], versions[i:])
	versions[i] = entry
	return versions
}

func metadataEqual(a, b catalog.Metadata) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}
