// Package dataset is the persistence writer for the committed dataset: one
// JSON record slot per app, a content-addressed blob store for images, and
// the global last-updated marker. Writes are atomic per entity (temp file +
// rename); there is deliberately no cross-entity atomicity, so a run that
// dies halfway leaves a valid dataset with a subset of entities updated.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vrdb/questmeta/pkg/catalog"
)

const (
	appsDir    = "apps"
	imagesDir  = "images"
	markerFile = "last_updated.json"
)

// Store reads and writes the on-disk dataset layout. Writers for different
// entities touch disjoint paths and may run concurrently; the caller
// guarantees no two workers hold the same entity at once.
type Store struct {
	Root string
}

// Open ensures the layout directories exist.
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, appsDir), filepath.Join(root, imagesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating dataset dir: %w", err)
		}
	}
	return &Store{Root: root}, nil
}

// LoadAll reads every persisted app record, keyed by store id. A record
// that fails to decode is returned in the skipped list rather than aborting
// the load; the caller captures it and the slot is left untouched.
func (s *Store) LoadAll() (map[string]*catalog.App, []string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, appsDir))
	if err != nil {
		return nil, nil, err
	}

	apps := make(map[string]*catalog.App, len(entries))
	var skipped []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.Root, appsDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			skipped = append(skipped, e.Name())
			continue
		}
		var app catalog.App
		if err := json.Unmarshal(data, &app); err != nil || app.ID == "" {
			skipped = append(skipped, e.Name())
			continue
		}
		apps[app.ID] = &app
	}
	return apps, skipped, nil
}

// WriteApp persists one record slot atomically. A partially written record
// is never observable: the temp file is renamed into place only after a
// complete write.
func (s *Store) WriteApp(app *catalog.App) error {
	if app == nil || app.ID == "" {
		return &catalog.PersistenceError{Err: fmt.Errorf("refusing to write record without id")}
	}
	data, err := json.MarshalIndent(app, "", "  ")
	if err != nil {
		return &catalog.PersistenceError{StoreID: app.ID, Err: err}
	}
	path := filepath.Join(s.Root, appsDir, app.ID+".json")
	if err := atomicWrite(path, data); err != nil {
		return &catalog.PersistenceError{StoreID: app.ID, Err: err}
	}
	return nil
}

// ImagePath returns the blob path for a content hash, relative to the
// dataset root. Blobs shard on the first two hash characters to keep
// directory sizes sane.
func ImagePath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(imagesDir, hash+".png")
	}
	return filepath.Join(imagesDir, hash[:2], hash+".png")
}

// WriteImage stores normalized bytes under their content hash. Blobs are
// immutable once written: if the path exists the write is a no-op, which is
// what makes re-fetching identical bytes free.
func (s *Store) WriteImage(hash string, data []byte) (string, error) {
	rel := ImagePath(hash)
	abs := filepath.Join(s.Root, rel)
	if _, err := os.Stat(abs); err == nil {
		return rel, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", &catalog.PersistenceError{Err: err}
	}
	if err := atomicWrite(abs, data); err != nil {
		return "", &catalog.PersistenceError{Err: err}
	}
	return rel, nil
}

// HasImage checks blob existence on disk. The statedb index is only a
// cache; the blob being on disk is what makes a hash safe to skip.
func (s *Store) HasImage(hash string) bool {
	_, err := os.Stat(filepath.Join(s.Root, ImagePath(hash)))
	return err == nil
}

type marker struct {
	LastUpdated time.Time `json:"last_updated"`
}

// LastUpdated reads the global marker; zero time when none exists yet.
func (s *Store) LastUpdated() (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, markerFile))
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return time.Time{}, err
	}
	return m.LastUpdated, nil
}

// WriteLastUpdated advances the global marker. Callers invoke it exactly
// once per run, and only when the run changed at least one entity or asset,
// so a fully failed run stays distinguishable from a no-op run.
func (s *Store) WriteLastUpdated(t time.Time) error {
	data, err := json.MarshalIndent(marker{LastUpdated: t.UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.Root, markerFile), data)
}

// WriteRunManifest persists a run's manifest under runs/. Manifests are
// written at run end regardless of partial failures.
func (s *Store) WriteRunManifest(runID string, v any) error {
	dir := filepath.Join(s.Root, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, runID+".json"), data)
}

// Stats summarizes the dataset for the status command.
type Stats struct {
	Apps     int
	Active   int
	Stale    int
	Errored  int
	Versions int
	Images   int
}

func (s *Store) GetStats() (Stats, error) {
	apps, _, err := s.LoadAll()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	st.Apps = len(apps)
	hashes := make(map[string]bool)
	for _, app := range apps {
		switch app.Status {
		case catalog.StatusActive:
			st.Active++
		case catalog.StatusStale:
			st.Stale++
		case catalog.StatusError:
			st.Errored++
		}
		st.Versions += len(app.Versions)
		for _, img := range app.Images {
			hashes[img.Hash] = true
		}
	}
	st.Images = len(hashes)
	return st, nil
}

// IDs returns all persisted store ids, sorted.
func (s *Store) IDs() ([]string, error) {
	apps, _, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(apps))
	for id := range apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// atomicWrite writes data to a sibling temp file and renames it over path.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
