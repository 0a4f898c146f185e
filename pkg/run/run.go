// Package run orchestrates one scrape execution: resolve the sweep against
// the persisted dataset, fan entities out to a bounded worker pool (extract
// → acquire images → reconcile → persist, one entity per worker end-to-end),
// and finalize the run manifest. Failures at any stage are captured as error
// records instead of aborting sibling workers or the run.
package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vrdb/questmeta/pkg/catalog"
	"github.com/vrdb/questmeta/pkg/dataset"
	"github.com/vrdb/questmeta/pkg/images"
	"github.com/vrdb/questmeta/pkg/reconcile"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// nopLogger silently discards all messages.
type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Fetcher produces validated snapshots; satisfied by *extract.Adapter.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, job catalog.FetchJob) (*catalog.Snapshot, error)
}

// AssetFetcher acquires a snapshot's image assets; satisfied by *images.Pool.
type AssetFetcher interface {
	FetchAll(ctx context.Context, assets []catalog.AssetRef) ([]images.Fetched, []error)
}

// StateIndex is the run-to-run state store; satisfied by *statedb.DB.
type StateIndex interface {
	Aliases(ctx context.Context) (map[string]string, error)
	UpsertAlias(ctx context.Context, pkg, storeID string) error
	AddImage(ctx context.Context, hash string) error
	RecordError(ctx context.Context, entityID string, stage catalog.Stage, detail string) error
	PruneErrors(ctx context.Context, retention time.Duration) (int64, error)
}

// Runner wires the pipeline together for one execution.
type Runner struct {
	Fetcher  Fetcher
	Assets   AssetFetcher
	Store    *dataset.Store
	State    StateIndex
	Resolver *catalog.Resolver

	// Workers bounds entity-level concurrency; each worker holds one
	// rendering session for its entity's whole pipeline. Defaults to 3.
	Workers int
	// Retention is the error-log retention window applied at run end.
	Retention time.Duration
	Log       Logger
}

// Run executes one full scrape against the given sweep. Only setup failures
// return an error; per-entity failures are captured and the run completes.
// The manifest is finalized and persisted even when the context expires
// mid-run: already-reconciled entities stay persisted, unfetched ones are
// simply not attempted and retried next run.
func (r *Runner) Run(ctx context.Context, sweep []catalog.Listing) (*Manifest, error) {
	log := r.Log
	if log == nil {
		log = nopLogger{}
	}

	now := time.Now().UTC()
	manifest := newManifest(now)

	apps, unreadable, err := r.Store.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, name := range unreadable {
		r.capture(ctx, log, name, catalog.StagePersist, errors.New("unreadable record slot, left untouched"))
	}

	aliases := r.loadAliases(ctx, log, apps)

	plan := r.Resolver.Resolve(apps, aliases, sweep, now)
	log.Infof("resolved sweep: %d new, %d known, %d vanished, %d skipped (recently refreshed)",
		len(plan.New), len(plan.Known), len(plan.Vanished), len(plan.Skipped))

	// Sweep safety check: an empty listing against a populated dataset is a
	// broken listing source, not a catalog that emptied overnight. Marking
	// everything stale would be data loss in slow motion.
	if len(sweep) == 0 && len(apps) > 10 {
		log.Errorf("sweep returned 0 listings but dataset has %d apps; skipping stale marking", len(apps))
		plan.Vanished = nil
	}

	manifest.Skipped = len(plan.Skipped)
	r.markVanished(ctx, log, manifest, apps, plan.Vanished, now)

	jobs := append(append([]catalog.FetchJob(nil), plan.New...), plan.Known...)
	r.processEntities(ctx, log, manifest, jobs)

	r.finalize(ctx, log, manifest)
	return manifest, nil
}

// loadAliases merges the statedb alias index with the aliases recorded on
// the apps themselves; the records are ground truth and win on conflict.
func (r *Runner) loadAliases(ctx context.Context, log Logger, apps map[string]*catalog.App) map[string]string {
	aliases, err := r.State.Aliases(ctx)
	if err != nil {
		log.Warnf("could not load alias index, falling back to records only: %v", err)
		aliases = make(map[string]string)
	}
	for id, app := range apps {
		for _, pkg := range app.Packages {
			aliases[pkg] = id
		}
	}
	return aliases
}

// markVanished flags entities absent from the sweep as stale. Their records
// and images are retained; nothing is re-fetched.
func (r *Runner) markVanished(ctx context.Context, log Logger, manifest *Manifest, apps map[string]*catalog.App, ids []string, now time.Time) {
	for _, id := range ids {
		app, ok := apps[id]
		if !ok {
			continue
		}
		stale := app.Clone()
		stale.Status = catalog.StatusStale
		if err := r.Store.WriteApp(stale); err != nil {
			r.capture(ctx, log, id, catalog.StagePersist, err)
			manifest.Failed++
			continue
		}
		apps[id] = stale
		manifest.Stale++
		manifest.Changed = true
		manifest.touch(id)
		log.Infof("marked %s stale (absent from sweep)", id)
	}
}

// processEntities runs the per-entity pipelines on a bounded worker pool.
// No two workers ever hold the same entity ID, so entity state needs no
// locking; the manifest is the only shared accumulator.
func (r *Runner) processEntities(ctx context.Context, log Logger, manifest *Manifest, jobs []catalog.FetchJob) {
	if len(jobs) == 0 {
		return
	}

	workers := r.Workers
	if workers <= 0 {
		workers = 3
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan catalog.FetchJob, len(jobs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				// Cooperative run deadline: entities not yet started are
				// abandoned, safe to retry next run. In-flight entities
				// below this point still persist their results.
				if ctx.Err() != nil {
					continue
				}
				outcome := r.processOne(ctx, log, job)
				mu.Lock()
				outcome.apply(manifest)
				mu.Unlock()
			}
		}()
	}

	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)
	wg.Wait()
}

// entityOutcome accumulates one pipeline's effect on the manifest.
type entityOutcome struct {
	id        string
	attempted bool
	created   bool
	failed    bool
	changed   bool
	fetched   int
	deduped   int
	anomalies int
}

func (o entityOutcome) apply(m *Manifest) {
	if !o.attempted {
		return
	}
	m.touch(o.id)
	switch {
	case o.failed:
		m.Failed++
	case o.created:
		m.New++
	default:
		m.Refreshed++
	}
	m.ImagesFetched += o.fetched
	m.ImagesDeduped += o.deduped
	m.Anomalies += o.anomalies
	if o.changed {
		m.Changed = true
	}
}

// processOne owns a single entity's pipeline end-to-end.
func (r *Runner) processOne(ctx context.Context, log Logger, job catalog.FetchJob) entityOutcome {
	outcome := entityOutcome{id: job.StoreID}

	snap, err := r.Fetcher.FetchSnapshot(ctx, job)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// Run deadline hit mid-fetch: not attempted, no record written.
			return outcome
		}
		outcome.attempted = true
		outcome.failed = true
		r.capture(ctx, log, job.StoreID, catalog.StageFetch, err)
		r.persistFetchFailure(ctx, log, job)
		cs := &reconcile.ChangeSet{EntityID: job.StoreID, FetchFailed: true}
		log.Infof("%s: %s", job.StoreID, cs.Summary())
		return outcome
	}
	outcome.attempted = true

	fetched, assetErrs := r.Assets.FetchAll(ctx, snap.Assets)
	for _, aerr := range assetErrs {
		r.capture(ctx, log, job.StoreID, catalog.StageImages, aerr)
	}

	refs := make([]catalog.ImageRef, 0, len(fetched))
	for _, f := range fetched {
		refs = append(refs, catalog.ImageRef{Role: f.Role, Hash: f.Hash, Path: dataset.ImagePath(f.Hash)})
		if f.Deduped {
			outcome.deduped++
		} else {
			outcome.fetched++
		}
	}

	app, cs, err := reconcile.Reconcile(job.Prior, snap, refs, time.Now().UTC())
	if err != nil {
		// Contract violation: a bug upstream. Captured and surfaced loudly,
		// the entity keeps its prior state.
		log.Errorf("reconcile contract violation for %s: %v", job.StoreID, err)
		r.capture(ctx, log, job.StoreID, catalog.StageReconcile, err)
		outcome.failed = true
		return outcome
	}
	outcome.created = cs.Created
	outcome.anomalies = len(cs.Anomalies)

	if err := r.persistEntity(ctx, log, app, fetched); err != nil {
		r.capture(ctx, log, job.StoreID, catalog.StagePersist, err)
		outcome.failed = true
		return outcome
	}

	wroteBlobs := outcome.fetched > 0
	outcome.changed = !cs.Empty() || wroteBlobs

	log.Infof("%s: %s", job.StoreID, cs.Summary())
	return outcome
}

// persistEntity commits one entity: blobs first, then the record slot, then
// the alias index. Blob and index writes are idempotent, so a crash between
// them leaves nothing corrupt — the record rename is the commit point.
func (r *Runner) persistEntity(ctx context.Context, log Logger, app *catalog.App, fetched []images.Fetched) error {
	// Writes outlive the run deadline on purpose: cancellation is
	// cooperative at fetch boundaries, never mid-write.
	wctx := context.WithoutCancel(ctx)

	for _, f := range fetched {
		if f.Deduped || len(f.Bytes) == 0 {
			continue
		}
		if _, err := r.Store.WriteImage(f.Hash, f.Bytes); err != nil {
			return err
		}
		if err := r.State.AddImage(wctx, f.Hash); err != nil {
			log.Warnf("image %s stored but not indexed: %v", f.Hash, err)
		}
	}

	if err := r.Store.WriteApp(app); err != nil {
		return err
	}

	for _, pkg := range app.Packages {
		if err := r.State.UpsertAlias(wctx, pkg, app.ID); err != nil {
			log.Warnf("could not index alias %s -> %s: %v", pkg, app.ID, err)
		}
	}
	return nil
}

// persistFetchFailure handles a failed fetch. A first observation that
// fails gets a minimal record with status error and zero version entries;
// an entity with prior state keeps its last-known-good data and is never
// rolled back to error.
func (r *Runner) persistFetchFailure(ctx context.Context, log Logger, job catalog.FetchJob) {
	if job.Prior != nil {
		return
	}
	stub := &catalog.App{
		ID:       job.StoreID,
		Packages: append([]string(nil), job.Packages...),
		Metadata: catalog.Metadata{Title: job.DisplayName},
		Added:    time.Now().UTC(),
		Status:   catalog.StatusError,
	}
	if err := r.Store.WriteApp(stub); err != nil {
		r.capture(ctx, log, job.StoreID, catalog.StagePersist, err)
	}
}

// finalize persists the manifest, advances the marker iff something
// changed, and prunes the error log.
func (r *Runner) finalize(ctx context.Context, log Logger, manifest *Manifest) {
	wctx := context.WithoutCancel(ctx)
	manifest.finalize(time.Now().UTC())

	if manifest.Changed {
		if err := r.Store.WriteLastUpdated(manifest.FinishedAt); err != nil {
			log.Errorf("could not advance lastUpdated marker: %v", err)
		}
	}

	if err := r.Store.WriteRunManifest(manifest.RunID, manifest); err != nil {
		log.Errorf("could not persist run manifest: %v", err)
	}

	if r.Retention > 0 {
		if n, err := r.State.PruneErrors(wctx, r.Retention); err != nil {
			log.Warnf("error-log prune failed: %v", err)
		} else if n > 0 {
			log.Debugf("pruned %d error records past retention", n)
		}
	}

	log.Infof("run %s finished: %d new, %d refreshed, %d stale, %d skipped, %d failed, %d images (%d deduped), changed=%v",
		manifest.RunID, manifest.New, manifest.Refreshed, manifest.Stale, manifest.Skipped,
		manifest.Failed, manifest.ImagesFetched+manifest.ImagesDeduped, manifest.ImagesDeduped, manifest.Changed)
}

// capture appends an error record. Capturing never throws outward: a
// failure to persist the record is logged to the process log and the run
// continues. This isolation is what lets one entity's failure leave the
// rest of the run intact.
func (r *Runner) capture(ctx context.Context, log Logger, entityID string, stage catalog.Stage, err error) {
	log.Warnf("[%s] %s: %v", stage, entityID, err)
	if r.State == nil {
		return
	}
	if dbErr := r.State.RecordError(context.WithoutCancel(ctx), entityID, stage, err.Error()); dbErr != nil {
		log.Errorf("failed to capture error for %s at %s: %v", entityID, stage, dbErr)
	}
}
