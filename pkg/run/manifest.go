package run

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Manifest is the process-wide state of one execution. It is created at run
// start and finalized and persisted at run end regardless of partial
// failures, so an operator can always tell what a run touched.
type Manifest struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Touched lists every entity ID this run wrote or marked.
	Touched []string `json:"touched,omitempty"`

	New       int `json:"new"`
	Refreshed int `json:"refreshed"`
	Stale     int `json:"stale"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	ImagesFetched int `json:"images_fetched"`
	ImagesDeduped int `json:"images_deduped"`
	Anomalies     int `json:"anomalies"`

	// Changed is true when at least one entity or asset changed. The global
	// lastUpdated marker advances only in that case, keeping a fully failed
	// run distinguishable from a no-op run.
	Changed bool `json:"changed"`
}

func newManifest(now time.Time) *Manifest {
	return &Manifest{RunID: uuid.NewString(), StartedAt: now}
}

func (m *Manifest) touch(id string) {
	m.Touched = append(m.Touched, id)
}

func (m *Manifest) finalize(now time.Time) {
	m.FinishedAt = now
	sort.Strings(m.Touched)
}
