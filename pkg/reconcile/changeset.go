package reconcile

import (
	"fmt"
	"strings"
)

// ChangeSet describes what a reconciliation pass changed on one entity.
// A second pass over the same snapshot and prior record must produce an
// empty change set: reconciliation is idempotent.
type ChangeSet struct {
	EntityID string

	// Created is true when no prior record existed.
	Created bool
	// MetadataChanged is true when any metadata field's serialized value
	// differs from the prior record.
	MetadataChanged bool
	// NewVersions lists version labels added this pass.
	NewVersions []string
	// Anomalies lists version labels appended despite violating release
	// ordering. They are documented on the entries themselves, not hidden.
	Anomalies []string
	// NewImages lists content hashes added to the entity's image set.
	NewImages []string
	// NewPackages lists package aliases unioned in this pass.
	NewPackages []string

	// FetchFailed marks a refresh that failed before reconciliation. The
	// entity keeps its last-known-good data; only the flag and an error
	// record are produced.
	FetchFailed bool
}

// Empty reports whether the pass changed nothing. A fetch failure is not a
// change: it must not advance the dataset's lastUpdated marker.
func (c *ChangeSet) Empty() bool {
	return c == nil || (!c.Created && !c.MetadataChanged &&
		len(c.NewVersions) == 0 && len(c.NewImages) == 0 && len(c.NewPackages) == 0)
}

// Summary renders a compact one-line description for run logs.
func (c *ChangeSet) Summary() string {
	if c.Empty() {
		if c != nil && c.FetchFailed {
			return "fetch failed, prior state kept"
		}
		return "no changes"
	}
	var parts []string
	if c.Created {
		parts = append(parts, "created")
	}
	if c.MetadataChanged {
		parts = append(parts, "metadata")
	}
	if n := len(c.NewVersions); n > 0 {
		parts = append(parts, plural(n, "version"))
	}
	if n := len(c.NewImages); n > 0 {
		parts = append(parts, plural(n, "image"))
	}
	if n := len(c.NewPackages); n > 0 {
		parts = append(parts, plural(n, "alias"))
	}
	if n := len(c.Anomalies); n > 0 {
		parts = append(parts, plural(n, "anomaly"))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, noun string) string {
	if n != 1 {
		if noun == "anomaly" {
			noun = "anomalies"
		} else {
			noun += "s"
		}
	}
	return fmt.Sprintf("%d new %s", n, noun)
}
