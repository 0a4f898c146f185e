package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrdb/questmeta/pkg/catalog"
)

// scriptedRenderer serves canned pages keyed by exact URL and records how
// often it was asked.
type scriptedRenderer struct {
	pages    map[string]string
	failures int // errors to return before succeeding
	calls    []string
}

func (r *scriptedRenderer) Render(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.calls = append(r.calls, url)
	if r.failures > 0 {
		r.failures--
		return "", errors.New("net::ERR_TIMED_OUT")
	}
	if html, ok := r.pages[url]; ok {
		return html, nil
	}
	return "", fmt.Errorf("no page scripted for %s", url)
}

func (r *scriptedRenderer) Close() {}

func detailPage(storeID string, versions string, hasNext bool, cursor string) string {
	return statePage(fmt.Sprintf(`{
	  "app": {
	    "id": "%s", "package_name": "com.example.vr", "display_name": "Example VR",
	    "current_offer": {"price": {"formatted": "$9.99", "offset_amount": "999"}},
	    "quality_rating_aggregate": 4.5, "rating_count": 10, "is_available": true
	  },
	  "versions": {
	    "nodes": [%s],
	    "page_info": {"has_next_page": %t, "end_cursor": "%s"}
	  }
	}`, storeID, versions, hasNext, cursor))
}

func continuationPage(versions string, hasNext bool, cursor string) string {
	return statePage(fmt.Sprintf(`{
	  "versions": {
	    "nodes": [%s],
	    "page_info": {"has_next_page": %t, "end_cursor": "%s"}
	  }
	}`, versions, hasNext, cursor))
}

const (
	testBase      = "https://store.example/experiences"
	detailURL100  = testBase + "/apps/100/"
	cursorURL100  = detailURL100 + "?versions_cursor=p2"
)

func newTestAdapter(r Renderer) *Adapter {
	a := NewAdapter(r, testBase, nil)
	a.BackoffBase = time.Millisecond
	a.sleep = func(time.Duration) {} // no real waiting in tests
	return a
}

func TestFetchSnapshotFullWalksAllPages(t *testing.T) {
	r := &scriptedRenderer{pages: map[string]string{
		detailURL100: detailPage("100", `{"version": "2.0", "release_date": 1700000000}`, true, "p2"),
		cursorURL100: continuationPage(`{"version": "1.0", "release_date": 1600000000}`, false, ""),
	}}
	a := newTestAdapter(r)

	snap, err := a.FetchSnapshot(context.Background(), catalog.FetchJob{
		StoreID: "100", Depth: catalog.DepthFull,
	})
	require.NoError(t, err)

	require.Len(t, snap.Versions, 2)
	assert.Equal(t, "2.0", snap.Versions[0].Version)
	assert.Equal(t, "1.0", snap.Versions[1].Version)
	assert.Equal(t, catalog.DepthFull, snap.Depth)
	assert.False(t, snap.FetchedAt.IsZero())
	assert.Len(t, r.calls, 2)
}

func TestFetchSnapshotIncrementalStopsAtCutoff(t *testing.T) {
	// The detail page already shows an entry at the cutoff, so the
	// continuation page must never be requested.
	cutoff := time.Unix(1650000000, 0).UTC()
	r := &scriptedRenderer{pages: map[string]string{
		detailURL100: detailPage("100",
			`{"version": "3.0", "release_date": 1700000000},
			 {"version": "2.0", "release_date": 1650000000}`, true, "p2"),
	}}
	a := newTestAdapter(r)

	snap, err := a.FetchSnapshot(context.Background(), catalog.FetchJob{
		StoreID: "100", Depth: catalog.DepthIncremental, Since: cutoff,
	})
	require.NoError(t, err)

	assert.Len(t, r.calls, 1, "history walk must stop once the cutoff is reached")
	require.Len(t, snap.Versions, 1, "entries at or before the cutoff are trimmed")
	assert.Equal(t, "3.0", snap.Versions[0].Version)
}

func TestFetchSnapshotRetriesThenSucceeds(t *testing.T) {
	r := &scriptedRenderer{
		failures: 2,
		pages: map[string]string{
			detailURL100: detailPage("100", `{"version": "1.0", "release_date": 1600000000}`, false, ""),
		},
	}
	a := newTestAdapter(r)

	snap, err := a.FetchSnapshot(context.Background(), catalog.FetchJob{
		StoreID: "100", Depth: catalog.DepthFull,
	})
	require.NoError(t, err)
	assert.Equal(t, "100", snap.StoreID)
	assert.Len(t, r.calls, 3, "two failures then success")
}

func TestFetchSnapshotRetriesExhausted(t *testing.T) {
	r := &scriptedRenderer{failures: 10}
	a := newTestAdapter(r)

	_, err := a.FetchSnapshot(context.Background(), catalog.FetchJob{
		StoreID: "100", Depth: catalog.DepthFull,
	})

	var transient *catalog.TransientFetchError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 3, transient.Attempts)
	assert.Len(t, r.calls, 3)
}

func TestFetchSnapshotMalformedPage(t *testing.T) {
	r := &scriptedRenderer{pages: map[string]string{
		detailURL100: `<html><body>consent wall, no state blob</body></html>`,
	}}
	a := newTestAdapter(r)

	_, err := a.FetchSnapshot(context.Background(), catalog.FetchJob{
		StoreID: "100", Depth: catalog.DepthFull,
	})

	var malformed *catalog.MalformedSnapshotError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "100", malformed.StoreID)
}

func TestFetchSnapshotSchemaRejection(t *testing.T) {
	// Parses fine but the app has no title, which the schema requires.
	r := &scriptedRenderer{pages: map[string]string{
		detailURL100: statePage(`{"app": {"id": "100", "package_name": "com.x"}}`),
	}}
	a := newTestAdapter(r)

	_, err := a.FetchSnapshot(context.Background(), catalog.FetchJob{
		StoreID: "100", Depth: catalog.DepthFull,
	})

	var malformed *catalog.MalformedSnapshotError
	require.ErrorAs(t, err, &malformed)
}

func TestFetchSnapshotCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestAdapter(&scriptedRenderer{})
	_, err := a.FetchSnapshot(ctx, catalog.FetchJob{StoreID: "100", Depth: catalog.DepthFull})

	require.ErrorIs(t, err, context.Canceled, "cancellation must surface verbatim, not as a transient failure")
	var transient *catalog.TransientFetchError
	assert.False(t, errors.As(err, &transient))
}

func TestFetchSnapshotFallsBackToJobPackage(t *testing.T) {
	// Some pages omit package_name; the listing already knows it.
	r := &scriptedRenderer{pages: map[string]string{
		detailURL100: statePage(`{
		  "app": {"id": "100", "display_name": "Example VR"},
		  "versions": {"nodes": [{"version": "1.0", "release_date": 1600000000}],
		               "page_info": {"has_next_page": false, "end_cursor": ""}}
		}`),
	}}
	a := newTestAdapter(r)

	snap, err := a.FetchSnapshot(context.Background(), catalog.FetchJob{
		StoreID: "100", Packages: []string{"com.from.listing"}, Depth: catalog.DepthFull,
	})
	require.NoError(t, err)
	assert.Equal(t, "com.from.listing", snap.Package)
}

func TestTrimOlderThan(t *testing.T) {
	cutoff := time.Unix(1650000000, 0).UTC()
	in := []catalog.SnapshotVersion{
		{Version: "3.0", ReleasedAt: cutoff.Add(time.Hour)},
		{Version: "2.0", ReleasedAt: cutoff},
		{Version: "1.0", ReleasedAt: cutoff.Add(-time.Hour)},
	}
	out := trimOlderThan(in, cutoff)
	require.Len(t, out, 1)
	assert.Equal(t, "3.0", out[0].Version)
}
