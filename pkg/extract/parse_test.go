package extract

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrdb/questmeta/pkg/catalog"
)

func statePage(state string) string {
	return fmt.Sprintf(`<html><head><title>detail</title></head><body>
<div class="hero">rendered stuff</div>
<script id="%s" type="application/json">%s</script>
</body></html>`, stateScriptID, state)
}

const detailState = `{
  "app": {
    "id": "1234567890",
    "package_name": "com.example.vr",
    "display_name": "Example VR",
    "description": "A demo-friendly arcade.",
    "current_offer": {"price": {"formatted": "$9.99", "offset_amount": "999"}},
    "quality_rating_aggregate": 4.6,
    "rating_count": 321,
    "is_available": true,
    "genre_names": ["Action", "Arcade"]
  },
  "assets": [
    {"role": "APP_IMG", "url": "https://cdn.example/icon.png"},
    {"role": "cover_landscape", "url": "https://cdn.example/cover.png"},
    {"role": "trailer_video", "url": "https://cdn.example/trailer.mp4"},
    {"role": "screenshot", "url": ""}
  ],
  "versions": {
    "nodes": [
      {"version": "2.1", "release_date": 1709510400, "changelog": "  Bug fixes.\n"},
      {"version": "2.0", "release_date": 1706832000, "changelog": "Big update"},
      {"version": "", "release_date": 1700000000}
    ],
    "page_info": {"has_next_page": true, "end_cursor": "abc123"}
  }
}`

func TestParseDetail(t *testing.T) {
	snap, info, err := parseDetail(statePage(detailState))
	require.NoError(t, err)

	assert.Equal(t, "1234567890", snap.StoreID)
	assert.Equal(t, "com.example.vr", snap.Package)
	assert.Equal(t, "Example VR", snap.Title)
	assert.Equal(t, "$9.99", snap.Price)
	assert.Equal(t, 4.6, snap.Rating)
	assert.Equal(t, int64(321), snap.RatingCount)
	assert.True(t, snap.IsAvailable)
	assert.False(t, snap.IsFree)
	assert.False(t, snap.IsDemo)
	assert.Equal(t, []string{"Action", "Arcade"}, snap.Genres)

	// Unknown roles and empty URLs are dropped.
	require.Len(t, snap.Assets, 2)
	assert.Equal(t, catalog.RoleIcon, snap.Assets[0].Role)
	assert.Equal(t, catalog.RoleCover, snap.Assets[1].Role)

	// Nameless version nodes are dropped, changelogs trimmed, dates in UTC.
	require.Len(t, snap.Versions, 2)
	assert.Equal(t, "Bug fixes.", snap.Versions[0].Changelog)
	assert.Equal(t, time.Unix(1709510400, 0).UTC(), snap.Versions[0].ReleasedAt)

	assert.True(t, info.HasNext)
	assert.Equal(t, "abc123", info.EndCursor)
}

func TestParseDetailFreeApp(t *testing.T) {
	snap, _, err := parseDetail(statePage(`{
	  "app": {
	    "id": "42", "package_name": "com.free", "display_name": "Free App",
	    "current_offer": {"price": {"formatted": "Free", "offset_amount": "0"}}
	  }
	}`))
	require.NoError(t, err)
	assert.True(t, snap.IsFree)
}

func TestParseVersionsContinuationPage(t *testing.T) {
	versions, info, err := parseVersions(statePage(`{
	  "versions": {
	    "nodes": [{"version": "1.5", "release_date": 1690000000}],
	    "page_info": {"has_next_page": false, "end_cursor": ""}
	  }
	}`))
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "1.5", versions[0].Version)
	assert.False(t, info.HasNext)
}

func TestParseDetailMissingState(t *testing.T) {
	_, _, err := parseDetail(`<html><body><p>consent wall</p></body></html>`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), stateScriptID)
}

func TestParseDetailInvalidJSON(t *testing.T) {
	_, _, err := parseDetail(statePage(`{"app": truncated`))
	require.Error(t, err)
}

func TestParseDetailNoAppObject(t *testing.T) {
	_, _, err := parseDetail(statePage(`{"versions": {"nodes": []}}`))
	require.Error(t, err)
}

func TestNormalizeRole(t *testing.T) {
	assert.Equal(t, catalog.RoleIcon, normalizeRole("APP_IMG"))
	assert.Equal(t, catalog.RoleCover, normalizeRole("cover_square"))
	assert.Equal(t, catalog.RoleHero, normalizeRole("HERO"))
	assert.Equal(t, "", normalizeRole("trailer_video"))
}
