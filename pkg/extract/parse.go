package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"

	"github.com/vrdb/questmeta/pkg/catalog"
)

// stateScriptID is the script tag the storefront hydrates its React state
// from. All fields we need are in that JSON blob; the surrounding DOM is
// just its rendering.
const stateScriptID = "__storefront_state__"

// pageInfo carries changelog pagination state between detail page loads.
type pageInfo struct {
	HasNext   bool
	EndCursor string
}

// parseDetail extracts the snapshot fields from a rendered detail page.
// It returns the partially filled snapshot (Depth/FetchedAt are the
// adapter's to set) plus pagination info for the version history.
func parseDetail(html string) (*catalog.Snapshot, pageInfo, error) {
	state, err := pageState(html)
	if err != nil {
		return nil, pageInfo{}, err
	}

	app := state.Get("app")
	if !app.Exists() {
		return nil, pageInfo{}, fmt.Errorf("state blob has no app object")
	}

	snap := &catalog.Snapshot{
		StoreID:     app.Get("id").String(),
		Package:     app.Get("package_name").String(),
		Title:       app.Get("display_name").String(),
		Description: app.Get("description").String(),
		Price:       app.Get("current_offer.price.formatted").String(),
		Rating:      app.Get("quality_rating_aggregate").Float(),
		RatingCount: app.Get("rating_count").Int(),
		IsAvailable: app.Get("is_available").Bool(),
		IsFree:      app.Get("current_offer.price.offset_amount").String() == "0",
		IsDemo:      app.Get("is_demo_of").Exists() && app.Get("is_demo_of").String() != "",
	}
	for _, g := range app.Get("genre_names").Array() {
		snap.Genres = append(snap.Genres, g.String())
	}

	for _, a := range state.Get("assets").Array() {
		role := normalizeRole(a.Get("role").String())
		url := a.Get("url").String()
		if role == "" || url == "" {
			continue
		}
		snap.Assets = append(snap.Assets, catalog.AssetRef{Role: role, URL: url})
	}

	versions, info := parseVersionNodes(state)
	snap.Versions = versions

	return snap, info, nil
}

// parseVersions extracts only the version nodes from a rendered changelog
// continuation page.
func parseVersions(html string) ([]catalog.SnapshotVersion, pageInfo, error) {
	state, err := pageState(html)
	if err != nil {
		return nil, pageInfo{}, err
	}
	versions, info := parseVersionNodes(state)
	return versions, info, nil
}

func parseVersionNodes(state gjson.Result) ([]catalog.SnapshotVersion, pageInfo) {
	var out []catalog.SnapshotVersion
	for _, n := range state.Get("versions.nodes").Array() {
		v := catalog.SnapshotVersion{
			Version:   n.Get("version").String(),
			Changelog: strings.TrimSpace(n.Get("changelog").String()),
		}
		if ts := n.Get("release_date").Int(); ts > 0 {
			v.ReleasedAt = time.Unix(ts, 0).UTC()
		}
		if v.Version == "" {
			continue
		}
		out = append(out, v)
	}
	info := pageInfo{
		HasNext:   state.Get("versions.page_info.has_next_page").Bool(),
		EndCursor: state.Get("versions.page_info.end_cursor").String(),
	}
	return out, info
}

// pageState locates the embedded state JSON in the rendered document.
func pageState(html string) (gjson.Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("parsing document: %w", err)
	}
	raw := strings.TrimSpace(doc.Find("script#" + stateScriptID).First().Text())
	if raw == "" {
		return gjson.Result{}, fmt.Errorf("no %s script in page", stateScriptID)
	}
	if !gjson.Valid(raw) {
		return gjson.Result{}, fmt.Errorf("state blob is not valid JSON")
	}
	return gjson.Parse(raw), nil
}

// normalizeRole maps the storefront's asset type strings onto our roles.
func normalizeRole(raw string) string {
	switch strings.ToLower(raw) {
	case "icon", "app_img":
		return catalog.RoleIcon
	case "cover", "cover_landscape", "cover_square":
		return catalog.RoleCover
	case "screenshot", "screenshot_img":
		return catalog.RoleScreenshot
	case "hero", "hero_img":
		return catalog.RoleHero
	}
	return ""
}
