// Package sources holds the read-only external inputs of a run: the
// storefront's paginated catalog listing and the crowd-sourced id-mapping
// sheet. Both are consumed once per run to seed the resolver.
package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/vrdb/questmeta/pkg/catalog"
)

// maxListingPages bounds the sweep; the catalog is a few hundred pages at
// most and runaway pagination must not hang the run.
const maxListingPages = 500

// ListingClient pages through the storefront's section listing API.
type ListingClient struct {
	HTTP     *retryablehttp.Client
	BaseURL  string
	Sections []string
}

// NewListingClient builds a client with the shared bounded-retry policy.
func NewListingClient(baseURL string, sections []string) *ListingClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	return &ListingClient{HTTP: client, BaseURL: baseURL, Sections: sections}
}

// Sweep fetches every configured section and returns the observed listings.
// Listing failures are fatal to the run: without a complete sweep the
// resolver cannot distinguish vanished entities from a broken listing.
func (c *ListingClient) Sweep(ctx context.Context) ([]catalog.Listing, error) {
	var all []catalog.Listing
	seen := make(map[string]bool)

	for _, section := range c.Sections {
		listings, err := c.sweepSection(ctx, section)
		if err != nil {
			return nil, fmt.Errorf("sweeping section %s: %w", section, err)
		}
		for _, l := range listings {
			key := l.StoreID + "|" + l.Package
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, l)
		}
	}
	return all, nil
}

func (c *ListingClient) sweepSection(ctx context.Context, section string) ([]catalog.Listing, error) {
	var out []catalog.Listing
	cursor := ""

	for page := 0; page < maxListingPages; page++ {
		body, err := c.get(ctx, c.sectionURL(section, cursor))
		if err != nil {
			return nil, err
		}

		parsed := gjson.ParseBytes(body)
		for _, item := range parsed.Get("items").Array() {
			l := catalog.Listing{
				StoreID:     item.Get("id").String(),
				Package:     item.Get("package_name").String(),
				DisplayName: item.Get("display_name").String(),
			}
			if l.StoreID == "" {
				continue
			}
			out = append(out, l)
		}

		if !parsed.Get("page_info.has_next_page").Bool() {
			break
		}
		cursor = parsed.Get("page_info.end_cursor").String()
		if cursor == "" {
			break
		}
	}
	return out, nil
}

func (c *ListingClient) sectionURL(section, cursor string) string {
	u := fmt.Sprintf("%s/api/section/%s", c.BaseURL, url.PathEscape(section))
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}
	return u
}

func (c *ListingClient) get(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &catalog.TransientFetchError{Target: url, Attempts: c.HTTP.RetryMax + 1, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &catalog.TransientFetchError{
			Target:   url,
			Attempts: c.HTTP.RetryMax + 1,
			Err:      fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}
	return io.ReadAll(resp.Body)
}
