// Package images downloads and normalizes the image assets referenced by a
// snapshot. Assets are content-addressed: the sha-256 of the normalized
// bytes is the identity key, never the source URL, so identical bytes
// fetched from different URLs (even for different apps) are stored once.
package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vrdb/questmeta/pkg/catalog"
)

const (
	defaultWorkers = 4
	// maxAssetBytes caps a single download; anything larger than this is not
	// a legitimate storefront asset.
	maxAssetBytes = 32 << 20
)

// Fetched is one successfully acquired asset.
type Fetched struct {
	Role string
	Hash string
	// Bytes is nil when the blob already exists in the dataset; the entity
	// still references the hash, the write is a no-op.
	Bytes   []byte
	Deduped bool
}

// Index answers whether a content hash is already stored anywhere in the
// dataset. Checking before returning bytes lets the writer skip re-writes
// and keeps repeated runs cheap.
type Index interface {
	HasImage(ctx context.Context, hash string) (bool, error)
}

// Pool concurrently fetches a snapshot's assets with a bounded worker count.
// One asset failing is reported per-asset and does not cancel its siblings;
// the entity proceeds with whatever succeeded.
type Pool struct {
	Client  *retryablehttp.Client
	Index   Index
	Workers int
}

// NewPool builds a pool with the bounded-retry HTTP client shared by all
// asset downloads.
func NewPool(index Index, workers int) *Pool {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = 60 * time.Second
	client.Logger = nil

	return &Pool{Client: client, Index: index, Workers: workers}
}

// FetchAll downloads all assets and returns the successes alongside the
// per-asset errors. Order of results is not significant.
func (p *Pool) FetchAll(ctx context.Context, assets []catalog.AssetRef) ([]Fetched, []error) {
	if len(assets) == 0 {
		return nil, nil
	}

	workers := p.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(assets) {
		workers = len(assets)
	}

	jobs := make(chan catalog.AssetRef, len(assets))

	var mu sync.Mutex
	var fetched []Fetched
	var errs []error

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for asset := range jobs {
				f, err := p.fetchOne(ctx, asset)
				mu.Lock()
				if err != nil {
					errs = append(errs, fmt.Errorf("%s asset %s: %w", asset.Role, asset.URL, err))
				} else {
					fetched = append(fetched, f)
				}
				mu.Unlock()
			}
		}()
	}

	for _, a := range assets {
		jobs <- a
	}
	close(jobs)
	wg.Wait()

	return fetched, errs
}

func (p *Pool) fetchOne(ctx context.Context, asset catalog.AssetRef) (Fetched, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return Fetched{}, err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return Fetched{}, &catalog.TransientFetchError{Target: asset.URL, Attempts: p.Client.RetryMax + 1, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Fetched{}, &catalog.TransientFetchError{
			Target:   asset.URL,
			Attempts: p.Client.RetryMax + 1,
			Err:      fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return Fetched{}, &catalog.TransientFetchError{Target: asset.URL, Attempts: 1, Err: err}
	}
	if int64(len(raw)) > maxAssetBytes {
		return Fetched{}, fmt.Errorf("asset exceeds %d bytes", int64(maxAssetBytes))
	}

	normalized, err := normalize(raw, asset.Role)
	if err != nil {
		return Fetched{}, err
	}

	sum := sha256.Sum256(normalized)
	hash := hex.EncodeToString(sum[:])

	f := Fetched{Role: asset.Role, Hash: hash, Bytes: normalized}
	if p.Index != nil {
		exists, err := p.Index.HasImage(ctx, hash)
		if err == nil && exists {
			f.Bytes = nil
			f.Deduped = true
		}
	}
	return f, nil
}
