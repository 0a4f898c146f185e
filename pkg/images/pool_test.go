package images

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrdb/questmeta/pkg/catalog"
)

func testPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeIndex struct {
	known map[string]bool
}

func (f *fakeIndex) HasImage(ctx context.Context, hash string) (bool, error) {
	return f.known[hash], nil
}

func TestFetchAllIdenticalBytesShareOneHash(t *testing.T) {
	body := testPNG(t, 64, 64, color.RGBA{R: 200, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	pool := NewPool(nil, 2)
	fetched, errs := pool.FetchAll(context.Background(), []catalog.AssetRef{
		{Role: catalog.RoleIcon, URL: srv.URL + "/one.png"},
		{Role: catalog.RoleIcon, URL: srv.URL + "/two.png"},
	})

	require.Empty(t, errs)
	require.Len(t, fetched, 2)
	assert.Equal(t, fetched[0].Hash, fetched[1].Hash,
		"identical bytes from different URLs must produce one content hash")
}

func TestFetchAllFailureDoesNotCancelSiblings(t *testing.T) {
	body := testPNG(t, 32, 32, color.RGBA{G: 120, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	pool := NewPool(nil, 2)
	// Keep the retry policy from stalling the test on the 404.
	pool.Client.RetryMax = 0

	fetched, errs := pool.FetchAll(context.Background(), []catalog.AssetRef{
		{Role: catalog.RoleIcon, URL: srv.URL + "/ok.png"},
		{Role: catalog.RoleCover, URL: srv.URL + "/missing.png"},
	})

	require.Len(t, errs, 1, "the 404 is reported per-asset")
	require.Len(t, fetched, 1, "the sibling asset still succeeds")
	assert.Equal(t, catalog.RoleIcon, fetched[0].Role)

	var transient *catalog.TransientFetchError
	assert.ErrorAs(t, errs[0], &transient)
}

func TestFetchAllDedupesAgainstIndex(t *testing.T) {
	body := testPNG(t, 16, 16, color.RGBA{B: 90, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	// First pass learns the hash.
	probe := NewPool(nil, 1)
	first, errs := probe.FetchAll(context.Background(), []catalog.AssetRef{
		{Role: catalog.RoleIcon, URL: srv.URL + "/a.png"},
	})
	require.Empty(t, errs)
	require.Len(t, first, 1)

	pool := NewPool(&fakeIndex{known: map[string]bool{first[0].Hash: true}}, 1)
	fetched, errs := pool.FetchAll(context.Background(), []catalog.AssetRef{
		{Role: catalog.RoleIcon, URL: srv.URL + "/b.png"},
	})
	require.Empty(t, errs)
	require.Len(t, fetched, 1)

	assert.True(t, fetched[0].Deduped)
	assert.Nil(t, fetched[0].Bytes, "already-stored bytes are not returned for rewrite")
	assert.Equal(t, first[0].Hash, fetched[0].Hash, "entity still references the shared hash")
}

func TestFetchAllRejectsNonImagePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	pool := NewPool(nil, 1)
	fetched, errs := pool.FetchAll(context.Background(), []catalog.AssetRef{
		{Role: catalog.RoleIcon, URL: srv.URL + "/nope.png"},
	})
	assert.Empty(t, fetched)
	require.Len(t, errs, 1)
}

func TestNormalizeDownscalesWideAssets(t *testing.T) {
	raw := testPNG(t, 2048, 1024, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	out, err := normalize(raw, catalog.RoleIcon)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 512, decoded.Bounds().Dx())
	assert.Equal(t, 256, decoded.Bounds().Dy(), "aspect ratio preserved")
}

func TestNormalizeKeepsSmallAssets(t *testing.T) {
	raw := testPNG(t, 100, 50, color.RGBA{A: 255})

	out, err := normalize(raw, catalog.RoleScreenshot)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.Bounds().Dx())
}

func TestNormalizeHashStableAcrossRuns(t *testing.T) {
	raw := testPNG(t, 300, 300, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	a, err := normalize(raw, catalog.RoleCover)
	require.NoError(t, err)
	b, err := normalize(raw, catalog.RoleCover)
	require.NoError(t, err)
	assert.Equal(t, a, b, "normalization must be deterministic for stable content hashes")
}
