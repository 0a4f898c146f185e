package images

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/vrdb/questmeta/pkg/catalog"
)

// roleMaxWidth caps the stored width per asset role. The storefront serves
// oversized originals; capping before hashing keeps the blob store small and
// makes the content hash independent of which rendition URL we happened to
// download.
var roleMaxWidth = map[string]int{
	catalog.RoleIcon:       512,
	catalog.RoleCover:      1024,
	catalog.RoleScreenshot: 1280,
	catalog.RoleHero:       1920,
}

// normalize decodes raw bytes (png, jpeg or webp), downscales anything wider
// than the role cap preserving aspect ratio, and re-encodes as PNG. The
// output is the canonical byte form the content hash is computed from.
func normalize(raw []byte, role string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding %s asset: %w", role, err)
	}

	maxWidth := roleMaxWidth[role]
	b := src.Bounds()
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		src = dst
	}

	var out bytes.Buffer
	if err := png.Encode(&out, src); err != nil {
		return nil, fmt.Errorf("encoding %s asset: %w", role, err)
	}
	return out.Bytes(), nil
}
