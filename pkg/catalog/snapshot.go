package catalog

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// FetchDepth controls how much history the extraction adapter traverses.
type FetchDepth string

const (
	// DepthFull walks every changelog page the storefront exposes. Used for
	// apps never observed before; this is the expensive path.
	DepthFull FetchDepth = "full"
	// DepthIncremental stops as soon as entries at or before the cutoff
	// timestamp are reached.
	DepthIncremental FetchDepth = "incremental"
)

// Image asset roles understood by the pipeline.
const (
	RoleIcon       = "icon"
	RoleCover      = "cover"
	RoleScreenshot = "screenshot"
	RoleHero       = "hero"
)

// AssetRef is an image asset URL found on a detail page, prior to download.
type AssetRef struct {
	Role string `validate:"required,oneof=icon cover screenshot hero"`
	URL  string `validate:"required,url"`
}

// SnapshotVersion is one version entry as observed on the storefront.
type SnapshotVersion struct {
	Version    string    `validate:"required"`
	ReleasedAt time.Time `validate:"required"`
	Changelog  string
}

// Snapshot is the strict, validated shape produced by the extraction
// adapter. The rendering driver hands back loosely structured page content;
// everything is funneled through this schema before it may enter
// reconciliation. A shape that fails validation is rejected at the adapter
// boundary as a MalformedSnapshotError.
type Snapshot struct {
	StoreID string `validate:"required"`
	Package string `validate:"required"`

	Title       string `validate:"required"`
	Description string
	Price       string
	Rating      float64 `validate:"gte=0,lte=5"`
	RatingCount int64   `validate:"gte=0"`
	Genres      []string
	IsAvailable bool
	IsFree      bool
	IsDemo      bool

	Versions []SnapshotVersion `validate:"dive"`
	Assets   []AssetRef        `validate:"dive"`

	Depth     FetchDepth `validate:"required,oneof=full incremental"`
	FetchedAt time.Time  `validate:"required"`
}

var snapshotValidator = validator.New()

// Validate checks the snapshot against the schema. It returns the raw
// validator error; callers wrap it into a MalformedSnapshotError so the
// failure carries the entity and stage it belongs to.
func (s *Snapshot) Validate() error {
	return snapshotValidator.Struct(s)
}

// Metadata converts the snapshot's metadata fields into the persisted form.
func (s *Snapshot) AppMetadata() Metadata {
	return Metadata{
		Title:       s.Title,
		Description: s.Description,
		Price:       s.Price,
		Rating:      s.Rating,
		RatingCount: s.RatingCount,
		Genres:      append([]string(nil), s.Genres...),
		IsAvailable: s.IsAvailable,
		IsFree:      s.IsFree,
		IsDemo:      s.IsDemo,
	}
}
