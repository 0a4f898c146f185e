package run

import (
	"context"

	"github.com/vrdb/questmeta/pkg/dataset"
)

// hashIndex is the subset of the state index the blob check needs.
type hashIndex interface {
	HasImage(ctx context.Context, hash string) (bool, error)
}

// BlobIndex is the de-duplication index handed to the image pool. The sqlite
// index answers the common never-seen-before case without touching disk, but
// it is a cache living at an independently configured path: it can outlive a
// dataset that was reset or pruned underneath it. A hash therefore counts as
// stored only when the dataset actually holds the blob, so a stale index
// entry can never make a record reference bytes that are gone.
type BlobIndex struct {
	State hashIndex
	Store *dataset.Store
}

func (b *BlobIndex) HasImage(ctx context.Context, hash string) (bool, error) {
	if b.State != nil {
		indexed, err := b.State.HasImage(ctx, hash)
		if err != nil {
			return false, err
		}
		if !indexed {
			return false, nil
		}
	}
	return b.Store.HasImage(hash), nil
}
