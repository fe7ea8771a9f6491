// Package content defines the read-only view of the surrounding CMS.
//
// The core never mutates content; it only reads items handed to it by the
// publish event or looked up through a Source for queued ids.
package content

import (
	"context"
	"time"
)

// Item is one unit of published material eligible for external broadcast.
type Item struct {
	ID        int64
	Title     string
	Permalink string

	// ImagePath points at the item's thumbnail on local disk ("" = none).
	ImagePath string

	CategoryIDs []int64
	Categories  []string
	Tags        []string

	PublishedAt time.Time
}

// HasImage reports whether the item carries a thumbnail worth uploading.
func (it *Item) HasImage() bool { return it != nil && it.ImagePath != "" }

// Source resolves content ids back to items. Implemented by the host CMS
// layer; the sweep and manual batch paths use it to re-load queued items.
type Source interface {
	Get(ctx context.Context, id int64) (*Item, error)
}
