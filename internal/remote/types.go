// Package remote is the transport wrapper around the commerce platform REST API.
package remote

import (
	"github.com/and161185/catalog-sync/internal/model"
)

// Resource is a catalog collection path relative to the API root.
type Resource string

const (
	ResourceProducts   Resource = "products"
	ResourceCategories Resource = "products/categories"
	ResourceBrands     Resource = "products/brands"
)

// ResourceFor maps an entity kind to its remote collection.
func ResourceFor(kind model.Kind) (Resource, bool) {
	switch kind {
	case model.KindProduct:
		return ResourceProducts, true
	case model.KindCategory:
		return ResourceCategories, true
	case model.KindBrand:
		return ResourceBrands, true
	}
	return "", false
}

// MaxPerPage is the page size cap enforced by the platform.
const MaxPerPage = 100

// Image is an image reference as sent to and returned by the catalog API.
// Products carry a list of them; categories and brands a single one.
type Image struct {
	ID       int64  `json:"id,omitempty"`
	Src      string `json:"src,omitempty"`
	Position int    `json:"position"`
	Alt      string `json:"alt,omitempty"`
}

// Ref is a reference by remote id, e.g. {"id": 12} in categories/brands arrays.
type Ref struct {
	ID int64 `json:"id"`
}

// Meta is one entry of the meta_data list.
type Meta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is the subset of a remote catalog record the engine reads back.
type Record struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	SKU    string  `json:"sku,omitempty"`
	Parent int64   `json:"parent,omitempty"`
	Status string  `json:"status,omitempty"`
	Images []Image `json:"images,omitempty"`
	Image  *Image  `json:"image,omitempty"`
}

// MediaIDs returns every distinct media id attached to the record.
func (r Record) MediaIDs() []int64 {
	seen := map[int64]bool{}
	var out []int64
	add := func(id int64) {
		if id > 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if r.Image != nil {
		add(r.Image.ID)
	}
	for _, img := range r.Images {
		add(img.ID)
	}
	return out
}

// Media is an uploaded media item.
type Media struct {
	ID        int64  `json:"id"`
	SourceURL string `json:"source_url"`
}
