// Package model defines catalog entities used by services, strategies and repositories.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags an entity with its catalog type. Strategies are registered per kind.
type Kind string

const (
	KindCategory Kind = "category"
	KindProduct  Kind = "product"
	KindBrand    Kind = "brand"
)

// Kinds lists every kind in dependency order: brands and categories must
// exist remotely before products reference them.
var Kinds = []Kind{KindBrand, KindCategory, KindProduct}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCategory, KindProduct, KindBrand:
		return true
	}
	return false
}

// ParseKind accepts singular or plural spellings ("products", "category").
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "category", "categories":
		return KindCategory, true
	case "product", "products":
		return KindProduct, true
	case "brand", "brands":
		return KindBrand, true
	}
	return "", false
}

// ImageStatus describes whether an image has been uploaded to the remote media store.
type ImageStatus string

const (
	ImagePending ImageStatus = "pending" // file exists locally, not uploaded yet
	ImageActive  ImageStatus = "active"  // remote media id attached
)

// Image references a local file and, once uploaded, its remote media.
type Image struct {
	LocalPath     string      `json:"local_path"`
	RemoteMediaID int64       `json:"remote_media_id,omitempty"`
	RemoteURL     string      `json:"remote_url,omitempty"`
	Alt           string      `json:"alt,omitempty"`
	Status        ImageStatus `json:"status"`
}

// Uploaded reports whether the image carries a usable remote media id.
func (i Image) Uploaded() bool { return i.Status == ImageActive && i.RemoteMediaID > 0 }

// CategoryFields holds category-only attributes.
type CategoryFields struct {
	ParentID string `json:"parent_id,omitempty"` // local id, empty for root
	Level    int    `json:"level"`               // depth from root, 0 = root
}

// ProductStatus is the local publication status.
type ProductStatus string

const (
	StatusPublished ProductStatus = "published"
	StatusDraft     ProductStatus = "draft"
)

// MetaEntry is a free-form key/value forwarded to the remote meta_data list.
type MetaEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ProductFields holds product-only attributes.
type ProductFields struct {
	SKU           string              `json:"sku,omitempty"`
	RegularPrice  decimal.Decimal     `json:"regular_price"`
	SalePrice     decimal.NullDecimal `json:"sale_price"`
	Status        ProductStatus       `json:"status"`
	ManageStock   bool                `json:"manage_stock"`
	StockQuantity int                 `json:"stock_quantity"`
	CategoryIDs   []string            `json:"categories,omitempty"` // local category ids
	BrandID       string              `json:"brand_id,omitempty"`   // local brand id
	Meta          []MetaEntry         `json:"meta,omitempty"`
}

// Entity is a catalog record: the shared CatalogEntity shape plus exactly one
// kind-specific section (Category or Product; brands have none).
type Entity struct {
	Kind        Kind      `json:"kind"`
	LocalID     string    `json:"local_id"`
	RemoteID    int64     `json:"remote_id,omitempty"` // 0 = never synced
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	PendingSync bool      `json:"pending_sync"`
	LastSync    time.Time `json:"last_sync,omitempty"`  // zero = never confirmed
	UpdatedAt   time.Time `json:"updated_at,omitempty"` // last local mutation

	Image   *Image  `json:"image,omitempty"`
	Gallery []Image `json:"gallery_images,omitempty"`

	Category *CategoryFields `json:"category,omitempty"`
	Product  *ProductFields  `json:"product,omitempty"`
}

// Synced reports whether the entity has a remote counterpart.
func (e *Entity) Synced() bool { return e.RemoteID > 0 }

// DisplayName returns the name, or the local id when the name is empty.
func (e *Entity) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.LocalID
}

// Level returns the category depth (0 for non-categories).
func (e *Entity) Level() int {
	if e.Category == nil {
		return 0
	}
	return e.Category.Level
}

// Clone returns a deep copy safe to mutate.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Image != nil {
		img := *e.Image
		c.Image = &img
	}
	c.Gallery = append([]Image(nil), e.Gallery...)
	if e.Category != nil {
		cf := *e.Category
		c.Category = &cf
	}
	if e.Product != nil {
		pf := *e.Product
		pf.CategoryIDs = append([]string(nil), e.Product.CategoryIDs...)
		pf.Meta = append([]MetaEntry(nil), e.Product.Meta...)
		c.Product = &pf
	}
	return &c
}

// Patch is a partial update applied by the store. Nil fields are left untouched.
type Patch struct {
	RemoteID    *int64
	PendingSync *bool
	LastSync    *time.Time
	Image       *Image   // replaces the main image when non-nil
	Gallery     *[]Image // replaces the gallery when non-nil

	// SyncStartedAt guards a PendingSync=false write: an UpdatedAt newer
	// than this instant keeps the entity dirty.
	SyncStartedAt *time.Time
}

// Apply writes the non-nil patch fields onto e.
func (p Patch) Apply(e *Entity) {
	if p.RemoteID != nil {
		e.RemoteID = *p.RemoteID
	}
	if p.PendingSync != nil {
		e.PendingSync = *p.PendingSync
		if !e.PendingSync && p.SyncStartedAt != nil && e.UpdatedAt.After(*p.SyncStartedAt) {
			e.PendingSync = true
		}
	}
	if p.LastSync != nil {
		e.LastSync = *p.LastSync
	}
	if p.Image != nil {
		img := *p.Image
		e.Image = &img
	}
	if p.Gallery != nil {
		e.Gallery = append([]Image(nil), (*p.Gallery)...)
	}
}
