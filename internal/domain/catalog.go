package domain

import "context"

type CatalogItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
	ImageURL   string `json:"image_url,omitempty"`
	Stock      int    `json:"stock"`
}

// Featured snapshots the item for pinning.
func (c CatalogItem) Featured() FeaturedItem {
	return FeaturedItem{
		ItemID:     c.ID,
		Name:       c.Name,
		PriceMinor: c.PriceMinor,
		Currency:   c.Currency,
		ImageURL:   c.ImageURL,
	}
}

type Catalog interface {
	ListSellerItems(ctx context.Context, sellerID string) ([]CatalogItem, error)
}
