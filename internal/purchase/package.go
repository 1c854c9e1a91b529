package purchase

import (
	"errors"
	"fmt"
)

// ErrPackageNotFound is returned for an unknown credit package id.
var ErrPackageNotFound = errors.New("credit package not found")

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	ID         string `koanf:"id" json:"id"`
	Name       string `koanf:"name" json:"name"`
	Credits    int64  `koanf:"credits" json:"credits"`
	PriceCents int64  `koanf:"price_cents" json:"price_cents"`
	Currency   string `koanf:"currency" json:"currency"`
}

// DefaultPackages is the catalog used when none is configured.
var DefaultPackages = []CreditPackage{
	{ID: "starter", Name: "Starter - 100 credits", Credits: 100, PriceCents: 999, Currency: "usd"},
	{ID: "creator", Name: "Creator - 500 credits", Credits: 500, PriceCents: 3999, Currency: "usd"},
	{ID: "studio", Name: "Studio - 2000 credits", Credits: 2000, PriceCents: 12999, Currency: "usd"},
}

// Catalog indexes credit packages by id.
type Catalog map[string]CreditPackage

// NewCatalog validates packages and indexes them.
func NewCatalog(packages []CreditPackage) (Catalog, error) {
	c := make(Catalog, len(packages))
	for _, p := range packages {
		if p.ID == "" {
			return nil, errors.New("credit package id is required")
		}
		if p.Credits <= 0 || p.PriceCents <= 0 {
			return nil, fmt.Errorf("credit package %s: credits and price must be positive", p.ID)
		}
		if p.Currency == "" {
			p.Currency = "usd"
		}
		if _, dup := c[p.ID]; dup {
			return nil, fmt.Errorf("credit package %s defined twice", p.ID)
		}
		c[p.ID] = p
	}
	return c, nil
}

// Get returns the package with the given id.
func (c Catalog) Get(id string) (CreditPackage, error) {
	p, ok := c[id]
	if !ok {
		return CreditPackage{}, fmt.Errorf("%w: %s", ErrPackageNotFound, id)
	}
	return p, nil
}
