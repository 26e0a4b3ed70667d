// Package catalog loads the purchasable plans and credit packs from YAML.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

var ErrInvalidCatalog = errors.New("invalid product catalog")

// File is the on-disk catalog layout.
type File struct {
	Plans []Entry `yaml:"plans" validate:"dive"`
	Packs []Entry `yaml:"packs" validate:"dive"`
}

// Entry is one product row.
type Entry struct {
	ID      string `yaml:"id" validate:"required,max=128"`
	Name    string `yaml:"name" validate:"max=256"`
	Credits int64  `yaml:"credits" validate:"gt=0"`
}

// Catalog implements payments.ProductCatalog over a fixed product set.
type Catalog struct {
	products map[string]payments.Product
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(content)
}

// Parse decodes YAML content. Unknown keys are rejected.
func Parse(content []byte) (*Catalog, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	var file File
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return New(file)
}

// New validates entries and indexes them by id. Ids must be unique across plans and packs.
func New(file File) (*Catalog, error) {
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	catalog := &Catalog{products: make(map[string]payments.Product, len(file.Plans)+len(file.Packs))}
	if err := catalog.add(file.Plans, payments.ProductKindSubscription); err != nil {
		return nil, err
	}
	if err := catalog.add(file.Packs, payments.ProductKindPack); err != nil {
		return nil, err
	}
	if len(catalog.products) == 0 {
		return nil, fmt.Errorf("%w: no products defined", ErrInvalidCatalog)
	}
	return catalog, nil
}

func (catalog *Catalog) add(entries []Entry, kind payments.ProductKind) error {
	for _, entry := range entries {
		productID := strings.TrimSpace(entry.ID)
		if _, exists := catalog.products[productID]; exists {
			return fmt.Errorf("%w: duplicate product id %q", ErrInvalidCatalog, productID)
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = productID
		}
		catalog.products[productID] = payments.Product{ID: productID, Kind: kind, Credits: entry.Credits, Name: name}
	}
	return nil
}

// Product looks up a product by id.
func (catalog *Catalog) Product(productID string) (payments.Product, bool) {
	product, ok := catalog.products[strings.TrimSpace(productID)]
	return product, ok
}

// Products returns every product, plans first, in no particular order within a kind.
func (catalog *Catalog) Products() []payments.Product {
	products := make([]payments.Product, 0, len(catalog.products))
	for _, kind := range []payments.ProductKind{payments.ProductKindSubscription, payments.ProductKindPack} {
		for _, product := range catalog.products {
			if product.Kind == kind {
				products = append(products, product)
			}
		}
	}
	return products
}
