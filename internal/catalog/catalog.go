// Package catalog is the read-only product price list used to price orders.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/imrishuroy/go-cryptopay-orderflow/internal/orders"
)

var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrNotOnServer    = errors.New("product not sold on server")
	ErrNoPrice        = errors.New("product has no price in currency")
)

// Product as it appears in the catalog file. Prices are keyed by currency
// code and written as decimal strings. An empty Servers list means the
// product is sold everywhere.
type Product struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Servers []string          `yaml:"servers"`
	Prices  map[string]string `yaml:"prices"`
}

type file struct {
	Products []Product `yaml:"products"`
}

type entry struct {
	servers map[string]struct{}
	prices  map[string]decimal.Decimal
}

type Catalog struct {
	products map[string]entry
}

// Load reads and parses a catalog YAML file.
func Load(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(content)
}

// Parse builds a catalog from YAML. Every price must be a positive decimal.
func Parse(content []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{products: make(map[string]entry, len(f.Products))}
	for _, p := range f.Products {
		if p.ID == "" {
			return nil, errors.New("catalog: product without id")
		}
		if _, dup := c.products[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate product %s", p.ID)
		}
		e := entry{
			servers: make(map[string]struct{}, len(p.Servers)),
			prices:  make(map[string]decimal.Decimal, len(p.Prices)),
		}
		for _, s := range p.Servers {
			e.servers[s] = struct{}{}
		}
		for currency, raw := range p.Prices {
			price, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("catalog: product %s price %s: %w", p.ID, currency, err)
			}
			if !price.IsPositive() {
				return nil, fmt.Errorf("catalog: product %s price %s must be positive", p.ID, currency)
			}
			if err := orders.CheckAmount(price); err != nil {
				return nil, fmt.Errorf("catalog: product %s price %s: %w", p.ID, currency, err)
			}
			e.prices[strings.ToUpper(currency)] = price
		}
		c.products[p.ID] = e
	}
	return c, nil
}

// Price returns the unit price of productID on serverID in currency.
func (c *Catalog) Price(productID, serverID, currency string) (decimal.Decimal, error) {
	e, ok := c.products[productID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	if len(e.servers) > 0 {
		if _, ok := e.servers[serverID]; !ok {
			return decimal.Zero, fmt.Errorf("%w: %s on %s", ErrNotOnServer, productID, serverID)
		}
	}
	price, ok := e.prices[strings.ToUpper(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s in %s", ErrNoPrice, productID, currency)
	}
	return price, nil
}

// Len is the number of products loaded.
func (c *Catalog) Len() int { return len(c.products) }
