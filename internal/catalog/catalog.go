package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"evrpos/internal/domain"
	"evrpos/internal/store"
)

const defaultName = "Unnamed"

// DefaultProducts is the starter catalog seeded when nothing is stored yet.
func DefaultProducts() map[string]domain.Product {
	return map[string]domain.Product{
		"1":  {Code: "1", Name: "Dog Food", Price: decimal.NewFromInt(120), Stock: 50, Brand: "Pedigree"},
		"2":  {Code: "2", Name: "Cat Food (500g)", Price: decimal.NewFromInt(90), Stock: 30, Brand: "Whiskas"},
		"13": {Code: "13", Name: "Vitamins", Price: decimal.NewFromInt(60), Stock: 40, Brand: "Zoetis"},
	}
}

type Catalog struct {
	kv       store.KeyValueStore
	log      logrus.FieldLogger
	products map[string]domain.Product
}

func New(kv store.KeyValueStore, logger logrus.FieldLogger) *Catalog {
	return &Catalog{
		kv:       kv,
		log:      logger.WithField("component", "catalog"),
		products: make(map[string]domain.Product),
	}
}

// Load replaces the in-memory catalog with the stored snapshot. Defaults are
// seeded only when no snapshot exists yet. A failed read keeps the current
// in-memory catalog and returns the error.
func (c *Catalog) Load(ctx context.Context, defaults map[string]domain.Product) error {
	var saved map[string]domain.Product
	ok, err := store.LoadJSON(ctx, c.kv, store.KeyProducts, &saved)
	if err != nil {
		c.log.WithError(err).Warn("stored catalog unreadable, keeping in-memory catalog")
		return err
	}

	products := make(map[string]domain.Product, len(saved))
	if !ok {
		for code, p := range defaults {
			p.Code = code
			products[code] = p
		}
	}
	for code, p := range saved {
		p.Code = code
		if p.Stock < 0 {
			p.Stock = 0
		}
		products[code] = p
	}

	c.products = products
	return nil
}

func (c *Catalog) Get(code string) (domain.Product, bool) {
	p, ok := c.products[strings.TrimSpace(code)]
	return p, ok
}

func (c *Catalog) Len() int {
	return len(c.products)
}

// List returns products ordered by code, numeric codes first in numeric order.
func (c *Catalog) List() []domain.Product {
	out := make([]domain.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return codeLess(out[i].Code, out[j].Code)
	})
	return out
}

func (c *Catalog) Upsert(ctx context.Context, code string, fields domain.ProductFields) (domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Product{}, fmt.Errorf("%w: product code required", store.ErrInvalidTransaction)
	}
	if fields.Price != nil && fields.Price.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price must not be negative", store.ErrInvalidQuantity)
	}
	if fields.Stock != nil && *fields.Stock < 0 {
		return domain.Product{}, fmt.Errorf("%w: stock must not be negative", store.ErrInvalidQuantity)
	}

	p, ok := c.products[code]
	if !ok {
		p = domain.Product{Code: code, Name: defaultName, Price: decimal.Zero}
	}
	if fields.Name != nil {
		p.Name = strings.TrimSpace(*fields.Name)
		if p.Name == "" {
			p.Name = defaultName
		}
	}
	if fields.Brand != nil {
		p.Brand = strings.TrimSpace(*fields.Brand)
	}
	if fields.Price != nil {
		p.Price = *fields.Price
	}
	if fields.Stock != nil {
		p.Stock = *fields.Stock
	}

	c.products[code] = p
	c.save(ctx)
	return p, nil
}

// Remove deletes code. Removing an absent code is not an error.
func (c *Catalog) Remove(ctx context.Context, code string) {
	code = strings.TrimSpace(code)
	if _, ok := c.products[code]; !ok {
		return
	}
	delete(c.products, code)
	c.save(ctx)
}

// AdjustStock applies delta clamped at zero and returns the new stock.
func (c *Catalog) AdjustStock(ctx context.Context, code string, delta int) int {
	stock, changed := c.adjust(code, delta)
	if changed {
		c.save(ctx)
	}
	return stock
}

// ApplyDeltas adjusts several codes and persists one snapshot afterwards.
func (c *Catalog) ApplyDeltas(ctx context.Context, deltas []domain.StockDelta) {
	changed := false
	for _, d := range deltas {
		if _, ok := c.adjust(d.Code, d.Delta); ok {
			changed = true
		}
	}
	if changed {
		c.save(ctx)
	}
}

func (c *Catalog) adjust(code string, delta int) (int, bool) {
	p, ok := c.products[code]
	if !ok {
		c.log.WithFields(logrus.Fields{"code": code, "delta": delta}).Warn("stock adjustment for unknown product ignored")
		return 0, false
	}
	p.Stock += delta
	if p.Stock < 0 {
		p.Stock = 0
	}
	c.products[code] = p
	return p.Stock, true
}

func (c *Catalog) save(ctx context.Context) {
	store.Persist(ctx, c.kv, c.log, store.KeyProducts, c.products)
}

func codeLess(a, b string) bool {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	default:
		return a < b
	}
}
