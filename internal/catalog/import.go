package catalog

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"evrpos/internal/domain"
)

// Header aliases, matched after lower-casing and dropping spaces. Earlier aliases win.
var (
	codeAliases  = []string{"code", "barcode", "sku"}
	nameAliases  = []string{"name", "product"}
	brandAliases = []string{"brand", "supplier"}
	priceAliases = []string{"price", "unitprice"}
	stockAliases = []string{"stock", "qty", "quantity"}
)

type importFields struct {
	code  string
	name  string
	brand string
	price *decimal.Decimal
	stock *int
}

// BulkImport merges tabular rows into the catalog and persists once at the end.
func (c *Catalog) BulkImport(ctx context.Context, rows []domain.ImportRow) domain.ImportResult {
	var result domain.ImportResult
	for _, row := range rows {
		f := resolveRow(row)
		if f.code == "" {
			result.Skipped++
			continue
		}

		existing, ok := c.products[f.code]
		if !ok {
			p := domain.Product{Code: f.code, Name: f.name, Brand: f.brand, Price: decimal.Zero}
			if p.Name == "" {
				p.Name = defaultName
			}
			if f.price != nil {
				p.Price = *f.price
			}
			if f.stock != nil {
				p.Stock = *f.stock
			}
			c.products[f.code] = p
			result.Added++
			continue
		}

		if f.name != "" {
			existing.Name = f.name
		}
		if f.brand != "" {
			existing.Brand = f.brand
		}
		if f.price != nil {
			existing.Price = *f.price
		}
		if f.stock != nil {
			existing.Stock = *f.stock
		}
		c.products[f.code] = existing
		result.Updated++
	}

	if result.Added > 0 || result.Updated > 0 {
		c.save(ctx)
	}
	c.log.WithFields(logrus.Fields{
		"added":   result.Added,
		"updated": result.Updated,
		"skipped": result.Skipped,
	}).Info("bulk import finished")
	return result
}

func resolveRow(row domain.ImportRow) importFields {
	normalized := normalizeRow(row)
	f := importFields{
		code:  pick(normalized, codeAliases),
		name:  pick(normalized, nameAliases),
		brand: pick(normalized, brandAliases),
	}
	if raw := pick(normalized, priceAliases); raw != "" {
		if price, err := decimal.NewFromString(raw); err == nil && !price.IsNegative() {
			f.price = &price
		}
	}
	if raw := pick(normalized, stockAliases); raw != "" {
		if n, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
			stock := int(math.Max(0, math.Round(n)))
			f.stock = &stock
		}
	}
	return f
}

// normalizeRow folds header variants together. Keys are visited in sorted order so
// that duplicate variants resolve the same way on every run.
func normalizeRow(row domain.ImportRow) map[string]string {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(row))
	for _, key := range keys {
		value := cellString(row[key])
		if value == "" {
			continue
		}
		norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "")
		if _, seen := out[norm]; !seen {
			out[norm] = value
		}
	}
	return out
}

func pick(row map[string]string, aliases []string) string {
	for _, alias := range aliases {
		if value := row[alias]; value != "" {
			return value
		}
	}
	return ""
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case decimal.Decimal:
		return val.String()
	default:
		return ""
	}
}
