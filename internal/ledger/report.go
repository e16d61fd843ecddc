package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"evrpos/internal/domain"
)

// SupplierEarnings sums line value and quantity per brand across non-voided entries.
// Refund entries carry negative quantities, so the figures are net of refunds.
func SupplierEarnings(records []domain.TransactionRecord) []domain.SupplierEarning {
	byBrand := make(map[string]*domain.SupplierEarning)
	for _, record := range records {
		if record.Voided {
			continue
		}
		for _, item := range record.Items {
			if item.Brand == "" {
				continue
			}
			row, ok := byBrand[item.Brand]
			if !ok {
				row = &domain.SupplierEarning{Brand: item.Brand, Earnings: decimal.Zero}
				byBrand[item.Brand] = row
			}
			row.Earnings = row.Earnings.Add(item.LineTotal())
			row.Quantity += item.Quantity
		}
	}

	out := make([]domain.SupplierEarning, 0, len(byBrand))
	for _, row := range byBrand {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Earnings.Equal(out[j].Earnings) {
			return out[i].Earnings.GreaterThan(out[j].Earnings)
		}
		return out[i].Brand < out[j].Brand
	})
	return out
}
