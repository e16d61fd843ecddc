package ledger

import (
	"fmt"
	"sort"
	"strings"

	"evrpos/internal/domain"
)

const searchDateLayout = "2006-01-02 15:04:05"

// Filter returns the records matching q, oldest first. Limit keeps the newest matches.
func Filter(records []domain.TransactionRecord, q domain.HistoryQuery) []domain.TransactionRecord {
	search := strings.ToLower(strings.TrimSpace(q.Search))
	brand := strings.ToLower(strings.TrimSpace(q.Brand))

	out := make([]domain.TransactionRecord, 0, len(records))
	for _, record := range records {
		if search != "" && !strings.Contains(searchText(record), search) {
			continue
		}
		if brand != "" && !hasBrand(record, brand) {
			continue
		}
		out = append(out, record)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func searchText(record domain.TransactionRecord) string {
	items := make([]string, 0, len(record.Items))
	for _, item := range record.Items {
		label := item.Name
		if item.Brand != "" {
			label = "[" + item.Brand + "] " + label
		}
		items = append(items, fmt.Sprintf("%s x%d @%s", label, item.Quantity, item.UnitPrice.StringFixed(2)))
	}
	return strings.ToLower(strings.Join([]string{
		record.InvoiceID,
		record.Timestamp.Format(searchDateLayout),
		record.CustomerName,
		strings.Join(items, "; "),
		string(record.PaymentMethod),
		record.ReferenceNumber,
	}, " "))
}

func hasBrand(record domain.TransactionRecord, brand string) bool {
	for _, item := range record.Items {
		if strings.ToLower(item.Brand) == brand {
			return true
		}
	}
	return false
}

// Brands lists every non-empty brand known to the catalog or seen on a ledger line, sorted.
func Brands(products []domain.Product, records []domain.TransactionRecord) []string {
	seen := make(map[string]struct{})
	for _, p := range products {
		if p.Brand != "" {
			seen[p.Brand] = struct{}{}
		}
	}
	for _, record := range records {
		for _, item := range record.Items {
			if item.Brand != "" {
				seen[item.Brand] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for brand := range seen {
		out = append(out, brand)
	}
	sort.Strings(out)
	return out
}
