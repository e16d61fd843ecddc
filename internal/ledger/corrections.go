package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"evrpos/internal/domain"
	"evrpos/internal/promo"
	"evrpos/internal/store"
)

// ApplyRefund returns units of a sale to stock and records a refund entry that
// points back at the sale. Quantities are checked against what is still
// unrefunded on the sale, so repeated partial refunds can never exceed it.
func (l *Ledger) ApplyRefund(ctx context.Context, invoiceID string, lines []domain.RefundLine, reason string) (domain.TransactionRecord, error) {
	idx := l.indexOf(invoiceID)
	if idx < 0 {
		return domain.TransactionRecord{}, fmt.Errorf("%w: invoice %s", store.ErrNotFound, invoiceID)
	}
	original := l.records[idx]
	if original.Voided {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s", store.ErrAlreadyVoided, invoiceID)
	}
	if original.IsRefund() {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s is itself a refund", store.ErrInvalidTransaction, invoiceID)
	}
	if len(lines) == 0 {
		return domain.TransactionRecord{}, fmt.Errorf("%w: no refund lines", store.ErrInvalidTransaction)
	}

	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		code := strings.TrimSpace(line.Code)
		if line.Quantity < 1 {
			return domain.TransactionRecord{}, fmt.Errorf("%w: refund quantity for %s must be at least 1", store.ErrInvalidQuantity, code)
		}
		if lineIndex(original, code) < 0 {
			return domain.TransactionRecord{}, fmt.Errorf("%w: %s is not on invoice %s", store.ErrInvalidTransaction, code, invoiceID)
		}
		requested[code] += line.Quantity
	}

	refunded := l.refundedQuantities(invoiceID)
	for code, qty := range requested {
		sold := original.QuantityOf(code)
		if refunded[code]+qty > sold {
			return domain.TransactionRecord{}, fmt.Errorf("%w: %s sold %d, refunded %d, requested %d", store.ErrOverRefund, code, sold, refunded[code], qty)
		}
	}

	items := make([]domain.TransactionItem, 0, len(requested))
	deltas := make([]domain.StockDelta, 0, len(requested))
	subtotal := decimal.Zero
	for _, item := range original.Items {
		qty, ok := requested[item.Code]
		if !ok {
			continue
		}
		delete(requested, item.Code)
		refundItem := item
		refundItem.Quantity = -qty
		items = append(items, refundItem)
		deltas = append(deltas, domain.StockDelta{Code: item.Code, Delta: qty})
		subtotal = subtotal.Add(refundItem.LineTotal())
	}

	l.stock.ApplyDeltas(ctx, deltas)
	refundID := l.invoices.Next(ctx)

	note := "Refund for " + invoiceID
	if reason = strings.TrimSpace(reason); reason != "" {
		note += " - " + reason
	}
	entry := domain.TransactionRecord{
		InvoiceID:       refundID,
		Timestamp:       l.now(),
		CustomerName:    original.CustomerName,
		Items:           items,
		Subtotal:        subtotal,
		DiscountPercent: decimal.Zero,
		DiscountAmount:  decimal.Zero,
		Total:           subtotal,
		PaymentMethod:   domain.PaymentRefund,
		CashTendered:    decimal.Zero,
		ChangeDue:       decimal.Zero,
		Reason:          note,
		RefundOf:        invoiceID,
	}

	original.Refunded = true
	original.Reason = appendNote(original.Reason, "Partial refund "+refundID)
	l.records[idx] = original
	l.records = append(l.records, entry)
	l.trim()
	l.save(ctx)

	l.log.WithFields(logrus.Fields{"invoice": invoiceID, "refund": refundID, "total": subtotal.StringFixed(2)}).Info("refund applied")
	return entry.Clone(), nil
}

// ApplyVoid marks a record voided and returns its outstanding units to stock.
// Totals stay as the historical record of the sale.
func (l *Ledger) ApplyVoid(ctx context.Context, invoiceID string) (domain.TransactionRecord, error) {
	idx := l.indexOf(invoiceID)
	if idx < 0 {
		return domain.TransactionRecord{}, fmt.Errorf("%w: invoice %s", store.ErrNotFound, invoiceID)
	}
	record := l.records[idx]
	if record.Voided {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s", store.ErrAlreadyVoided, invoiceID)
	}

	var deltas []domain.StockDelta
	if record.IsRefund() {
		// Voiding a refund takes back the units it restocked. A refund of a voided
		// sale is frozen with it.
		if origIdx := l.indexOf(record.RefundOf); origIdx >= 0 && l.records[origIdx].Voided {
			return domain.TransactionRecord{}, fmt.Errorf("%w: original sale %s", store.ErrAlreadyVoided, record.RefundOf)
		}
		for _, item := range record.Items {
			deltas = append(deltas, domain.StockDelta{Code: item.Code, Delta: item.Quantity})
		}
	} else {
		refunded := l.refundedQuantities(invoiceID)
		for _, item := range record.Items {
			outstanding := item.Quantity - refunded[item.Code]
			refunded[item.Code] -= min(refunded[item.Code], item.Quantity)
			if outstanding > 0 {
				deltas = append(deltas, domain.StockDelta{Code: item.Code, Delta: outstanding})
			}
		}
	}

	l.stock.ApplyDeltas(ctx, deltas)
	record.Voided = true
	record.Reason = appendNote(record.Reason, "VOIDED")
	l.records[idx] = record
	l.save(ctx)

	l.log.WithField("invoice", invoiceID).Info("transaction voided")
	return record.Clone(), nil
}

// ApplyEdit corrects sold quantities in place and recomputes totals with the
// record's existing discount percent.
func (l *Ledger) ApplyEdit(ctx context.Context, invoiceID string, edits []domain.LineEdit, reason string) (domain.TransactionRecord, error) {
	idx := l.indexOf(invoiceID)
	if idx < 0 {
		return domain.TransactionRecord{}, fmt.Errorf("%w: invoice %s", store.ErrNotFound, invoiceID)
	}
	record := l.records[idx].Clone()
	if record.Voided {
		return domain.TransactionRecord{}, fmt.Errorf("%w: %s", store.ErrAlreadyVoided, invoiceID)
	}
	if record.IsRefund() {
		return domain.TransactionRecord{}, fmt.Errorf("%w: refund entries cannot be edited", store.ErrInvalidTransaction)
	}

	refunded := l.refundedQuantities(invoiceID)
	targets := make(map[string]int, len(edits))
	for _, edit := range edits {
		code := strings.TrimSpace(edit.Code)
		if edit.NewQuantity < 0 {
			return domain.TransactionRecord{}, fmt.Errorf("%w: quantity for %s must not be negative", store.ErrInvalidQuantity, code)
		}
		if lineIndex(record, code) < 0 {
			return domain.TransactionRecord{}, fmt.Errorf("%w: %s is not on invoice %s", store.ErrInvalidTransaction, code, invoiceID)
		}
		if edit.NewQuantity < refunded[code] {
			return domain.TransactionRecord{}, fmt.Errorf("%w: %s already refunded %d", store.ErrOverRefund, code, refunded[code])
		}
		targets[code] = edit.NewQuantity
	}

	var deltas []domain.StockDelta
	for i, item := range record.Items {
		newQty, ok := targets[item.Code]
		if !ok {
			continue
		}
		delete(targets, item.Code)
		change := newQty - item.Quantity
		if change == 0 {
			continue
		}
		record.Items[i].Quantity = newQty
		deltas = append(deltas, domain.StockDelta{Code: item.Code, Delta: -change})
	}
	if len(deltas) == 0 {
		return domain.TransactionRecord{}, fmt.Errorf("%w: no quantity changed", store.ErrInvalidTransaction)
	}

	l.stock.ApplyDeltas(ctx, deltas)
	subtotal := decimal.Zero
	for _, item := range record.Items {
		subtotal = subtotal.Add(item.LineTotal())
	}
	record.Subtotal = subtotal
	record.DiscountAmount = promo.DiscountAmount(subtotal, record.DiscountPercent)
	record.Total = subtotal.Sub(record.DiscountAmount)

	note := "Edited"
	if reason = strings.TrimSpace(reason); reason != "" {
		note += ": " + reason
	}
	record.Reason = appendNote(record.Reason, note)
	l.records[idx] = record
	l.save(ctx)

	l.log.WithFields(logrus.Fields{"invoice": invoiceID, "total": record.Total.StringFixed(2)}).Info("transaction edited")
	return record.Clone(), nil
}

func lineIndex(record domain.TransactionRecord, code string) int {
	for i, item := range record.Items {
		if item.Code == code {
			return i
		}
	}
	return -1
}
