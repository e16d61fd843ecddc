package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"evrpos/internal/domain"
	"evrpos/internal/store"
)

const DefaultRetention = 5000

type StockAdjuster interface {
	ApplyDeltas(ctx context.Context, deltas []domain.StockDelta)
}

type InvoiceAllocator interface {
	Next(ctx context.Context) string
}

// Ledger is the ordered sales history. Index 0 is the oldest entry.
type Ledger struct {
	kv        store.KeyValueStore
	log       logrus.FieldLogger
	stock     StockAdjuster
	invoices  InvoiceAllocator
	now       func() time.Time
	retention int
	records   []domain.TransactionRecord
}

func New(kv store.KeyValueStore, logger logrus.FieldLogger, stock StockAdjuster, invoices InvoiceAllocator, retention int, now func() time.Time) *Ledger {
	if retention < 1 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		kv:        kv,
		log:       logger.WithField("component", "ledger"),
		stock:     stock,
		invoices:  invoices,
		now:       now,
		retention: retention,
	}
}

func (l *Ledger) Load(ctx context.Context) error {
	var records []domain.TransactionRecord
	if _, err := store.LoadJSON(ctx, l.kv, store.KeyTransactionHistory, &records); err != nil {
		l.log.WithError(err).Warn("stored history unreadable, keeping in-memory history")
		return err
	}
	l.records = records
	l.trim()
	return nil
}

// Append adds record at the end and evicts the oldest entries beyond the retention ceiling.
func (l *Ledger) Append(ctx context.Context, record domain.TransactionRecord) {
	l.records = append(l.records, record.Clone())
	l.trim()
	l.save(ctx)
}

func (l *Ledger) trim() {
	if over := len(l.records) - l.retention; over > 0 {
		l.log.WithField("evicted", over).Info("history retention reached, dropping oldest entries")
		l.records = append([]domain.TransactionRecord(nil), l.records[over:]...)
	}
}

func (l *Ledger) Len() int {
	return len(l.records)
}

func (l *Ledger) List() []domain.TransactionRecord {
	out := make([]domain.TransactionRecord, len(l.records))
	for i, r := range l.records {
		out[i] = r.Clone()
	}
	return out
}

func (l *Ledger) Find(invoiceID string) (domain.TransactionRecord, bool) {
	idx := l.indexOf(invoiceID)
	if idx < 0 {
		return domain.TransactionRecord{}, false
	}
	return l.records[idx].Clone(), true
}

func (l *Ledger) At(index int) (domain.TransactionRecord, bool) {
	if index < 0 || index >= len(l.records) {
		return domain.TransactionRecord{}, false
	}
	return l.records[index].Clone(), true
}

// DeleteAll drops the whole history. Counters are not touched.
func (l *Ledger) DeleteAll(ctx context.Context) int {
	removed := len(l.records)
	l.records = nil
	l.save(ctx)
	return removed
}

func (l *Ledger) Delete(ctx context.Context, index int) (domain.TransactionRecord, error) {
	if index < 0 || index >= len(l.records) {
		return domain.TransactionRecord{}, fmt.Errorf("%w: history entry %d", store.ErrNotFound, index)
	}
	removed := l.records[index]
	l.records = append(l.records[:index], l.records[index+1:]...)
	l.save(ctx)
	return removed, nil
}

func (l *Ledger) indexOf(invoiceID string) int {
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].InvoiceID == invoiceID {
			return i
		}
	}
	return -1
}

// refundedQuantities sums units already returned against invoiceID by refund
// entries that are still standing.
func (l *Ledger) refundedQuantities(invoiceID string) map[string]int {
	out := make(map[string]int)
	for _, r := range l.records {
		if r.RefundOf != invoiceID || r.Voided {
			continue
		}
		for _, item := range r.Items {
			out[item.Code] += -item.Quantity
		}
	}
	return out
}

func (l *Ledger) save(ctx context.Context) {
	records := l.records
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	store.Persist(ctx, l.kv, l.log, store.KeyTransactionHistory, records)
}

func appendNote(reason string, note string) string {
	if reason == "" {
		return note
	}
	return reason + " | " + note
}
