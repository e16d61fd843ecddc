package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"evrpos/internal/correction"
	"evrpos/internal/domain"
	"evrpos/internal/lock"
	"evrpos/internal/store"
	"evrpos/internal/store/memory"
)

const testSecret = "letmein-now"

func fixedNow() time.Time {
	return time.Date(2024, 3, 9, 10, 15, 0, 0, time.Local)
}

type sharedLocker struct {
	acquired int
}

func (l *sharedLocker) Acquire(context.Context, string) (lock.Release, error) {
	l.acquired++
	return func() {}, nil
}

func (l *sharedLocker) Shared() bool {
	return true
}

func newTestServiceOn(t *testing.T, kv store.KeyValueStore, locker lock.Locker) *Service {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	svc := New(kv, correction.SecretFunc(func(s string) bool { return s == testSecret }), Options{
		InvoicePrefix: "EVR",
		SeedDefaults:  true,
		Now:           fixedNow,
		Locker:        locker,
		Logger:        logger,
	})
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("load service: %v", err)
	}
	return svc
}

func newTestService(t *testing.T) *Service {
	return newTestServiceOn(t, memory.New(), nil)
}

func cashCheckout(t *testing.T, svc *Service, ctx context.Context, cash int64) domain.TransactionRecord {
	t.Helper()
	record, err := svc.Checkout(ctx, domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		CashTendered:  decimal.NewFromInt(cash),
		CustomerName:  "Rica",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	return record
}

func stockOf(t *testing.T, svc *Service, code string) int {
	t.Helper()
	p, err := svc.GetProduct(context.Background(), code)
	if err != nil {
		t.Fatalf("get product %s: %v", code, err)
	}
	return p.Stock
}

func TestSeededCatalogIsListed(t *testing.T) {
	svc := newTestService(t)
	products := svc.ListProducts(context.Background())
	if len(products) != 3 {
		t.Fatalf("expected 3 seeded products, got %d", len(products))
	}
	if products[0].Code != "1" || products[2].Code != "13" {
		t.Fatalf("unexpected order %s,%s,%s", products[0].Code, products[1].Code, products[2].Code)
	}
	if _, err := svc.GetProduct(context.Background(), "404"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestScanCheckoutAndRefundKeepsStockConsistent(t *testing.T) {
	svc := newTestService(t)
	ctx := WithActor(context.Background(), domain.Actor{Operator: "till-1"})

	if _, err := svc.Scan(ctx, "2", 2); err != nil {
		t.Fatalf("scan: %v", err)
	}
	summary := svc.CartSummary(ctx)
	if !summary.Total.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("expected total 180, got %s", summary.Total)
	}

	sale := cashCheckout(t, svc, ctx, 200)
	if sale.InvoiceID != "EVR-20240309-0001" {
		t.Fatalf("unexpected invoice id %s", sale.InvoiceID)
	}
	if !sale.ChangeDue.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected change 20, got %s", sale.ChangeDue)
	}
	if stockOf(t, svc, "2") != 28 {
		t.Fatalf("expected stock 28 after sale")
	}
	if len(svc.CartSummary(ctx).Lines) != 0 {
		t.Fatalf("expected empty cart after checkout")
	}

	pending, err := svc.StageRefund(ctx, domain.RefundRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.RefundLine{{Code: "2", Quantity: 1}},
		Reason:    "torn bag",
	})
	if err != nil {
		t.Fatalf("stage refund: %v", err)
	}
	if pending.StagedBy != "till-1" {
		t.Fatalf("expected staged_by till-1, got %q", pending.StagedBy)
	}

	result, err := svc.ConfirmCorrection(ctx, pending.ID, testSecret)
	if err != nil {
		t.Fatalf("confirm refund: %v", err)
	}
	if result.Refund == nil || result.Refund.RefundOf != sale.InvoiceID {
		t.Fatalf("expected refund linked to %s, got %+v", sale.InvoiceID, result.Refund)
	}
	if stockOf(t, svc, "2") != 29 {
		t.Fatalf("expected stock 29 after refund")
	}

	history := svc.History(ctx, domain.HistoryQuery{})
	if len(history) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(history))
	}
	if !history[0].Refunded || history[1].InvoiceID != "EVR-20240309-0002" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCheckoutFailureLeavesEverythingUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, "1", 0); err != nil {
		t.Fatalf("scan: %v", err)
	}
	_, err := svc.Checkout(ctx, domain.CheckoutRequest{PaymentMethod: domain.PaymentCash, CashTendered: decimal.NewFromInt(10)})
	if !errors.Is(err, store.ErrPaymentInvalid) {
		t.Fatalf("expected ErrPaymentInvalid, got %v", err)
	}
	_, err = svc.Checkout(ctx, domain.CheckoutRequest{PaymentMethod: domain.PaymentGCash})
	if !errors.Is(err, store.ErrPaymentInvalid) {
		t.Fatalf("expected ErrPaymentInvalid without reference, got %v", err)
	}
	if stockOf(t, svc, "1") != 50 {
		t.Fatalf("stock changed after failed checkout")
	}
	if len(svc.History(ctx, domain.HistoryQuery{})) != 0 {
		t.Fatalf("ledger changed after failed checkout")
	}
	if len(svc.CartSummary(ctx).Lines) != 1 {
		t.Fatalf("cart should survive a failed checkout")
	}

	if _, err := svc.ClearCart(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := svc.Checkout(ctx, domain.CheckoutRequest{PaymentMethod: domain.PaymentCash}); !errors.Is(err, store.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestAutoPromoThroughService(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, "1", 50); err != nil {
		t.Fatalf("scan: %v", err)
	}
	summary := svc.CartSummary(ctx)
	if !summary.Total.Equal(decimal.NewFromInt(5700)) {
		t.Fatalf("expected 5700 after 5%% promo, got %s", summary.Total)
	}

	record, err := svc.Checkout(ctx, domain.CheckoutRequest{PaymentMethod: domain.PaymentCard, ReferenceNumber: " 77-1 "})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if record.ReferenceNumber != "77-1" || record.Reason == "" || record.CustomerName != "Unknown" {
		t.Fatalf("unexpected card record %+v", record)
	}

	if _, err := svc.Scan(ctx, "1", 1); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock once sold out, got %v", err)
	}
}

func TestStagePrechecksAndWrongSecret(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.StageVoid(ctx, domain.VoidRequest{InvoiceID: "EVR-19990101-0001"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound staging unknown invoice, got %v", err)
	}
	if _, err := svc.StageDeleteEntry(ctx, domain.DeleteEntryRequest{Index: 0}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty ledger index, got %v", err)
	}

	if _, err := svc.Scan(ctx, "13", 2); err != nil {
		t.Fatalf("scan: %v", err)
	}
	sale := cashCheckout(t, svc, ctx, 120)

	pending, err := svc.StageVoid(ctx, domain.VoidRequest{InvoiceID: sale.InvoiceID})
	if err != nil {
		t.Fatalf("stage void: %v", err)
	}
	if _, err := svc.ConfirmCorrection(ctx, pending.ID, "nope"); !errors.Is(err, correction.ErrWrongSecret) {
		t.Fatalf("expected ErrWrongSecret, got %v", err)
	}
	if _, ok := svc.PendingCorrection(ctx); !ok {
		t.Fatalf("correction should stay staged after a wrong secret")
	}
	if stockOf(t, svc, "13") != 38 {
		t.Fatalf("wrong secret must not touch stock")
	}

	if _, err := svc.ConfirmCorrection(ctx, pending.ID, testSecret); err != nil {
		t.Fatalf("confirm void: %v", err)
	}
	if stockOf(t, svc, "13") != 40 {
		t.Fatalf("void should restore stock to 40")
	}
	if _, err := svc.StageRefund(ctx, domain.RefundRequest{InvoiceID: sale.InvoiceID, Lines: []domain.RefundLine{{Code: "13", Quantity: 1}}}); !errors.Is(err, store.ErrAlreadyVoided) {
		t.Fatalf("expected ErrAlreadyVoided, got %v", err)
	}
	if _, err := svc.ConfirmCorrection(ctx, "", testSecret); !errors.Is(err, correction.ErrNothingStaged) {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
}

func TestCancelAndClearAll(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, "1", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	cashCheckout(t, svc, ctx, 120)

	if _, err := svc.StageClearAll(ctx); err != nil {
		t.Fatalf("stage clear-all: %v", err)
	}
	if !svc.CancelCorrection(ctx) {
		t.Fatalf("expected a correction to cancel")
	}
	if svc.CancelCorrection(ctx) {
		t.Fatalf("second cancel should report nothing staged")
	}
	if len(svc.History(ctx, domain.HistoryQuery{})) != 1 {
		t.Fatalf("cancel must not change the ledger")
	}

	pending, err := svc.StageClearAll(ctx)
	if err != nil {
		t.Fatalf("stage clear-all: %v", err)
	}
	result, err := svc.ConfirmCorrection(ctx, pending.ID, testSecret)
	if err != nil {
		t.Fatalf("confirm clear-all: %v", err)
	}
	if result.Removed != 1 || len(svc.History(ctx, domain.HistoryQuery{})) != 0 {
		t.Fatalf("expected ledger cleared, result %+v", result)
	}
	if stockOf(t, svc, "1") != 49 {
		t.Fatalf("clearing history must not restock")
	}
}

func TestTransactionByInvoiceFallsBackToIndex(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, "1", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	sale := cashCheckout(t, svc, ctx, 500)

	byID, err := svc.TransactionByInvoice(ctx, sale.InvoiceID)
	if err != nil || byID.InvoiceID != sale.InvoiceID {
		t.Fatalf("lookup by id: %+v %v", byID, err)
	}
	byIndex, err := svc.TransactionByInvoice(ctx, "0")
	if err != nil || byIndex.InvoiceID != sale.InvoiceID {
		t.Fatalf("lookup by index: %+v %v", byIndex, err)
	}
	if _, err := svc.TransactionByInvoice(ctx, "7"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestImportAndSupplierEarnings(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	result, err := svc.ImportProducts(ctx, []domain.ImportRow{
		{"SKU": "200", "Product": "Bird Seed", "Supplier": "Avian", "Price": "40", "Stock": "10"},
		{"code": "1", "price": "125"},
		{"code": "", "name": "ghost"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Added != 1 || result.Updated != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected import result %+v", result)
	}

	if _, err := svc.Scan(ctx, "200", 3); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := svc.Scan(ctx, "1", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	cashCheckout(t, svc, ctx, 1000)

	rows := svc.SupplierEarnings(ctx)
	if len(rows) != 2 || rows[0].Brand != "Pedigree" || !rows[0].Earnings.Equal(decimal.NewFromInt(125)) {
		t.Fatalf("unexpected earnings %+v", rows)
	}
	if rows[1].Brand != "Avian" || rows[1].Quantity != 3 {
		t.Fatalf("unexpected second row %+v", rows[1])
	}
}

func TestExportsAndTemplate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, "2", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	cashCheckout(t, svc, ctx, 100)

	var csvBuf bytes.Buffer
	if err := svc.ExportCSV(ctx, &csvBuf); err != nil {
		t.Fatalf("export csv: %v", err)
	}
	if !strings.Contains(csvBuf.String(), `"[Whiskas] Cat Food (500g) (x1)"`) {
		t.Fatalf("items cell missing from csv: %s", csvBuf.String())
	}

	var xlsxBuf bytes.Buffer
	if err := svc.ExportXLSX(ctx, &xlsxBuf); err != nil {
		t.Fatalf("export xlsx: %v", err)
	}
	if xlsxBuf.Len() == 0 {
		t.Fatalf("expected xlsx bytes")
	}

	var tmpl bytes.Buffer
	if err := svc.ProductsTemplate(&tmpl); err != nil {
		t.Fatalf("template: %v", err)
	}
	if !strings.HasPrefix(tmpl.String(), "code,name,brand,price,stock") {
		t.Fatalf("unexpected template %q", tmpl.String())
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	kv := memory.New()
	first := newTestServiceOn(t, kv, nil)
	ctx := context.Background()

	if _, err := first.Scan(ctx, "1", 2); err != nil {
		t.Fatalf("scan: %v", err)
	}
	cashCheckout(t, first, ctx, 500)
	if _, err := first.Scan(ctx, "13", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}

	second := newTestServiceOn(t, kv, nil)
	if stockOf(t, second, "1") != 48 {
		t.Fatalf("stock not restored")
	}
	if len(second.History(ctx, domain.HistoryQuery{})) != 1 {
		t.Fatalf("history not restored")
	}
	if len(second.CartSummary(ctx).Lines) != 1 {
		t.Fatalf("autosaved cart not restored")
	}

	if _, err := second.ClearCart(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := second.Scan(ctx, "2", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	next := cashCheckout(t, second, ctx, 100)
	if next.InvoiceID != "EVR-20240309-0002" {
		t.Fatalf("sequence should continue after restart, got %s", next.InvoiceID)
	}
}

func TestSharedLockerReloadsOtherProcessWrites(t *testing.T) {
	kv := memory.New()
	lockA := &sharedLocker{}
	a := newTestServiceOn(t, kv, lockA)
	b := newTestServiceOn(t, kv, &sharedLocker{})
	ctx := context.Background()

	if _, err := a.Scan(ctx, "1", 1); err != nil {
		t.Fatalf("scan on a: %v", err)
	}
	cashCheckout(t, a, ctx, 200)

	if stockOf(t, b, "1") != 49 {
		t.Fatalf("b should see a's stock change")
	}
	if _, err := b.Scan(ctx, "2", 1); err != nil {
		t.Fatalf("scan on b: %v", err)
	}
	second := cashCheckout(t, b, ctx, 100)
	if second.InvoiceID != "EVR-20240309-0002" {
		t.Fatalf("b must continue a's sequence, got %s", second.InvoiceID)
	}
	if len(a.History(ctx, domain.HistoryQuery{})) != 2 {
		t.Fatalf("a should see both sales")
	}
	if lockA.acquired == 0 {
		t.Fatalf("expected the shared lock to be taken")
	}
}

type flakyKV struct {
	*memory.Store
	failGetKey string
	failGets   int
	failSets   bool
}

func (f *flakyKV) Get(ctx context.Context, key string) (string, bool, error) {
	if key == f.failGetKey && f.failGets > 0 {
		f.failGets--
		return "", false, errors.New("connection reset")
	}
	return f.Store.Get(ctx, key)
}

func (f *flakyKV) Set(ctx context.Context, key string, value string) error {
	if f.failSets {
		return errors.New("read-only replica")
	}
	return f.Store.Set(ctx, key, value)
}

func TestDeletedDefaultProductStaysDeletedUnderSharedLock(t *testing.T) {
	svc := newTestServiceOn(t, memory.New(), &sharedLocker{})
	ctx := context.Background()

	if err := svc.DeleteProduct(ctx, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetProduct(ctx, "1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted product came back: %v", err)
	}
	if _, err := svc.Scan(ctx, "2", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if got := len(svc.ListProducts(ctx)); got != 2 {
		t.Fatalf("expected 2 products, got %d", got)
	}
}

func TestFailedCatalogReadUnderSharedLockLosesNothing(t *testing.T) {
	kv := &flakyKV{Store: memory.NewWith(map[string]string{
		store.KeyProducts: `{"A":{"name":"Alpha","price":"1","stock":1},"B":{"name":"Beta","price":"2","stock":2},"C":{"name":"Gamma","price":"3","stock":3}}`,
	})}
	svc := newTestServiceOn(t, kv, &sharedLocker{})
	ctx := context.Background()

	kv.failGetKey = store.KeyProducts
	kv.failGets = 1
	name := "Zeta"
	if _, err := svc.UpsertProduct(ctx, domain.ProductUpsertRequest{Code: "Z", Name: &name}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var saved map[string]domain.Product
	if _, err := store.LoadJSON(ctx, kv, store.KeyProducts, &saved); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	for _, code := range []string{"A", "B", "C", "Z"} {
		if _, ok := saved[code]; !ok {
			t.Fatalf("product %s lost from persisted catalog %v", code, saved)
		}
	}
	if len(saved) != 4 {
		t.Fatalf("expected exactly 4 persisted products, got %v", saved)
	}
}

func TestSalesAndCorrectionsContinueWhenWritesFail(t *testing.T) {
	kv := &flakyKV{Store: memory.New(), failSets: true}
	svc := newTestServiceOn(t, kv, nil)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, "1", 2); err != nil {
		t.Fatalf("scan: %v", err)
	}
	sale := cashCheckout(t, svc, ctx, 500)
	if stockOf(t, svc, "1") != 48 {
		t.Fatalf("expected stock 48 after sale")
	}

	refund, err := svc.StageRefund(ctx, domain.RefundRequest{
		InvoiceID: sale.InvoiceID,
		Lines:     []domain.RefundLine{{Code: "1", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("stage refund: %v", err)
	}
	if _, err := svc.ConfirmCorrection(ctx, refund.ID, testSecret); err != nil {
		t.Fatalf("confirm refund: %v", err)
	}
	if stockOf(t, svc, "1") != 49 {
		t.Fatalf("expected stock 49 after refund")
	}

	void, err := svc.StageVoid(ctx, domain.VoidRequest{InvoiceID: sale.InvoiceID})
	if err != nil {
		t.Fatalf("stage void: %v", err)
	}
	if _, err := svc.ConfirmCorrection(ctx, void.ID, testSecret); err != nil {
		t.Fatalf("confirm void: %v", err)
	}
	if stockOf(t, svc, "1") != 50 {
		t.Fatalf("expected stock 50 after void")
	}

	history := svc.History(ctx, domain.HistoryQuery{})
	if len(history) != 2 || !history[0].Voided {
		t.Fatalf("unexpected in-memory history %+v", history)
	}
	if keys := kv.Keys(); len(keys) != 0 {
		t.Fatalf("nothing should reach the failing store, got keys %v", keys)
	}
}

func TestHistoryFiltersAndBrands(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Scan(ctx, "2", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	catFood := cashCheckout(t, svc, ctx, 100)
	if _, err := svc.Scan(ctx, "13", 1); err != nil {
		t.Fatalf("scan: %v", err)
	}
	cashCheckout(t, svc, ctx, 100)

	got := svc.History(ctx, domain.HistoryQuery{Brand: "WHISKAS"})
	if len(got) != 1 || got[0].InvoiceID != catFood.InvoiceID {
		t.Fatalf("unexpected brand filter result %+v", got)
	}
	if got := svc.History(ctx, domain.HistoryQuery{Search: "vitamins"}); len(got) != 1 || got[0].InvoiceID == catFood.InvoiceID {
		t.Fatalf("unexpected search result %+v", got)
	}
	if got := svc.History(ctx, domain.HistoryQuery{Search: "rica"}); len(got) != 2 {
		t.Fatalf("customer search should match both sales, got %d", len(got))
	}

	if brands := strings.Join(svc.HistoryBrands(ctx), ","); brands != "Pedigree,Whiskas,Zoetis" {
		t.Fatalf("unexpected brands %s", brands)
	}
}
