package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"evrpos/internal/cart"
	"evrpos/internal/catalog"
	"evrpos/internal/correction"
	"evrpos/internal/domain"
	"evrpos/internal/export"
	"evrpos/internal/invoice"
	"evrpos/internal/ledger"
	"evrpos/internal/lock"
	"evrpos/internal/promo"
	"evrpos/internal/store"
)

const engineLockKey = "evrpos:engine"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	InvoicePrefix   string
	LedgerRetention int
	SeedDefaults    bool
	Now             func() time.Time
	Locker          lock.Locker
	Logger          logrus.FieldLogger
	Promo           *promo.Engine
}

// Service is the single owner of the register's state. Every operation runs with
// the engine mutex held; with a shared locker it also holds the distributed lock
// and reloads persisted state first, so other processes' writes are visible.
type Service struct {
	mu     sync.Mutex
	locker lock.Locker
	log    logrus.FieldLogger
	seed   bool

	catalog     *catalog.Catalog
	invoices    *invoice.Sequencer
	cart        *cart.Cart
	ledger      *ledger.Ledger
	corrections *correction.Workflow
}

func New(kv store.KeyValueStore, secrets correction.SecretVerifier, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.Noop{}
	}

	products := catalog.New(kv, logger)
	invoices := invoice.NewSequencer(kv, logger, opts.InvoicePrefix, now)
	history := ledger.New(kv, logger, products, invoices, opts.LedgerRetention, now)

	return &Service{
		locker:      locker,
		log:         logger.WithField("component", "service"),
		seed:        opts.SeedDefaults,
		catalog:     products,
		invoices:    invoices,
		cart:        cart.New(products, invoices, opts.Promo, kv, logger, now),
		ledger:      history,
		corrections: correction.NewWorkflow(history, secrets, logger, now),
	}
}

// Load restores every persisted aggregate. Unreadable keys keep their in-memory
// state and the errors are reported together.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload(ctx)
}

func (s *Service) reload(ctx context.Context) error {
	var defaults map[string]domain.Product
	if s.seed {
		defaults = catalog.DefaultProducts()
	}
	return errors.Join(
		s.catalog.Load(ctx, defaults),
		s.invoices.Load(ctx),
		s.ledger.Load(ctx),
		s.cart.Load(ctx),
	)
}

func (s *Service) exclusive(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.locker.Acquire(ctx, engineLockKey)
	if err != nil {
		return err
	}
	defer release()

	if s.locker.Shared() {
		if err := s.reload(ctx); err != nil {
			s.log.WithError(err).Warn("reload under shared lock was partial")
		}
	}
	return fn()
}

func (s *Service) view(ctx context.Context, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locker.Shared() {
		if err := s.reload(ctx); err != nil {
			s.log.WithError(err).Warn("reload for read was partial")
		}
	}
	fn()
}

func (s *Service) entry(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if actor, ok := ActorFromContext(ctx); ok && actor.Operator != "" {
		fields["operator"] = actor.Operator
	}
	return s.log.WithFields(fields)
}

func (s *Service) ListProducts(ctx context.Context) []domain.Product {
	var out []domain.Product
	s.view(ctx, func() {
		out = s.catalog.List()
	})
	return out
}

func (s *Service) GetProduct(ctx context.Context, code string) (domain.Product, error) {
	var (
		product domain.Product
		ok      bool
	)
	s.view(ctx, func() {
		product, ok = s.catalog.Get(code)
	})
	if !ok {
		return domain.Product{}, fmt.Errorf("%w: product %s", store.ErrNotFound, strings.TrimSpace(code))
	}
	return product, nil
}

func (s *Service) UpsertProduct(ctx context.Context, req domain.ProductUpsertRequest) (domain.Product, error) {
	var product domain.Product
	err := s.exclusive(ctx, func() error {
		var err error
		product, err = s.catalog.Upsert(ctx, req.Code, domain.ProductFields{
			Name:  req.Name,
			Brand: req.Brand,
			Price: req.Price,
			Stock: req.Stock,
		})
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.entry(ctx).WithField("code", product.Code).Info("product saved")
	return product, nil
}

func (s *Service) DeleteProduct(ctx context.Context, code string) error {
	return s.exclusive(ctx, func() error {
		s.catalog.Remove(ctx, code)
		s.entry(ctx).WithField("code", strings.TrimSpace(code)).Info("product removed")
		return nil
	})
}

func (s *Service) ImportProducts(ctx context.Context, rows []domain.ImportRow) (domain.ImportResult, error) {
	var result domain.ImportResult
	err := s.exclusive(ctx, func() error {
		result = s.catalog.BulkImport(ctx, rows)
		return nil
	})
	if err != nil {
		return domain.ImportResult{}, err
	}
	s.entry(ctx).WithFields(logrus.Fields{
		"added":   result.Added,
		"updated": result.Updated,
		"skipped": result.Skipped,
	}).Info("products imported")
	return result, nil
}

// Scan adds a product to the cart. A zero quantity means one unit.
func (s *Service) Scan(ctx context.Context, code string, quantity int) (domain.CartSummary, error) {
	if quantity == 0 {
		quantity = 1
	}
	return s.mutateCart(ctx, func() error {
		_, err := s.cart.AddOrIncrement(ctx, code, quantity)
		return err
	})
}

func (s *Service) SetLineQuantity(ctx context.Context, index int, quantity int) (domain.CartSummary, error) {
	return s.mutateCart(ctx, func() error {
		_, err := s.cart.SetLineQuantity(ctx, index, quantity)
		return err
	})
}

func (s *Service) RemoveLine(ctx context.Context, index int) (domain.CartSummary, error) {
	return s.mutateCart(ctx, func() error {
		return s.cart.RemoveLine(ctx, index)
	})
}

func (s *Service) ClearCart(ctx context.Context) (domain.CartSummary, error) {
	return s.mutateCart(ctx, func() error {
		s.cart.Clear(ctx)
		return nil
	})
}

func (s *Service) SetDiscount(ctx context.Context, percent decimal.Decimal) (domain.CartSummary, error) {
	return s.mutateCart(ctx, func() error {
		return s.cart.SetDiscount(ctx, percent)
	})
}

func (s *Service) CartSummary(ctx context.Context) domain.CartSummary {
	var summary domain.CartSummary
	s.view(ctx, func() {
		summary = s.cart.Summary()
	})
	return summary
}

func (s *Service) mutateCart(ctx context.Context, fn func() error) (domain.CartSummary, error) {
	var summary domain.CartSummary
	err := s.exclusive(ctx, func() error {
		if err := fn(); err != nil {
			return err
		}
		summary = s.cart.Summary()
		return nil
	})
	if err != nil {
		return domain.CartSummary{}, err
	}
	return summary, nil
}

// Checkout commits the cart and records the sale. Nothing is mutated when
// payment or stock validation fails.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.TransactionRecord, error) {
	var record domain.TransactionRecord
	err := s.exclusive(ctx, func() error {
		var err error
		record, err = s.cart.Commit(ctx, domain.Payment{
			Method:          req.PaymentMethod,
			CashTendered:    req.CashTendered,
			ReferenceNumber: req.ReferenceNumber,
			CustomerName:    req.CustomerName,
		})
		if err != nil {
			return err
		}
		s.ledger.Append(ctx, record)
		return nil
	})
	if err != nil {
		return domain.TransactionRecord{}, err
	}
	s.entry(ctx).WithFields(logrus.Fields{
		"invoice": record.InvoiceID,
		"method":  record.PaymentMethod,
	}).Info("checkout completed")
	return record, nil
}

// History returns ledger entries oldest first; a positive limit keeps only the newest.
// History lists ledger entries oldest first, narrowed by q.
func (s *Service) History(ctx context.Context, q domain.HistoryQuery) []domain.TransactionRecord {
	var records []domain.TransactionRecord
	s.view(ctx, func() {
		records = ledger.Filter(s.ledger.List(), q)
	})
	return records
}

// HistoryBrands lists the brands a history listing can be filtered by.
func (s *Service) HistoryBrands(ctx context.Context) []string {
	var brands []string
	s.view(ctx, func() {
		brands = ledger.Brands(s.catalog.List(), s.ledger.List())
	})
	return brands
}

// TransactionByInvoice finds an entry by invoice id, falling back to treating ref
// as a ledger index.
func (s *Service) TransactionByInvoice(ctx context.Context, ref string) (domain.TransactionRecord, error) {
	ref = strings.TrimSpace(ref)
	var (
		record domain.TransactionRecord
		ok     bool
	)
	s.view(ctx, func() {
		record, ok = s.ledger.Find(ref)
		if ok {
			return
		}
		if index, err := strconv.Atoi(ref); err == nil {
			record, ok = s.ledger.At(index)
		}
	})
	if !ok {
		return domain.TransactionRecord{}, fmt.Errorf("%w: transaction %s", store.ErrNotFound, ref)
	}
	return record, nil
}

func (s *Service) StageRefund(ctx context.Context, req domain.RefundRequest) (domain.PendingCorrection, error) {
	return s.stage(ctx, domain.PendingCorrection{
		Action:      domain.CorrectionRefund,
		InvoiceID:   strings.TrimSpace(req.InvoiceID),
		RefundLines: req.Lines,
		Reason:      strings.TrimSpace(req.Reason),
	})
}

func (s *Service) StageEdit(ctx context.Context, req domain.EditRequest) (domain.PendingCorrection, error) {
	return s.stage(ctx, domain.PendingCorrection{
		Action:    domain.CorrectionEdit,
		InvoiceID: strings.TrimSpace(req.InvoiceID),
		Edits:     req.Edits,
		Reason:    strings.TrimSpace(req.Reason),
	})
}

func (s *Service) StageVoid(ctx context.Context, req domain.VoidRequest) (domain.PendingCorrection, error) {
	return s.stage(ctx, domain.PendingCorrection{
		Action:    domain.CorrectionVoid,
		InvoiceID: strings.TrimSpace(req.InvoiceID),
	})
}

func (s *Service) StageClearAll(ctx context.Context) (domain.PendingCorrection, error) {
	return s.stage(ctx, domain.PendingCorrection{Action: domain.CorrectionClearAll})
}

func (s *Service) StageDeleteEntry(ctx context.Context, req domain.DeleteEntryRequest) (domain.PendingCorrection, error) {
	return s.stage(ctx, domain.PendingCorrection{
		Action: domain.CorrectionDeleteEntry,
		Index:  req.Index,
	})
}

// stage rejects corrections that could never apply before asking for the secret.
// The ledger re-validates everything on confirm.
func (s *Service) stage(ctx context.Context, c domain.PendingCorrection) (domain.PendingCorrection, error) {
	if actor, ok := ActorFromContext(ctx); ok {
		c.StagedBy = actor.Operator
	}

	var staged domain.PendingCorrection
	err := s.exclusive(ctx, func() error {
		switch c.Action {
		case domain.CorrectionRefund, domain.CorrectionEdit, domain.CorrectionVoid:
			record, ok := s.ledger.Find(c.InvoiceID)
			if !ok {
				return fmt.Errorf("%w: transaction %s", store.ErrNotFound, c.InvoiceID)
			}
			if record.Voided {
				return fmt.Errorf("%w: %s", store.ErrAlreadyVoided, c.InvoiceID)
			}
		case domain.CorrectionDeleteEntry:
			if _, ok := s.ledger.At(c.Index); !ok {
				return fmt.Errorf("%w: ledger index %d", store.ErrNotFound, c.Index)
			}
		}

		var err error
		staged, err = s.corrections.Stage(c)
		return err
	})
	if err != nil {
		return domain.PendingCorrection{}, err
	}
	return staged, nil
}

func (s *Service) PendingCorrection(ctx context.Context) (domain.PendingCorrection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrections.Pending()
}

func (s *Service) ConfirmCorrection(ctx context.Context, id string, secret string) (domain.CorrectionResult, error) {
	var result domain.CorrectionResult
	err := s.exclusive(ctx, func() error {
		var err error
		result, err = s.corrections.Confirm(ctx, id, secret)
		return err
	})
	if err != nil {
		return result, err
	}
	s.entry(ctx).WithField("action", result.Action).Info("correction confirmed")
	return result, nil
}

func (s *Service) CancelCorrection(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrections.Cancel()
}

func (s *Service) SupplierEarnings(ctx context.Context) []domain.SupplierEarning {
	var rows []domain.SupplierEarning
	s.view(ctx, func() {
		rows = ledger.SupplierEarnings(s.ledger.List())
	})
	return rows
}

func (s *Service) ExportCSV(ctx context.Context, w io.Writer) error {
	return export.WriteHistoryCSV(w, s.History(ctx, domain.HistoryQuery{}))
}

func (s *Service) ExportXLSX(ctx context.Context, w io.Writer) error {
	return export.WriteHistoryXLSX(w, s.History(ctx, domain.HistoryQuery{}))
}

func (s *Service) ProductsTemplate(w io.Writer) error {
	return export.WriteProductsTemplate(w)
}
