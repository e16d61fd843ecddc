package cart

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"evrpos/internal/domain"
	"evrpos/internal/promo"
	"evrpos/internal/store"
)

const unknownCustomer = "Unknown"

type Catalog interface {
	Get(code string) (domain.Product, bool)
	ApplyDeltas(ctx context.Context, deltas []domain.StockDelta)
}

type InvoiceAllocator interface {
	Next(ctx context.Context) string
}

// Cart is the working, uncommitted sale. It is autosaved after every change.
type Cart struct {
	catalog  Catalog
	invoices InvoiceAllocator
	promo    *promo.Engine
	kv       store.KeyValueStore
	log      logrus.FieldLogger
	now      func() time.Time

	lines          []domain.CartLine
	mode           domain.DiscountMode
	manualDiscount decimal.Decimal
}

func New(catalog Catalog, invoices InvoiceAllocator, engine *promo.Engine, kv store.KeyValueStore, logger logrus.FieldLogger, now func() time.Time) *Cart {
	if engine == nil {
		engine = promo.NewEngine()
	}
	if now == nil {
		now = time.Now
	}
	return &Cart{
		catalog:        catalog,
		invoices:       invoices,
		promo:          engine,
		kv:             kv,
		log:            logger.WithField("component", "cart"),
		now:            now,
		mode:           domain.DiscountAuto,
		manualDiscount: decimal.Zero,
	}
}

// Load restores the autosaved cart.
func (c *Cart) Load(ctx context.Context) error {
	var state domain.CartState
	ok, err := store.LoadJSON(ctx, c.kv, store.KeyCart, &state)
	if err != nil {
		c.log.WithError(err).Warn("autosaved cart unreadable, starting empty")
		return err
	}
	if !ok {
		return nil
	}

	lines := make([]domain.CartLine, 0, len(state.Lines))
	for _, line := range state.Lines {
		if strings.TrimSpace(line.Code) == "" || line.Quantity < 1 {
			continue
		}
		lines = append(lines, line)
	}
	c.lines = lines
	c.mode = domain.DiscountAuto
	c.manualDiscount = decimal.Zero
	if state.DiscountMode == domain.DiscountManual {
		c.mode = domain.DiscountManual
		c.manualDiscount = state.DiscountPercent
	}
	return nil
}

func (c *Cart) Lines() []domain.CartLine {
	return append([]domain.CartLine(nil), c.lines...)
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) Mode() domain.DiscountMode {
	return c.mode
}

func (c *Cart) AddOrIncrement(ctx context.Context, code string, quantity int) (domain.CartLine, error) {
	code = strings.TrimSpace(code)
	if quantity < 1 {
		return domain.CartLine{}, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidQuantity)
	}
	product, ok := c.catalog.Get(code)
	if !ok {
		return domain.CartLine{}, fmt.Errorf("%w: product %s", store.ErrNotFound, code)
	}

	idx := c.indexOf(code)
	existing := 0
	if idx >= 0 {
		existing = c.lines[idx].Quantity
	}
	if existing+quantity > product.Stock {
		return domain.CartLine{}, fmt.Errorf("%w: %s available %d, requested %d", store.ErrInsufficientStock, code, product.Stock, existing+quantity)
	}

	if idx >= 0 {
		c.lines[idx].Quantity += quantity
	} else {
		c.lines = append(c.lines, domain.CartLine{
			Code:      code,
			Name:      product.Name,
			Brand:     product.Brand,
			Quantity:  quantity,
			UnitPrice: product.Price,
		})
		idx = len(c.lines) - 1
	}
	c.save(ctx)
	return c.lines[idx], nil
}

func (c *Cart) SetLineQuantity(ctx context.Context, index int, quantity int) (domain.CartLine, error) {
	if index < 0 || index >= len(c.lines) {
		return domain.CartLine{}, fmt.Errorf("%w: cart line %d", store.ErrNotFound, index)
	}
	if quantity < 1 {
		return domain.CartLine{}, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidQuantity)
	}
	line := c.lines[index]
	product, ok := c.catalog.Get(line.Code)
	if !ok {
		return domain.CartLine{}, fmt.Errorf("%w: product %s", store.ErrNotFound, line.Code)
	}
	if quantity > product.Stock {
		return domain.CartLine{}, fmt.Errorf("%w: %s available %d, requested %d", store.ErrInsufficientStock, line.Code, product.Stock, quantity)
	}

	c.lines[index].Quantity = quantity
	c.save(ctx)
	return c.lines[index], nil
}

func (c *Cart) RemoveLine(ctx context.Context, index int) error {
	if index < 0 || index >= len(c.lines) {
		return fmt.Errorf("%w: cart line %d", store.ErrNotFound, index)
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	c.save(ctx)
	return nil
}

// Clear empties the cart and hands discount control back to the promo rules.
func (c *Cart) Clear(ctx context.Context) {
	c.lines = nil
	c.mode = domain.DiscountAuto
	c.manualDiscount = decimal.Zero
	c.save(ctx)
}

// SetDiscount locks the discount to an operator value until the next Clear.
func (c *Cart) SetDiscount(ctx context.Context, percent decimal.Decimal) error {
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: discount must be between 0 and 100", store.ErrInvalidTransaction)
	}
	c.mode = domain.DiscountManual
	c.manualDiscount = percent
	c.save(ctx)
	return nil
}

func (c *Cart) Subtotal() decimal.Decimal {
	return promo.Subtotal(c.lines)
}

func (c *Cart) Summary() domain.CartSummary {
	decision := c.promo.Evaluate(c.lines)
	subtotal := c.Subtotal()
	percent := decision.Percent
	if c.mode == domain.DiscountManual {
		percent = c.manualDiscount
	}
	amount := promo.DiscountAmount(subtotal, percent)
	return domain.CartSummary{
		Lines:           c.Lines(),
		Subtotal:        subtotal,
		DiscountPercent: percent,
		DiscountAmount:  amount,
		Total:           subtotal.Sub(amount),
		DiscountMode:    c.mode,
		PromoReason:     decision.Reason,
	}
}

// Commit turns the cart into a ledger record. Payment and every line's stock are
// validated before the first stock mutation. The caller appends the record.
func (c *Cart) Commit(ctx context.Context, payment domain.Payment) (domain.TransactionRecord, error) {
	if len(c.lines) == 0 {
		return domain.TransactionRecord{}, store.ErrEmptyCart
	}
	summary := c.Summary()
	if err := validatePayment(payment, summary.Total); err != nil {
		return domain.TransactionRecord{}, err
	}

	deltas := make([]domain.StockDelta, 0, len(c.lines))
	items := make([]domain.TransactionItem, 0, len(c.lines))
	for _, line := range c.lines {
		product, ok := c.catalog.Get(line.Code)
		if !ok {
			return domain.TransactionRecord{}, fmt.Errorf("%w: product %s was removed", store.ErrNotFound, line.Code)
		}
		if line.Quantity > product.Stock {
			return domain.TransactionRecord{}, fmt.Errorf("%w: %s available %d, in cart %d", store.ErrInsufficientStock, line.Code, product.Stock, line.Quantity)
		}
		deltas = append(deltas, domain.StockDelta{Code: line.Code, Delta: -line.Quantity})
		items = append(items, domain.TransactionItem{
			Code:      line.Code,
			Name:      line.Name,
			Brand:     line.Brand,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	c.catalog.ApplyDeltas(ctx, deltas)
	invoiceID := c.invoices.Next(ctx)

	customer := strings.TrimSpace(payment.CustomerName)
	if customer == "" {
		customer = unknownCustomer
	}
	record := domain.TransactionRecord{
		InvoiceID:       invoiceID,
		Timestamp:       c.now(),
		CustomerName:    customer,
		Items:           items,
		Subtotal:        summary.Subtotal,
		DiscountPercent: summary.DiscountPercent,
		DiscountAmount:  summary.DiscountAmount,
		Total:           summary.Total,
		PaymentMethod:   payment.Method,
		CashTendered:    decimal.Zero,
		ChangeDue:       decimal.Zero,
		Reason:          summary.PromoReason,
	}
	if payment.Method == domain.PaymentCash {
		record.CashTendered = payment.CashTendered
		record.ChangeDue = payment.CashTendered.Sub(summary.Total)
	} else {
		record.ReferenceNumber = strings.TrimSpace(payment.ReferenceNumber)
	}

	c.log.WithFields(logrus.Fields{
		"invoice": invoiceID,
		"lines":   len(items),
		"total":   summary.Total.StringFixed(2),
	}).Info("sale committed")

	c.Clear(ctx)
	return record, nil
}

func validatePayment(payment domain.Payment, total decimal.Decimal) error {
	switch payment.Method {
	case domain.PaymentCash:
		if payment.CashTendered.LessThan(total) {
			return fmt.Errorf("%w: cash %s is less than total %s", store.ErrPaymentInvalid, payment.CashTendered.StringFixed(2), total.StringFixed(2))
		}
	case domain.PaymentGCash, domain.PaymentCard:
		if strings.TrimSpace(payment.ReferenceNumber) == "" {
			return fmt.Errorf("%w: reference number required for %s", store.ErrPaymentInvalid, payment.Method)
		}
	default:
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrPaymentInvalid, payment.Method)
	}
	return nil
}

func (c *Cart) indexOf(code string) int {
	for i, line := range c.lines {
		if line.Code == code {
			return i
		}
	}
	return -1
}

func (c *Cart) save(ctx context.Context) {
	state := domain.CartState{
		Lines:           c.lines,
		DiscountPercent: c.manualDiscount,
		DiscountMode:    c.mode,
	}
	if state.Lines == nil {
		state.Lines = []domain.CartLine{}
	}
	store.Persist(ctx, c.kv, c.log, store.KeyCart, state)
}
