package promo

import (
	"github.com/shopspring/decimal"

	"evrpos/internal/domain"
)

const (
	ReasonPurchaseOver = "Promo: Purchase over ₱5,000"
	ReasonSingleItem   = "Promo: Single item ₱5,000+"
)

type Decision struct {
	Percent decimal.Decimal
	Reason  string
}

func (d Decision) Qualified() bool {
	return d.Reason != ""
}

type Engine struct {
	subtotalThreshold decimal.Decimal
	itemThreshold     decimal.Decimal
	percent           decimal.Decimal
}

func NewEngine() *Engine {
	return NewEngineWith(decimal.NewFromInt(5000), decimal.NewFromInt(5000), decimal.NewFromInt(5))
}

func NewEngineWith(subtotalThreshold, itemThreshold, percent decimal.Decimal) *Engine {
	if !subtotalThreshold.IsPositive() {
		subtotalThreshold = decimal.NewFromInt(5000)
	}
	if !itemThreshold.IsPositive() {
		itemThreshold = subtotalThreshold
	}
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		percent = decimal.NewFromInt(5)
	}
	return &Engine{subtotalThreshold: subtotalThreshold, itemThreshold: itemThreshold, percent: percent}
}

// Evaluate recommends a discount for lines. The subtotal rule takes precedence over
// the single big-ticket item rule when both hold.
func (e *Engine) Evaluate(lines []domain.CartLine) Decision {
	subtotal := Subtotal(lines)
	if subtotal.GreaterThanOrEqual(e.subtotalThreshold) {
		return Decision{Percent: e.percent, Reason: ReasonPurchaseOver}
	}
	for _, line := range lines {
		if line.Quantity == 1 && line.UnitPrice.GreaterThanOrEqual(e.itemThreshold) {
			return Decision{Percent: e.percent, Reason: ReasonSingleItem}
		}
	}
	return Decision{Percent: decimal.Zero}
}

func Subtotal(lines []domain.CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal())
	}
	return total
}

// DiscountAmount is subtotal*percent/100, kept exact.
func DiscountAmount(subtotal decimal.Decimal, percent decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(percent).Div(decimal.NewFromInt(100))
}
