package correction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"evrpos/internal/domain"
	"evrpos/internal/xid"
)

var (
	ErrWrongSecret   = errors.New("admin secret does not match")
	ErrNothingStaged = errors.New("no correction is staged")
	ErrStaleTicket   = errors.New("staged correction has changed")
)

type Ledger interface {
	ApplyRefund(ctx context.Context, invoiceID string, lines []domain.RefundLine, reason string) (domain.TransactionRecord, error)
	ApplyVoid(ctx context.Context, invoiceID string) (domain.TransactionRecord, error)
	ApplyEdit(ctx context.Context, invoiceID string, edits []domain.LineEdit, reason string) (domain.TransactionRecord, error)
	DeleteAll(ctx context.Context) int
	Delete(ctx context.Context, index int) (domain.TransactionRecord, error)
}

type SecretVerifier interface {
	Verify(secret string) bool
}

// SecretFunc adapts a plain function to SecretVerifier.
type SecretFunc func(secret string) bool

func (f SecretFunc) Verify(secret string) bool {
	return f(secret)
}

// Workflow holds at most one staged administrative correction. Confirming with
// the right secret applies it once and returns to idle; a wrong secret leaves it
// staged. Staging again replaces whatever was pending.
type Workflow struct {
	ledger  Ledger
	secrets SecretVerifier
	log     logrus.FieldLogger
	now     func() time.Time
	pending *domain.PendingCorrection
}

func NewWorkflow(ledger Ledger, secrets SecretVerifier, logger logrus.FieldLogger, now func() time.Time) *Workflow {
	if now == nil {
		now = time.Now
	}
	return &Workflow{
		ledger:  ledger,
		secrets: secrets,
		log:     logger.WithField("component", "correction"),
		now:     now,
	}
}

func (w *Workflow) State() domain.CorrectionState {
	if w.pending == nil {
		return domain.CorrectionIdle
	}
	return domain.CorrectionStaged
}

func (w *Workflow) Pending() (domain.PendingCorrection, bool) {
	if w.pending == nil {
		return domain.PendingCorrection{}, false
	}
	return *w.pending, true
}

func (w *Workflow) Stage(c domain.PendingCorrection) (domain.PendingCorrection, error) {
	switch c.Action {
	case domain.CorrectionRefund, domain.CorrectionEdit, domain.CorrectionVoid, domain.CorrectionClearAll, domain.CorrectionDeleteEntry:
	default:
		return domain.PendingCorrection{}, fmt.Errorf("unknown correction action %q", c.Action)
	}
	if w.pending != nil {
		w.log.WithFields(logrus.Fields{"replaced": w.pending.ID, "action": w.pending.Action}).Info("staged correction replaced")
	}
	c.ID = xid.New("corr")
	c.StagedAt = w.now().UTC()
	c.RefundLines = append([]domain.RefundLine(nil), c.RefundLines...)
	c.Edits = append([]domain.LineEdit(nil), c.Edits...)
	w.pending = &c

	w.log.WithFields(logrus.Fields{"id": c.ID, "action": c.Action, "invoice": c.InvoiceID}).Info("correction staged")
	return c, nil
}

// Confirm applies the staged correction when secret matches. An empty id confirms
// whatever is staged. The correction is consumed even if applying it fails.
func (w *Workflow) Confirm(ctx context.Context, id string, secret string) (domain.CorrectionResult, error) {
	if w.pending == nil {
		return domain.CorrectionResult{}, ErrNothingStaged
	}
	if id != "" && id != w.pending.ID {
		return domain.CorrectionResult{}, ErrStaleTicket
	}
	if w.secrets == nil || !w.secrets.Verify(secret) {
		w.log.WithField("action", w.pending.Action).Warn("correction confirmation rejected")
		return domain.CorrectionResult{}, ErrWrongSecret
	}

	staged := *w.pending
	w.pending = nil

	result, err := w.apply(ctx, staged)
	entry := w.log.WithFields(logrus.Fields{"id": staged.ID, "action": staged.Action, "invoice": staged.InvoiceID})
	if err != nil {
		entry.WithError(err).Warn("confirmed correction failed")
		return result, err
	}
	entry.Info("correction applied")
	return result, nil
}

// Cancel drops the staged correction without side effects and reports whether one existed.
func (w *Workflow) Cancel() bool {
	if w.pending == nil {
		return false
	}
	w.log.WithFields(logrus.Fields{"id": w.pending.ID, "action": w.pending.Action}).Info("correction cancelled")
	w.pending = nil
	return true
}

func (w *Workflow) apply(ctx context.Context, c domain.PendingCorrection) (domain.CorrectionResult, error) {
	result := domain.CorrectionResult{Action: c.Action}
	switch c.Action {
	case domain.CorrectionRefund:
		refund, err := w.ledger.ApplyRefund(ctx, c.InvoiceID, c.RefundLines, c.Reason)
		if err != nil {
			return result, err
		}
		result.Refund = &refund
	case domain.CorrectionEdit:
		record, err := w.ledger.ApplyEdit(ctx, c.InvoiceID, c.Edits, c.Reason)
		if err != nil {
			return result, err
		}
		result.Record = &record
	case domain.CorrectionVoid:
		record, err := w.ledger.ApplyVoid(ctx, c.InvoiceID)
		if err != nil {
			return result, err
		}
		result.Record = &record
	case domain.CorrectionClearAll:
		result.Removed = w.ledger.DeleteAll(ctx)
	case domain.CorrectionDeleteEntry:
		record, err := w.ledger.Delete(ctx, c.Index)
		if err != nil {
			return result, err
		}
		result.Record = &record
		result.Removed = 1
	}
	return result, nil
}
