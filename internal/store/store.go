package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidQuantity        = errors.New("invalid quantity")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrPaymentInvalid         = errors.New("payment invalid")
	ErrEmptyCart              = errors.New("cart is empty")
	ErrAlreadyVoided          = errors.New("transaction already voided")
	ErrOverRefund             = errors.New("quantity exceeds what was sold")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrInvalidTransaction     = errors.New("invalid transaction")
)

const (
	KeyProducts           = "products"
	KeyTransactionHistory = "transactionHistory"
	KeyInvoiceCounters    = "invoiceCounters"
	KeyCart               = "cart"
)

// KeyValueStore holds string values by key. Implementations may be volatile.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Remove(ctx context.Context, key string) error
}

func SaveJSON(ctx context.Context, kv KeyValueStore, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, string(payload)); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistenceUnavailable, key, err)
	}
	return nil
}

// LoadJSON decodes the value under key into dest. It reports false when the key is absent.
func LoadJSON(ctx context.Context, kv KeyValueStore, key string, dest any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", ErrPersistenceUnavailable, key, err)
	}
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Persist writes a full snapshot and logs a warning instead of failing the caller.
// State stays in memory when the backend rejects the write.
func Persist(ctx context.Context, kv KeyValueStore, logger logrus.FieldLogger, key string, value any) bool {
	if err := SaveJSON(ctx, kv, key, value); err != nil {
		logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err.Error(),
		}).Warn("snapshot not persisted, continuing in memory")
		return false
	}
	return true
}
