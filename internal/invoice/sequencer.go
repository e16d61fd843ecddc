package invoice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"evrpos/internal/store"
)

const (
	DefaultPrefix = "EVR"
	dateKeyLayout = "20060102"
)

// Sequencer hands out PREFIX-YYYYMMDD-NNNN identifiers with one counter per calendar day.
// Numbers are never returned to the pool.
type Sequencer struct {
	kv       store.KeyValueStore
	log      logrus.FieldLogger
	prefix   string
	now      func() time.Time
	counters map[string]int
}

func NewSequencer(kv store.KeyValueStore, logger logrus.FieldLogger, prefix string, now func() time.Time) *Sequencer {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &Sequencer{
		kv:       kv,
		log:      logger.WithField("component", "invoice"),
		prefix:   prefix,
		now:      now,
		counters: make(map[string]int),
	}
}

func (s *Sequencer) Load(ctx context.Context) error {
	counters := make(map[string]int)
	if _, err := store.LoadJSON(ctx, s.kv, store.KeyInvoiceCounters, &counters); err != nil {
		s.log.WithError(err).Warn("invoice counters unreadable, keeping in-memory counters")
		return err
	}
	if counters == nil {
		counters = make(map[string]int)
	}
	// A stale read must never move a counter backwards.
	for key, last := range s.counters {
		if counters[key] < last {
			counters[key] = last
		}
	}
	s.counters = counters
	return nil
}

func (s *Sequencer) Next(ctx context.Context) string {
	key := s.now().Format(dateKeyLayout)
	seq := s.counters[key] + 1
	s.counters[key] = seq
	store.Persist(ctx, s.kv, s.log, store.KeyInvoiceCounters, s.counters)
	return Format(s.prefix, key, seq)
}

// Last reports the most recent sequence used for a date key, zero if none.
func (s *Sequencer) Last(dateKey string) int {
	return s.counters[dateKey]
}

func Format(prefix string, dateKey string, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, dateKey, seq)
}
