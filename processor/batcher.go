package processor

import (
	"time"

	"github.com/google/uuid"
)

// pendingBatch accumulates rows of one exchange and market.
type pendingBatch[E any] struct {
	id        string
	exchange  string
	market    string
	entries   []E
	timestamp time.Time
	opened    time.Time
}

// batcher groups rows per key and hands out batches that are full or have
// been open longer than timeout. Callers serialize access.
type batcher[E any] struct {
	size    int
	timeout time.Duration
	batches map[string]*pendingBatch[E]
}

func newBatcher[E any](size int, timeout time.Duration) *batcher[E] {
	if size < 1 {
		size = 1
	}
	return &batcher[E]{size: size, timeout: timeout, batches: make(map[string]*pendingBatch[E])}
}

// add appends entry and returns the batch when it reached the size limit.
func (b *batcher[E]) add(exchange, market string, ts time.Time, entry E) *pendingBatch[E] {
	key := exchange + "_" + market
	batch, ok := b.batches[key]
	if !ok {
		batch = &pendingBatch[E]{
			id:        uuid.New().String(),
			exchange:  exchange,
			market:    market,
			entries:   make([]E, 0, b.size),
			timestamp: ts,
			opened:    time.Now(),
		}
		b.batches[key] = batch
	}
	batch.entries = append(batch.entries, entry)
	if ts.After(batch.timestamp) {
		batch.timestamp = ts
	}
	if len(batch.entries) >= b.size {
		delete(b.batches, key)
		return batch
	}
	return nil
}

func (b *batcher[E]) expired(now time.Time) []*pendingBatch[E] {
	var out []*pendingBatch[E]
	for key, batch := range b.batches {
		if now.Sub(batch.opened) >= b.timeout {
			out = append(out, batch)
			delete(b.batches, key)
		}
	}
	return out
}

func (b *batcher[E]) drain() []*pendingBatch[E] {
	out := make([]*pendingBatch[E], 0, len(b.batches))
	for key, batch := range b.batches {
		out = append(out, batch)
		delete(b.batches, key)
	}
	return out
}
