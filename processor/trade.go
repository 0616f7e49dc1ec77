package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "bitvavoflow/config"
	tradechan "bitvavoflow/internal/channel/trade"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

// recentTradeIDs bounds the per market memory used to drop replayed trades.
const recentTradeIDs = 1024

// TradeProcessor batches public trades per market and drops duplicates
// that reappear after a resubscribe.
type TradeProcessor struct {
	config   *appconfig.Config
	channels *tradechan.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	batches *batcher[models.NormTradeMessage]
	seen    map[string]*idWindow

	markets       map[string]struct{}
	filterMarkets bool
}

func NewTradeProcessor(cfg *appconfig.Config, channels *tradechan.Channels) *TradeProcessor {
	markets := make(map[string]struct{})
	for _, m := range cfg.Source.Bitvavo.TradeMarkets {
		markets[m] = struct{}{}
	}
	return &TradeProcessor{
		config:        cfg,
		channels:      channels,
		wg:            &sync.WaitGroup{},
		log:           logger.GetLogger(),
		batches:       newBatcher[models.NormTradeMessage](cfg.Processor.BatchSize, cfg.Processor.BatchTimeout),
		seen:          make(map[string]*idWindow),
		markets:       markets,
		filterMarkets: len(markets) > 0,
	}
}

func (p *TradeProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("trade processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.log.WithComponent("trade_processor").WithFields(logger.Fields{
		"operation":  "start",
		"batch_size": p.config.Processor.BatchSize,
	}).Info("starting trade processor")

	workers := p.config.Processor.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go runFlusher(ctx, p.wg, p.flushTimedOut)
	return nil
}

func (p *TradeProcessor) Stop() {
	p.mu.Lock()
	p.running = false
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return
	}

	p.wg.Wait()
	flushCtx := context.WithoutCancel(ctx)
	p.drainRaw(flushCtx)
	p.flushAll(flushCtx)
	p.log.WithComponent("trade_processor").Info("trade processor stopped")
}

func (p *TradeProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			p.handleMessage(p.ctx, msg)
		}
	}
}

// drainRaw batches trades the reader queued before shutdown.
func (p *TradeProcessor) drainRaw(ctx context.Context) {
	for {
		select {
		case msg, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			p.handleMessage(ctx, msg)
		default:
			return
		}
	}
}

func (p *TradeProcessor) handleMessage(ctx context.Context, raw models.RawTradeMessage) {
	t := raw.Trade
	if p.filterMarkets {
		if _, ok := p.markets[t.Market]; !ok {
			return
		}
	}
	entry := models.NormTradeMessage{
		Market:       t.Market,
		TradeID:      t.ID,
		Price:        t.Price,
		Amount:       t.Amount,
		Side:         string(t.Side),
		TradeTime:    t.Timestamp,
		ReceivedTime: raw.Timestamp.UnixMilli(),
	}

	p.mu.Lock()
	window, ok := p.seen[t.Market]
	if !ok {
		window = newIDWindow(recentTradeIDs)
		p.seen[t.Market] = window
	}
	if !window.add(t.ID) {
		p.mu.Unlock()
		p.log.WithComponent("trade_processor").WithFields(logger.Fields{"market": t.Market, "trade_id": t.ID}).Debug("duplicate trade dropped")
		return
	}
	full := p.batches.add(raw.Exchange, t.Market, raw.Timestamp, entry)
	p.mu.Unlock()

	if full != nil {
		p.emit(ctx, full)
	}
}

func (p *TradeProcessor) flushTimedOut(now time.Time) {
	p.mu.Lock()
	expired := p.batches.expired(now)
	p.mu.Unlock()
	for _, b := range expired {
		p.emit(p.ctx, b)
	}
}

func (p *TradeProcessor) flushAll(ctx context.Context) {
	p.mu.Lock()
	rest := p.batches.drain()
	p.mu.Unlock()
	for _, b := range rest {
		p.emit(ctx, b)
	}
}

func (p *TradeProcessor) emit(ctx context.Context, b *pendingBatch[models.NormTradeMessage]) {
	msg := models.BatchTradeMessage{
		BatchID:     b.id,
		Exchange:    b.exchange,
		Market:      b.market,
		Entries:     b.entries,
		RecordCount: len(b.entries),
		Timestamp:   b.timestamp,
		ProcessedAt: time.Now().UTC(),
	}
	if !p.channels.SendNorm(ctx, msg) {
		p.log.WithComponent("trade_processor").WithFields(logger.Fields{
			"market":   b.market,
			"batch_id": b.id,
		}).Warn("trade batch not forwarded, dropping batch")
	}
}

// idWindow remembers the last n ids in insertion order.
type idWindow struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newIDWindow(n int) *idWindow {
	return &idWindow{ids: make(map[string]struct{}, n), ring: make([]string, 0, n)}
}

// add records id and reports false when it was already present.
func (w *idWindow) add(id string) bool {
	if _, ok := w.ids[id]; ok {
		return false
	}
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, id)
	} else {
		delete(w.ids, w.ring[w.next])
		w.ring[w.next] = id
		w.next = (w.next + 1) % len(w.ring)
	}
	w.ids[id] = struct{}{}
	return true
}
