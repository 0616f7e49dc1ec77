package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "bitvavoflow/config"
	bbochan "bitvavoflow/internal/channel/bbo"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

// QuoteProcessor normalizes ticker quotes and batches them per market
// before forwarding to the writer.
type QuoteProcessor struct {
	config   *appconfig.Config
	channels *bbochan.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	batches *batcher[models.NormQuoteMessage]

	markets       map[string]struct{}
	filterMarkets bool
}

func NewQuoteProcessor(cfg *appconfig.Config, channels *bbochan.Channels) *QuoteProcessor {
	markets := make(map[string]struct{})
	for _, m := range cfg.Source.Bitvavo.TickerMarkets {
		markets[m] = struct{}{}
	}
	return &QuoteProcessor{
		config:        cfg,
		channels:      channels,
		wg:            &sync.WaitGroup{},
		log:           logger.GetLogger(),
		batches:       newBatcher[models.NormQuoteMessage](cfg.Processor.BatchSize, cfg.Processor.BatchTimeout),
		markets:       markets,
		filterMarkets: len(markets) > 0,
	}
}

func (p *QuoteProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("quote processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("quote_processor").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting quote processor")

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

	p.wg.Add(1)
	go p.metricsReporter(ctx)

	log.Info("quote processor started successfully")
	return nil
}

// Stop waits for the workers, batches quotes still queued on the raw channel
// and flushes every open batch.
func (p *QuoteProcessor) Stop() {
	p.mu.Lock()
	p.running = false
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return
	}

	p.log.WithComponent("quote_processor").Info("stopping quote processor")
	p.wg.Wait()
	flushCtx := context.WithoutCancel(ctx)
	p.drainRaw(flushCtx)
	p.flushAll(flushCtx)
	p.log.WithComponent("quote_processor").Info("quote processor stopped")
}

func (p *QuoteProcessor) worker() {
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

func (p *QuoteProcessor) drainRaw(ctx context.Context) {
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

func (p *QuoteProcessor) handleMessage(ctx context.Context, raw models.RawQuoteMessage) {
	q := raw.Quote
	if p.filterMarkets {
		if _, ok := p.markets[q.Market]; !ok {
			return
		}
	}
	if q.BestBid == nil && q.BestAsk == nil && q.LastPrice == nil {
		return
	}
	entry := models.NormQuoteMessage{
		Market:       q.Market,
		BestBid:      q.BestBid,
		BestBidSize:  q.BestBidSize,
		BestAsk:      q.BestAsk,
		BestAskSize:  q.BestAskSize,
		LastPrice:    q.LastPrice,
		ReceivedTime: raw.Timestamp.UnixMilli(),
	}

	p.mu.Lock()
	full := p.batches.add(raw.Exchange, q.Market, raw.Timestamp, entry)
	p.mu.Unlock()
	if full != nil {
		p.emit(ctx, full)
	}
}

func (p *QuoteProcessor) flushTimedOut(now time.Time) {
	p.mu.Lock()
	expired := p.batches.expired(now)
	p.mu.Unlock()
	for _, b := range expired {
		p.emit(p.ctx, b)
	}
}

func (p *QuoteProcessor) flushAll(ctx context.Context) {
	p.mu.Lock()
	rest := p.batches.drain()
	p.mu.Unlock()
	for _, b := range rest {
		p.emit(ctx, b)
	}
}

func (p *QuoteProcessor) emit(ctx context.Context, b *pendingBatch[models.NormQuoteMessage]) {
	msg := models.BatchQuoteMessage{
		BatchID:     b.id,
		Exchange:    b.exchange,
		Market:      b.market,
		Entries:     b.entries,
		RecordCount: len(b.entries),
		Timestamp:   b.timestamp,
		ProcessedAt: time.Now().UTC(),
	}
	if !p.channels.SendNorm(ctx, msg) {
		p.log.WithComponent("quote_processor").WithFields(logger.Fields{
			"market":   b.market,
			"batch_id": b.id,
			"records":  len(b.entries),
		}).Warn("quote batch not forwarded, dropping batch")
	}
}

func (p *QuoteProcessor) metricsReporter(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			running := p.running
			p.mu.RUnlock()
			if !running {
				return
			}
			p.log.WithComponent("quote_processor").WithFields(logger.Fields{
				"raw_channel_len":  len(p.channels.Raw),
				"raw_channel_cap":  cap(p.channels.Raw),
				"norm_channel_len": len(p.channels.Norm),
				"norm_channel_cap": cap(p.channels.Norm),
			}).Info("quote processor channel sizes")
		}
	}
}

// runFlusher calls flush every second until ctx ends.
func runFlusher(ctx context.Context, wg *sync.WaitGroup, flush func(time.Time)) {
	defer wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			flush(now)
		}
	}
}
