package writer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bitvavoflow/config"
	"bitvavoflow/internal/metrics"
	"bitvavoflow/internal/symbols"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

// quoteRecord is the parquet schema of a top of book row. Sides the exchange
// did not send are stored as nulls.
type quoteRecord struct {
	Market       string   `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestBid      *float64 `parquet:"name=best_bid, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestBidSize  *float64 `parquet:"name=best_bid_size, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestAsk      *float64 `parquet:"name=best_ask, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestAskSize  *float64 `parquet:"name=best_ask_size, type=DOUBLE, repetitiontype=OPTIONAL"`
	LastPrice    *float64 `parquet:"name=last_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	ReceivedTime int64    `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// QuoteWriter buffers quote batches per market and uploads them to S3 as
// parquet on every flush interval.
type QuoteWriter struct {
	cfg         *appconfig.Config
	normChan    <-chan models.BatchQuoteMessage
	s3Client    objectPutter
	buffer      map[string][]models.NormQuoteMessage
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

func NewQuoteWriter(cfg *appconfig.Config, normChan <-chan models.BatchQuoteMessage) (*QuoteWriter, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &QuoteWriter{
		cfg:      cfg,
		normChan: normChan,
		s3Client: client,
		buffer:   make(map[string][]models.NormQuoteMessage),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}, nil
}

func (w *QuoteWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("quote writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Writer.Buffer.QuoteFlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("quote_writer").WithFields(logger.Fields{
		"s3_enabled":     w.s3Client != nil,
		"flush_interval": w.cfg.Writer.Buffer.QuoteFlushInterval.String(),
	}).Info("quote writer started")
	return nil
}

// Stop waits for the workers and writes whatever is still buffered.
func (w *QuoteWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.drain()
	w.flushBuffers()
	w.log.WithComponent("quote_writer").Info("quote writer stopped")
}

func (w *QuoteWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case batch, ok := <-w.normChan:
			if !ok {
				return
			}
			w.addBatch(batch)
		}
	}
}

// drain picks up batches the processors flushed while shutting down.
func (w *QuoteWriter) drain() {
	for {
		select {
		case batch, ok := <-w.normChan:
			if !ok {
				return
			}
			w.addBatch(batch)
		default:
			return
		}
	}
}

func (w *QuoteWriter) addBatch(batch models.BatchQuoteMessage) {
	key := batch.Exchange + "|" + batch.Market
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], batch.Entries...)
	size := len(w.buffer[key])
	w.mu.Unlock()

	if w.cfg.Writer.Buffer.MaxSize > 0 && size >= w.cfg.Writer.Buffer.MaxSize {
		w.flushKey(key)
	}
}

func (w *QuoteWriter) flushKey(key string) {
	w.mu.Lock()
	entries := w.buffer[key]
	delete(w.buffer, key)
	w.mu.Unlock()
	if len(entries) > 0 {
		w.write(key, entries)
	}
}

func (w *QuoteWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers()
		}
	}
}

func (w *QuoteWriter) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.NormQuoteMessage)
	w.mu.Unlock()

	for key, entries := range buffers {
		if len(entries) > 0 {
			w.write(key, entries)
		}
	}
}

func (w *QuoteWriter) write(key string, entries []models.NormQuoteMessage) {
	log := w.log.WithComponent("quote_writer")
	exchange, market, _ := strings.Cut(key, "|")
	if w.s3Client == nil {
		log.WithFields(logger.Fields{"market": market, "records": len(entries)}).Debug("s3 disabled, discarding quotes")
		return
	}

	start := time.Now()
	data, err := createQuoteParquet(entries)
	if err != nil {
		log.WithError(err).Error("create parquet failed")
		return
	}
	objectKey := s3Key(w.cfg, "bbo", exchange, market, time.UnixMilli(entries[0].ReceivedTime))
	if err := putParquet(w.ctx, w.s3Client, w.cfg.Storage.S3.Bucket, objectKey, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": objectKey}).Error("upload to s3 failed")
		return
	}

	size := int64(len(data))
	duration := time.Since(start)
	log.WithFields(logger.Fields{
		"s3_key":      objectKey,
		"records":     len(entries),
		"bytes":       size,
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}).Info("quote batch uploaded")
	log.LogMetric("quote_writer", "s3_upload_bytes", size, "counter", logger.Fields{"market": market, "channel": "bbo"})
	logger.IncrementS3WriteQuote(size)
	metrics.S3Objects.WithLabelValues("bbo").Inc()
}

func createQuoteParquet(entries []models.NormQuoteMessage) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(quoteRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, e := range entries {
		rec := quoteRecord{
			Market:       e.Market,
			Symbol:       symbols.Compact(e.Market),
			BestBid:      e.BestBid,
			BestBidSize:  e.BestBidSize,
			BestAsk:      e.BestAsk,
			BestAskSize:  e.BestAskSize,
			LastPrice:    e.LastPrice,
			ReceivedTime: e.ReceivedTime,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}
