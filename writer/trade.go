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

type tradeRecord struct {
	Market       string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID      string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Amount       float64 `parquet:"name=amount, type=DOUBLE"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeTime    int64   `parquet:"name=trade_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ReceivedTime int64   `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// TradeWriter uploads trade batches to S3 in parquet format, one object per
// market and flush.
type TradeWriter struct {
	cfg         *appconfig.Config
	normChan    <-chan models.BatchTradeMessage
	s3Client    objectPutter
	buffer      map[string][]models.NormTradeMessage
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

func NewTradeWriter(cfg *appconfig.Config, normChan <-chan models.BatchTradeMessage) (*TradeWriter, error) {
	client, err := newS3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &TradeWriter{
		cfg:      cfg,
		normChan: normChan,
		s3Client: client,
		buffer:   make(map[string][]models.NormTradeMessage),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}, nil
}

func (w *TradeWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("trade writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Writer.Buffer.TradeFlushInterval)
	w.mu.Unlock()

	w.wg.Add(2)
	go w.worker()
	go w.flushLoop()

	w.log.WithComponent("trade_writer").Info("trade writer started")
	return nil
}

func (w *TradeWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.flushTicker.Stop()
	w.wg.Wait()
	w.drain()
	w.flushBuffers()
	w.log.WithComponent("trade_writer").Info("trade writer stopped")
}

func (w *TradeWriter) worker() {
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

func (w *TradeWriter) drain() {
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

func (w *TradeWriter) addBatch(batch models.BatchTradeMessage) {
	key := batch.Exchange + "|" + batch.Market
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], batch.Entries...)
	size := len(w.buffer[key])
	w.mu.Unlock()
	if w.cfg.Writer.Buffer.MaxSize > 0 && size >= w.cfg.Writer.Buffer.MaxSize {
		w.flushKey(key)
	}
}

func (w *TradeWriter) flushKey(key string) {
	w.mu.Lock()
	entries := w.buffer[key]
	delete(w.buffer, key)
	w.mu.Unlock()
	if len(entries) > 0 {
		w.write(key, entries)
	}
}

func (w *TradeWriter) flushLoop() {
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

func (w *TradeWriter) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.NormTradeMessage)
	w.mu.Unlock()

	for key, entries := range buffers {
		if len(entries) > 0 {
			w.write(key, entries)
		}
	}
}

func (w *TradeWriter) write(key string, entries []models.NormTradeMessage) {
	log := w.log.WithComponent("trade_writer")
	exchange, market, _ := strings.Cut(key, "|")
	if w.s3Client == nil {
		log.WithFields(logger.Fields{"market": market, "records": len(entries)}).Debug("s3 disabled, discarding trades")
		return
	}

	data, err := createTradeParquet(entries)
	if err != nil {
		log.WithError(err).Error("create parquet failed")
		return
	}
	objectKey := s3Key(w.cfg, "trade", exchange, market, time.UnixMilli(entries[0].TradeTime))
	if err := putParquet(w.ctx, w.s3Client, w.cfg.Storage.S3.Bucket, objectKey, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"s3_key": objectKey}).Error("upload to s3 failed")
		return
	}

	log.WithFields(logger.Fields{"s3_key": objectKey, "records": len(entries), "bytes": len(data)}).Info("trade batch uploaded")
	log.LogMetric("trade_writer", "s3_upload_bytes", int64(len(data)), "counter", logger.Fields{"market": market, "channel": "trade"})
	logger.IncrementS3WriteTrade(int64(len(data)))
	metrics.S3Objects.WithLabelValues("trade").Inc()
}

func createTradeParquet(entries []models.NormTradeMessage) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(tradeRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, e := range entries {
		if err := pw.Write(tradeRecord{
			Market:       e.Market,
			Symbol:       symbols.Compact(e.Market),
			TradeID:      e.TradeID,
			Price:        e.Price,
			Amount:       e.Amount,
			Side:         e.Side,
			TradeTime:    e.TradeTime,
			ReceivedTime: e.ReceivedTime,
		}); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}
