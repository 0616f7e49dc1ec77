package writer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "bitvavoflow/config"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

type fakePutter struct {
	mu      sync.Mutex
	keys    []string
	bodies  [][]byte
	buckets []string
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	f.buckets = append(f.buckets, *in.Bucket)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) uploaded() ([]string, [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...), append([][]byte(nil), f.bodies...)
}

func writerConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Storage.S3 = appconfig.S3Config{Enabled: true, Bucket: "bitvavo-data", Region: "eu-west-1"}
	cfg.Writer.Buffer = appconfig.BufferConfig{QuoteFlushInterval: time.Hour, TradeFlushInterval: time.Hour}
	cfg.Writer.Partitioning = appconfig.PartitioningConfig{
		TimeFormat:     "year={year}/month={month}/day={day}/hour={hour}",
		AdditionalKeys: []string{"exchange", "market"},
	}
	return cfg
}

func isParquet(b []byte) bool {
	return len(b) > 8 && bytes.HasPrefix(b, []byte("PAR1")) && bytes.HasSuffix(b, []byte("PAR1"))
}

func TestS3Key(t *testing.T) {
	cfg := writerConfig()
	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	key := s3Key(cfg, "trade", "bitvavo", "BTC-EUR", ts)
	want := "exchange=bitvavo/market=BTC-EUR/year=2023/month=11/day=14/hour=22/trade_bitvavo_BTC-EUR_1700000000000000000.parquet"
	if key != want {
		t.Fatalf("got %s\nwant %s", key, want)
	}

	cfg.Writer.Partitioning.AdditionalKeys = []string{"kind"}
	cfg.Writer.Partitioning.TimeFormat = ""
	if key := s3Key(cfg, "bbo", "bitvavo", "ETH-EUR", ts); key != "kind=bbo/bbo_bitvavo_ETH-EUR_1700000000000000000.parquet" {
		t.Fatalf("unexpected key %s", key)
	}
}

func TestCreateQuoteParquet(t *testing.T) {
	bid := 50000.0
	data, err := createQuoteParquet([]models.NormQuoteMessage{
		{Market: "BTC-EUR", BestBid: &bid, ReceivedTime: 1700000000000},
		{Market: "BTC-EUR", ReceivedTime: 1700000000001},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !isParquet(data) {
		t.Fatal("output is not a parquet file")
	}
}

func TestQuoteWriterUploadsOnStop(t *testing.T) {
	normCh := make(chan models.BatchQuoteMessage, 1)
	putter := &fakePutter{}
	w, err := NewQuoteWriter(&appconfig.Config{}, normCh)
	if err != nil {
		t.Fatal(err)
	}
	w.cfg = writerConfig()
	w.s3Client = putter

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}

	ask := 50001.0
	normCh <- models.BatchQuoteMessage{
		Exchange:    "bitvavo",
		Market:      "BTC-EUR",
		Entries:     []models.NormQuoteMessage{{Market: "BTC-EUR", BestAsk: &ask, ReceivedTime: 1700000000000}},
		RecordCount: 1,
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(normCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	cancel()
	w.Stop()

	keys, bodies := putter.uploaded()
	if len(keys) != 1 {
		t.Fatalf("expected one upload, got %v", keys)
	}
	if !strings.HasPrefix(keys[0], "exchange=bitvavo/market=BTC-EUR/year=2023/month=11/day=14/hour=22/bbo_") {
		t.Fatalf("unexpected key %s", keys[0])
	}
	if !isParquet(bodies[0]) {
		t.Fatal("uploaded body is not parquet")
	}
}

func TestTradeWriterFlushesAtMaxSize(t *testing.T) {
	normCh := make(chan models.BatchTradeMessage, 1)
	putter := &fakePutter{}
	cfg := writerConfig()
	cfg.Writer.Buffer.MaxSize = 2
	w := &TradeWriter{
		cfg:      cfg,
		normChan: normCh,
		s3Client: putter,
		buffer:   make(map[string][]models.NormTradeMessage),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	normCh <- models.BatchTradeMessage{
		Exchange: "bitvavo",
		Market:   "BTC-EUR",
		Entries: []models.NormTradeMessage{
			{Market: "BTC-EUR", TradeID: "t1", Price: 50000.5, Amount: 0.01, Side: "buy", TradeTime: 1700000000000},
			{Market: "BTC-EUR", TradeID: "t2", Price: 50001, Amount: 0.5, Side: "sell", TradeTime: 1700000000100},
		},
		RecordCount: 2,
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if keys, _ := putter.uploaded(); len(keys) == 1 {
			if !strings.Contains(keys[0], "/trade_bitvavo_BTC-EUR_") {
				t.Fatalf("unexpected key %s", keys[0])
			}
			cancel()
			w.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("batch at max size was not uploaded")
}

func TestWriterWithoutS3Discards(t *testing.T) {
	normCh := make(chan models.BatchTradeMessage)
	w, err := NewTradeWriter(&appconfig.Config{Writer: appconfig.WriterConfig{Buffer: appconfig.BufferConfig{TradeFlushInterval: time.Hour}}}, normCh)
	if err != nil {
		t.Fatal(err)
	}
	if w.s3Client != nil {
		t.Fatal("disabled storage should not build a client")
	}
	w.write("bitvavo|BTC-EUR", []models.NormTradeMessage{{Market: "BTC-EUR"}})
}

func TestTradeWriterDrainsQueuedBatchesOnStop(t *testing.T) {
	normCh := make(chan models.BatchTradeMessage, 2)
	putter := &fakePutter{}
	w, err := NewTradeWriter(&appconfig.Config{}, normCh)
	if err != nil {
		t.Fatal(err)
	}
	w.cfg = writerConfig()
	w.s3Client = putter

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)

	normCh <- models.BatchTradeMessage{
		Exchange: "bitvavo",
		Market:   "ETH-EUR",
		Entries:  []models.NormTradeMessage{{Market: "ETH-EUR", TradeID: "t9", Price: 2000, Amount: 1, Side: "buy", TradeTime: 1700000000000}},
	}
	w.Stop()

	keys, _ := putter.uploaded()
	if len(keys) != 1 || !strings.Contains(keys[0], "market=ETH-EUR/") {
		t.Fatalf("expected the queued batch to be uploaded, got %v", keys)
	}
}
