package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsReader  int64
	errorsWriter  int64
	warnsReader   int64
	warnsWriter   int64
	quoteReads    int64
	tradeReads    int64
	decodeErrors  int64
	reconnects    int64
	s3WritesQuote int64
	s3WritesTrade int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsWriter, 1)
	} else if strings.Contains(component, "reader") || strings.Contains(component, "bitvavo") {
		atomic.AddInt64(&warnsReader, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsWriter, 1)
	} else if strings.Contains(component, "reader") || strings.Contains(component, "bitvavo") {
		atomic.AddInt64(&errorsReader, 1)
	}
}

func IncrementQuoteRead(size int) {
	atomic.AddInt64(&quoteReads, 1)
	recordChannel("bbo_ws", size)
}

func IncrementTradeRead(size int) {
	atomic.AddInt64(&tradeReads, 1)
	recordChannel("trade_ws", size)
}

func IncrementDecodeError() {
	atomic.AddInt64(&decodeErrors, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementS3WriteQuote(size int64) {
	atomic.AddInt64(&s3WritesQuote, 1)
	recordChannel("s3_bbo_write", int(size))
}

func IncrementS3WriteTrade(size int64) {
	atomic.AddInt64(&s3WritesTrade, 1)
	recordChannel("s3_trade_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs runtime and feed statistics every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotCounters() Fields {
	return Fields{
		"errors_reader":   atomic.LoadInt64(&errorsReader),
		"errors_writer":   atomic.LoadInt64(&errorsWriter),
		"warns_reader":    atomic.LoadInt64(&warnsReader),
		"warns_writer":    atomic.LoadInt64(&warnsWriter),
		"quote_reads":     atomic.LoadInt64(&quoteReads),
		"trade_reads":     atomic.LoadInt64(&tradeReads),
		"decode_errors":   atomic.LoadInt64(&decodeErrors),
		"reconnects":      atomic.LoadInt64(&reconnects),
		"s3_writes_quote": atomic.LoadInt64(&s3WritesQuote),
		"s3_writes_trade": atomic.LoadInt64(&s3WritesTrade),
	}
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memUsedMB := 0.0
	if memStats != nil {
		memUsedMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesRecv uint64
	if len(netStats) > 0 {
		bytesRecv = netStats[0].BytesRecv
	}

	fields := snapshotCounters()
	fields["goroutines"] = runtime.NumGoroutine()
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memUsedMB)
	fields["net_bytes_recv"] = int64(bytesRecv)
	fields["channels"] = channelData

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	count := func(name string, key string) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		}
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memUsedMB)},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
		count("QuoteReads", "quote_reads"),
		count("TradeReads", "trade_reads"),
		count("DecodeErrors", "decode_errors"),
		count("Reconnects", "reconnects"),
		count("S3WritesQuote", "s3_writes_quote"),
		count("S3WritesTrade", "s3_writes_trade"),
	}
	for name, stats := range channelData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("ChannelMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["messages"])),
		})
	}

	publishMetrics(ctx, data)
}
