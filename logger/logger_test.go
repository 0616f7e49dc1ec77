package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if err := Logger().Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "feed.log")
	if err := Logger().Configure("debug", "text", path, 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func TestJSONOutputFields(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("bitvavo_reader").WithFields(Fields{"market": "BTC-EUR"}).Info("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if line["message"] != "hello" || line["market"] != "BTC-EUR" || line["component"] != "bitvavo_reader" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestWarnAndErrorAreTallied(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	before := snapshotCounters()
	log.WithComponent("bitvavo_reader").Warn("w")
	log.WithComponent("trade_writer").Error("e")
	after := snapshotCounters()

	if after["warns_reader"].(int64) != before["warns_reader"].(int64)+1 {
		t.Fatalf("reader warn not counted: %v -> %v", before, after)
	}
	if after["errors_writer"].(int64) != before["errors_writer"].(int64)+1 {
		t.Fatalf("writer error not counted: %v -> %v", before, after)
	}
}

func TestLogMetricWritesMetricLine(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("trade_writer").LogMetric("trade_writer", "s3_upload_bytes", int64(512), "", Fields{"market": "BTC-EUR"})

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if line["message"] != "metric" || line["metric"] != "s3_upload_bytes" || line["metric_type"] != "counter" {
		t.Fatalf("unexpected metric line: %v", line)
	}
	if line["value"] != float64(512) || line["market"] != "BTC-EUR" {
		t.Fatalf("unexpected metric fields: %v", line)
	}
}
