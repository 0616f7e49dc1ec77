package channel

import (
	"context"
	"testing"
	"time"
)

func TestNewChannels(t *testing.T) {
	c := NewChannels(1, 1)
	if c.BBO == nil || c.Trade == nil {
		t.Fatalf("expected non-nil sub channels")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.startMetricsReporting(ctx, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
	c.Close()
}
