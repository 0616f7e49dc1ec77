package trade

import (
	"context"
	"testing"

	"bitvavoflow/models"
)

func TestChannelsStats(t *testing.T) {
	ch := NewChannels(2, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ch.SendRaw(ctx, models.RawTradeMessage{Exchange: "bitvavo", Trade: models.Trade{Market: "BTC-EUR"}})
	}
	ch.SendNorm(ctx, models.BatchTradeMessage{Market: "BTC-EUR", RecordCount: 3})
	ch.SendNorm(ctx, models.BatchTradeMessage{Market: "BTC-EUR", RecordCount: 1})

	stats := ch.GetStats()
	if stats.RawSent != 2 || stats.RawDropped != 1 {
		t.Fatalf("unexpected raw stats: %+v", stats)
	}
	if stats.NormSent != 1 || stats.NormDropped != 1 {
		t.Fatalf("unexpected norm stats: %+v", stats)
	}
}

func TestChannelsClose(t *testing.T) {
	ch := NewChannels(1, 1)
	ch.Close()
	if _, ok := <-ch.Raw; ok {
		t.Fatal("raw channel should be closed")
	}
}
