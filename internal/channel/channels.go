package channel

import (
	"context"
	"time"

	"bitvavoflow/internal/channel/bbo"
	"bitvavoflow/internal/channel/trade"
	"bitvavoflow/logger"
)

// Channels groups the pipelines of every stream the service records.
type Channels struct {
	BBO   *bbo.Channels
	Trade *trade.Channels
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	return &Channels{
		BBO:   bbo.NewChannels(rawBufferSize, normBufferSize),
		Trade: trade.NewChannels(rawBufferSize, normBufferSize),
	}
}

func (c *Channels) Close() {
	if c.BBO != nil {
		c.BBO.Close()
	}
	if c.Trade != nil {
		c.Trade.Close()
	}
}

// StartMetricsReporting logs buffer usage and drop counts every 30 seconds
// until ctx ends.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.startMetricsReporting(ctx, 30*time.Second)
}

func (c *Channels) startMetricsReporting(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.report()
			}
		}
	}()
}

func (c *Channels) report() {
	bboStats := c.BBO.GetStats()
	tradeStats := c.Trade.GetStats()
	logger.GetLogger().WithComponent("channels").WithFields(logger.Fields{
		"bbo_raw_len":        len(c.BBO.Raw),
		"bbo_norm_len":       len(c.BBO.Norm),
		"bbo_raw_dropped":    bboStats.RawDropped,
		"bbo_norm_dropped":   bboStats.NormDropped,
		"trade_raw_len":      len(c.Trade.Raw),
		"trade_norm_len":     len(c.Trade.Norm),
		"trade_raw_dropped":  tradeStats.RawDropped,
		"trade_norm_dropped": tradeStats.NormDropped,
	}).Info("channel usage")
}
