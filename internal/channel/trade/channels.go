package trade

import (
	"context"
	"sync"

	"bitvavoflow/internal/metrics"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

type ChannelStats struct {
	RawSent     int64
	NormSent    int64
	RawDropped  int64
	NormDropped int64
}

// Channels carries trades from the reader to the processor (Raw) and batches
// from the processor to the writer (Norm).
type Channels struct {
	Raw  chan models.RawTradeMessage
	Norm chan models.BatchTradeMessage

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:  make(chan models.RawTradeMessage, rawBufferSize),
		Norm: make(chan models.BatchTradeMessage, normBufferSize),
		log:  log,
	}

	log.WithComponent("trade_channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("trades channels initialized")

	return c
}

// Close closes both channels. Only the first call has an effect.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		close(c.Norm)
		c.log.WithComponent("trade_channels").Info("trades channels closed")
	})
}

// SendRaw never blocks; a full buffer drops the message.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawTradeMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Raw <- msg:
		c.update(func(s *ChannelStats) { s.RawSent++ })
		logger.RecordChannelMessage("trade_raw", 1)
		return true
	default:
		c.update(func(s *ChannelStats) { s.RawDropped++ })
		metrics.ChannelDropped.WithLabelValues("trade_raw").Inc()
		return false
	}
}

func (c *Channels) SendNorm(ctx context.Context, msg models.BatchTradeMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Norm <- msg:
		c.update(func(s *ChannelStats) { s.NormSent++ })
		logger.RecordChannelMessage("trade_norm", msg.RecordCount)
		return true
	default:
		c.update(func(s *ChannelStats) { s.NormDropped++ })
		metrics.ChannelDropped.WithLabelValues("trade_norm").Inc()
		return false
	}
}

func (c *Channels) update(fn func(*ChannelStats)) {
	c.statsMutex.Lock()
	fn(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
