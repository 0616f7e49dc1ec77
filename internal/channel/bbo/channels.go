package bbo

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

// Channels carries quotes from the reader to the processor (Raw) and batches
// from the processor to the writer (Norm).
type Channels struct {
	Raw  chan models.RawQuoteMessage
	Norm chan models.BatchQuoteMessage

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:  make(chan models.RawQuoteMessage, rawBufferSize),
		Norm: make(chan models.BatchQuoteMessage, normBufferSize),
		log:  log,
	}

	log.WithComponent("bbo_channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("quotes channels initialized")

	return c
}

// Close closes both channels. Only the first call has an effect.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		close(c.Norm)
		c.log.WithComponent("bbo_channels").Info("quotes channels closed")
	})
}

// SendRaw never blocks; a full buffer drops the message.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawQuoteMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Raw <- msg:
		c.update(func(s *ChannelStats) { s.RawSent++ })
		logger.RecordChannelMessage("bbo_raw", 1)
		return true
	default:
		c.update(func(s *ChannelStats) { s.RawDropped++ })
		metrics.ChannelDropped.WithLabelValues("bbo_raw").Inc()
		return false
	}
}

func (c *Channels) SendNorm(ctx context.Context, msg models.BatchQuoteMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Norm <- msg:
		c.update(func(s *ChannelStats) { s.NormSent++ })
		logger.RecordChannelMessage("bbo_norm", msg.RecordCount)
		return true
	default:
		c.update(func(s *ChannelStats) { s.NormDropped++ })
		metrics.ChannelDropped.WithLabelValues("bbo_norm").Inc()
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
