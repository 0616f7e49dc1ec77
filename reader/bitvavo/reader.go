package bitvavo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	appconfig "bitvavoflow/config"
	bbo "bitvavoflow/internal/channel/bbo"
	trade "bitvavoflow/internal/channel/trade"
	"bitvavoflow/internal/metrics"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

const exchangeName = "bitvavo"

// Bitvavo_Reader keeps a Client connected, subscribes the configured ticker
// and trade markets after every (re)connect and forwards decoded messages into
// the raw pipeline channels.
type Bitvavo_Reader struct {
	config  *appconfig.Config
	quotes  *bbo.Channels
	trades  *trade.Channels
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	client       *Client
	lost         chan struct{}
	newTransport TransportFactory
}

func Bitvavo_NewReader(cfg *appconfig.Config, quotes *bbo.Channels, trades *trade.Channels) *Bitvavo_Reader {
	return &Bitvavo_Reader{
		config: cfg,
		quotes: quotes,
		trades: trades,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		lost:   make(chan struct{}, 1),
	}
}

// Bitvavo_Start builds the client and launches the session supervisor.
func (r *Bitvavo_Reader) Bitvavo_Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("Bitvavo_Reader already running")
	}
	src := r.config.Source.Bitvavo
	policy, err := ParseOverlapPolicy(src.OverlapPolicy)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.client = NewClient(ClientConfig{
		Settings:          ConnectionSettings{Host: src.Host, Port: src.Port, Path: src.Path},
		Overlap:           policy,
		RequestsPerSecond: float64(r.config.Reader.RateLimit.RequestsPerSecond),
		Burst:             r.config.Reader.RateLimit.BurstSize,
		Worker: WorkerOptions{
			LocalIP:          src.LocalIP,
			HandshakeTimeout: r.config.Reader.Timeout,
			PingInterval:     src.PingInterval,
		},
		NewTransport: r.newTransport,
	}, Callbacks{
		OnQuote:      r.onQuote,
		OnTrade:      r.onTrade,
		OnError:      r.onError,
		OnConnection: r.onConnection,
	})
	r.mu.Unlock()

	r.log.WithComponent("bitvavo_reader").WithFields(logger.Fields{
		"operation":      "Bitvavo_Start",
		"host":           src.Host,
		"ticker_markets": src.TickerMarkets,
		"trades_markets": src.TradeMarkets,
		"overlap_policy": policy.String(),
	}).Info("starting bitvavo reader")

	r.wg.Add(1)
	go r.supervise()
	return nil
}

// Bitvavo_Stop disconnects and waits for the supervisor to exit.
func (r *Bitvavo_Reader) Bitvavo_Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.log.WithComponent("bitvavo_reader").Info("stopping bitvavo reader")
	r.wg.Wait()
	r.client.Close()
	r.log.WithComponent("bitvavo_reader").Info("bitvavo reader stopped")
}

// Subscriptions exposes the server side view of the current session.
func (r *Bitvavo_Reader) Subscriptions() map[Channel][]string {
	r.mu.RLock()
	client := r.client
	r.mu.RUnlock()
	if client == nil {
		return nil
	}
	return client.Subscriptions()
}

func (r *Bitvavo_Reader) newBackOff() backoff.BackOff {
	retry := r.config.Reader.Retry
	eb := backoff.NewExponentialBackOff()
	if retry.BaseDelay > 0 {
		eb.InitialInterval = retry.BaseDelay
	}
	if retry.MaxDelay > 0 {
		eb.MaxInterval = retry.MaxDelay
	}
	if retry.BackoffMultiplier > 1 {
		eb.Multiplier = retry.BackoffMultiplier
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	if retry.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(retry.MaxAttempts))
	}
	return eb
}

func (r *Bitvavo_Reader) supervise() {
	defer r.wg.Done()
	log := r.log.WithComponent("bitvavo_reader").WithFields(logger.Fields{"worker": "supervisor"})
	bo := r.newBackOff()

	for {
		established, err := r.session()
		if r.ctx.Err() != nil {
			return
		}
		if established {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			log.WithError(err).Error("giving up on bitvavo connection")
			return
		}
		logger.IncrementReconnect()
		metrics.Reconnects.Inc()
		log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("bitvavo session ended, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// session runs one connection from connect until it drops or the reader
// stops. established reports whether subscriptions were acknowledged.
func (r *Bitvavo_Reader) session() (bool, error) {
	src := r.config.Source.Bitvavo
	timeout := r.config.Reader.Timeout

	select {
	case <-r.lost:
	default:
	}

	ok, err := r.await(r.client.Connect(r.ctx), timeout)
	if err != nil || !ok {
		r.client.Disconnect()
		return false, fmt.Errorf("connect: %w", orFailed(err))
	}

	var pending []*Completion
	if len(src.TickerMarkets) > 0 {
		pending = append(pending, r.client.SubscribeTicker(src.TickerMarkets))
	}
	if len(src.TradeMarkets) > 0 {
		pending = append(pending, r.client.SubscribeTrades(src.TradeMarkets))
	}
	for _, done := range pending {
		ok, err := r.await(done, timeout)
		if err != nil || !ok {
			r.client.Disconnect()
			return false, fmt.Errorf("subscribe: %w", orFailed(err))
		}
	}

	r.log.WithComponent("bitvavo_reader").WithFields(logger.Fields{
		"subscriptions": r.Subscriptions(),
	}).Info("bitvavo subscriptions active")

	for {
		select {
		case <-r.ctx.Done():
			r.client.Disconnect()
			return true, r.ctx.Err()
		case <-r.lost:
			// A late notification from an earlier session leaves the client connected.
			if r.client.State() != StateConnected {
				return true, ErrConnectionDropped
			}
		}
	}
}

func (r *Bitvavo_Reader) await(done *Completion, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()
	return done.Wait(ctx)
}

func orFailed(err error) error {
	if err != nil {
		return err
	}
	return errors.New("not acknowledged")
}

func (r *Bitvavo_Reader) onQuote(q models.Quote) {
	msg := models.RawQuoteMessage{Exchange: exchangeName, Quote: q, Timestamp: time.Now().UTC()}
	if !r.quotes.SendRaw(r.ctx, msg) {
		r.log.WithComponent("bitvavo_reader").WithFields(logger.Fields{"market": q.Market}).Warn("quote channel full, dropping message")
		return
	}
	logger.IncrementQuoteRead(0)
}

func (r *Bitvavo_Reader) onTrade(t models.Trade) {
	msg := models.RawTradeMessage{Exchange: exchangeName, Trade: t, Timestamp: time.Now().UTC()}
	if !r.trades.SendRaw(r.ctx, msg) {
		r.log.WithComponent("bitvavo_reader").WithFields(logger.Fields{"market": t.Market}).Warn("trade channel full, dropping message")
		return
	}
	logger.IncrementTradeRead(0)
}

func (r *Bitvavo_Reader) onError(err error) {
	r.log.WithComponent("bitvavo_reader").WithError(err).Warn("bitvavo client error")
}

func (r *Bitvavo_Reader) onConnection(connected bool) {
	r.log.WithComponent("bitvavo_reader").WithFields(logger.Fields{"connected": connected}).Info("bitvavo connection changed")
	if connected {
		return
	}
	select {
	case r.lost <- struct{}{}:
	default:
	}
}
