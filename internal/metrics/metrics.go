// Registers:
//
//	#bitvavoflow_frames_total
//	#bitvavoflow_quotes_total / #bitvavoflow_trades_total
//	#bitvavoflow_decode_errors_total{kind}
//	#bitvavoflow_acks_total{action}
//	#bitvavoflow_connected
//	#bitvavoflow_reconnects_total
//	#bitvavoflow_channel_dropped_total{channel}
//	#bitvavoflow_s3_objects_total{kind}
//	#go_* and process_* system metrics
//
// Exposes them on the configured listen address using the Prometheus HTTP handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Frames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitvavoflow_frames_total",
		Help: "Websocket frames received from the exchange",
	})
	Quotes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitvavoflow_quotes_total",
		Help: "Ticker messages decoded into quotes",
	}, []string{"market"})
	Trades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitvavoflow_trades_total",
		Help: "Trade messages decoded",
	}, []string{"market"})
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitvavoflow_decode_errors_total",
		Help: "Frames rejected by the decoder",
	}, []string{"kind"})
	Acks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitvavoflow_acks_total",
		Help: "Subscription acknowledgements received",
	}, []string{"action"})
	Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitvavoflow_connected",
		Help: "1 while the websocket session is established",
	})
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitvavoflow_reconnects_total",
		Help: "Reconnect attempts scheduled by the reader",
	})
	ChannelDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitvavoflow_channel_dropped_total",
		Help: "Messages dropped because a pipeline channel was full",
	}, []string{"channel"})
	S3Objects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitvavoflow_s3_objects_total",
		Help: "Parquet objects uploaded to S3",
	}, []string{"kind"})
)

var registerOnce sync.Once

// Register adds all collectors to reg. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			Frames, Quotes, Trades, DecodeErrors, Acks,
			Connected, Reconnects, ChannelDropped, S3Objects,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Serve registers the collectors on the default registry and serves /metrics
// until ctx is cancelled.
func Serve(ctx context.Context, listen string) error {
	Register(prometheus.DefaultRegisterer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
