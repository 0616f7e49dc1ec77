// Command bbo-printer streams best bid/offer updates for a few markets to
// stdout. It talks to the client directly, without the storage pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitvavoflow/logger"
	"bitvavoflow/models"
	"bitvavoflow/reader/bitvavo"
)

func main() {
	log := logger.GetLogger()

	markets := flag.String("markets", "BTC-EUR,ETH-EUR", "Comma separated markets")
	host := flag.String("host", "ws.bitvavo.com", "Websocket host")
	timeout := flag.Duration("timeout", 10*time.Second, "Connect and subscribe timeout")
	flag.Parse()

	if err := log.Configure("info", "text", "stderr", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	settings := bitvavo.DefaultSettings()
	settings.Host = *host

	client := bitvavo.NewClient(bitvavo.ClientConfig{Settings: settings}, bitvavo.Callbacks{
		OnQuote: printQuote,
		OnError: func(err error) {
			log.WithComponent("bbo_printer").WithError(err).Warn("client error")
		},
		OnConnection: func(connected bool) {
			log.WithComponent("bbo_printer").WithFields(logger.Fields{"connected": connected}).Info("connection changed")
		},
	})
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if ok, err := wait(ctx, client.Connect(ctx), *timeout); !ok {
		log.WithError(err).Error("Failed to connect")
		os.Exit(1)
	}
	if ok, err := wait(ctx, client.SubscribeTicker(strings.Split(*markets, ",")), *timeout); !ok {
		log.WithError(err).Error("Failed to subscribe")
		client.Disconnect()
		os.Exit(1)
	}
	log.Info("subscribed, streaming BBO updates (Ctrl+C to quit)")

	<-ctx.Done()
	client.Disconnect()
}

func wait(ctx context.Context, done *bitvavo.Completion, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return done.Wait(ctx)
}

func printQuote(q models.Quote) {
	fmt.Printf("[BBO] %s bid=%s (%s) ask=%s (%s) last=%s\n",
		q.Market, price(q.BestBid), price(q.BestBidSize), price(q.BestAsk), price(q.BestAskSize), price(q.LastPrice))
}

func price(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
