package bitvavo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"bitvavoflow/internal/metrics"
	"bitvavoflow/logger"
	"bitvavoflow/models"
)

const (
	eventTicker       = "ticker"
	eventTrade        = "trade"
	eventSubscribed   = "subscribed"
	eventUnsubscribed = "unsubscribed"
)

// dispatch decodes one inbound frame and routes it. Frames that are valid
// objects without a known event are ignored.
func (c *Client) dispatch(frame []byte) {
	metrics.Frames.Inc()

	obj, err := parseObject(frame)
	if err != nil {
		c.decodeFailed("parse", err)
		return
	}

	name, ok := stringField(obj, "event")
	if !ok {
		c.log.WithComponent("bitvavo_client").WithFields(logger.Fields{"payload": truncatePayload(frame)}).Debug("frame without event ignored")
		return
	}

	switch name {
	case eventTicker:
		q, err := decodeQuote(obj, frame)
		if err != nil {
			c.decodeFailed("validation", err)
			return
		}
		metrics.Quotes.WithLabelValues(q.Market).Inc()
		if c.cb.OnQuote != nil {
			c.cb.OnQuote(q)
		}
	case eventTrade:
		t, err := decodeTrade(obj, frame)
		if err != nil {
			c.decodeFailed("validation", err)
			return
		}
		metrics.Trades.WithLabelValues(t.Market).Inc()
		if c.cb.OnTrade != nil {
			c.cb.OnTrade(t)
		}
	case eventSubscribed:
		subs, has := decodeSubscriptions(obj)
		c.handleAck(ActionSubscribe, subs, has)
	case eventUnsubscribed:
		subs, has := decodeSubscriptions(obj)
		c.handleAck(ActionUnsubscribe, subs, has)
	default:
		c.log.WithComponent("bitvavo_client").WithFields(logger.Fields{"event": name}).Debug("unhandled event")
	}
}

func (c *Client) decodeFailed(kind string, err error) {
	metrics.DecodeErrors.WithLabelValues(kind).Inc()
	logger.IncrementDecodeError()
	c.log.WithComponent("bitvavo_client").WithError(err).Debug("frame rejected")
	c.reportError(err)
}

func parseObject(frame []byte) (map[string]json.RawMessage, error) {
	if !json.Valid(frame) {
		return nil, &ParseError{Payload: truncatePayload(frame), Err: ErrInvalidJSON}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil || obj == nil {
		return nil, &ParseError{Payload: truncatePayload(frame), Err: ErrNotObject}
	}
	return obj, nil
}

// stringField returns obj[name] when it is a json string.
func stringField(obj map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := obj[name]
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// intField returns obj[name] when it is a json number that fits an int64.
func intField(obj map[string]json.RawMessage, name string) (int64, bool) {
	raw, ok := obj[name]
	if !ok || len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	v, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseDecimal(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("not a finite number")
	}
	return v, nil
}

// decodeQuote builds a Quote from a ticker event. Only market is required;
// price fields that are absent or not strings stay nil.
func decodeQuote(obj map[string]json.RawMessage, frame []byte) (models.Quote, error) {
	market, ok := stringField(obj, "market")
	if !ok || market == "" {
		return models.Quote{}, &ValidationError{Event: eventTicker, Field: "market", Reason: "missing or not a string", Payload: truncatePayload(frame)}
	}

	q := models.Quote{Market: market}
	fields := []struct {
		name string
		dst  **float64
	}{
		{"bestBid", &q.BestBid},
		{"bestBidSize", &q.BestBidSize},
		{"bestAsk", &q.BestAsk},
		{"bestAskSize", &q.BestAskSize},
		{"lastPrice", &q.LastPrice},
	}
	for _, f := range fields {
		s, ok := stringField(obj, f.name)
		if !ok {
			continue
		}
		v, err := parseDecimal(s)
		if err != nil {
			return models.Quote{}, &ValidationError{Event: eventTicker, Field: f.name, Reason: fmt.Sprintf("value %q is not a decimal", s), Payload: truncatePayload(frame), Err: err}
		}
		*f.dst = &v
	}
	return q, nil
}

// decodeTrade builds a Trade from a trade event. Every field is required and,
// as for tickers, the market must not be empty.
func decodeTrade(obj map[string]json.RawMessage, frame []byte) (models.Trade, error) {
	invalid := func(field, reason string, err error) error {
		return &ValidationError{Event: eventTrade, Field: field, Reason: reason, Payload: truncatePayload(frame), Err: err}
	}

	strs := make(map[string]string, 5)
	for _, name := range []string{"market", "id", "price", "amount", "side"} {
		s, ok := stringField(obj, name)
		if !ok {
			return models.Trade{}, invalid(name, "missing or not a string", nil)
		}
		strs[name] = s
	}
	if strs["market"] == "" {
		return models.Trade{}, invalid("market", "empty", nil)
	}
	ts, ok := intField(obj, "timestamp")
	if !ok {
		return models.Trade{}, invalid("timestamp", "missing or not an integer", nil)
	}

	price, err := parseDecimal(strs["price"])
	if err != nil {
		return models.Trade{}, invalid("price", fmt.Sprintf("value %q is not a decimal", strs["price"]), err)
	}
	amount, err := parseDecimal(strs["amount"])
	if err != nil {
		return models.Trade{}, invalid("amount", fmt.Sprintf("value %q is not a decimal", strs["amount"]), err)
	}
	side := models.Side(strs["side"])
	if !side.Valid() {
		return models.Trade{}, invalid("side", fmt.Sprintf("value %q is not buy or sell", side), nil)
	}

	return models.Trade{
		Market:    strs["market"],
		ID:        strs["id"],
		Price:     price,
		Amount:    amount,
		Side:      side,
		Timestamp: ts,
	}, nil
}

// decodeSubscriptions reads the subscriptions object of an ack. Channels whose
// value is not a list of market strings are skipped.
func decodeSubscriptions(obj map[string]json.RawMessage) (map[Channel][]string, bool) {
	raw, ok := obj["subscriptions"]
	if !ok {
		return nil, false
	}
	var channels map[string]json.RawMessage
	if err := json.Unmarshal(raw, &channels); err != nil || channels == nil {
		return nil, false
	}
	subs := make(map[Channel][]string, len(channels))
	for name, value := range channels {
		var markets []string
		if err := json.Unmarshal(value, &markets); err != nil {
			continue
		}
		subs[Channel(name)] = markets
	}
	return subs, true
}
