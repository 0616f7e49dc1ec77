package bitvavo

import (
	"encoding/json"
	"fmt"
)

// Channel is a named subscription stream.
type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelTrades Channel = "trades"
)

func (c Channel) valid() bool {
	return c == ChannelTicker || c == ChannelTrades
}

// Action is the direction of a subscription request.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

type subscriptionRequest struct {
	Action   Action                `json:"action"`
	Channels []subscriptionChannel `json:"channels"`
}

type subscriptionChannel struct {
	Name    Channel  `json:"name"`
	Markets []string `json:"markets"`
}

// BuildRequest renders {"action":..,"channels":[{"name":..,"markets":[..]}]}
// keeping the market order as given.
func BuildRequest(action Action, channel Channel, markets []string) ([]byte, error) {
	if action != ActionSubscribe && action != ActionUnsubscribe {
		return nil, fmt.Errorf("bitvavo: unknown action %q", action)
	}
	if !channel.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if len(markets) == 0 {
		return nil, ErrNoMarkets
	}
	req := subscriptionRequest{
		Action:   action,
		Channels: []subscriptionChannel{{Name: channel, Markets: markets}},
	}
	return json.Marshal(req)
}
