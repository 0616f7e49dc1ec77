package bitvavo

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestBuildRequestRoundTrip(t *testing.T) {
	cases := []struct {
		action  Action
		channel Channel
		markets []string
	}{
		{ActionSubscribe, ChannelTicker, []string{"BTC-EUR"}},
		{ActionSubscribe, ChannelTrades, []string{"ETH-EUR", "BTC-EUR", "ADA-EUR"}},
		{ActionUnsubscribe, ChannelTicker, []string{"XRP-EUR", "BTC-EUR"}},
		{ActionUnsubscribe, ChannelTrades, []string{"SOL-EUR"}},
	}

	for _, tc := range cases {
		payload, err := BuildRequest(tc.action, tc.channel, tc.markets)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.action, tc.channel, err)
		}

		var got map[string]interface{}
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("payload is not json: %v", err)
		}
		markets := make([]interface{}, len(tc.markets))
		for i, m := range tc.markets {
			markets[i] = m
		}
		want := map[string]interface{}{
			"action": string(tc.action),
			"channels": []interface{}{
				map[string]interface{}{"name": string(tc.channel), "markets": markets},
			},
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch:\n got %v\nwant %v", got, want)
		}
	}
}

func TestBuildRequestExactBytes(t *testing.T) {
	payload, err := BuildRequest(ActionSubscribe, ChannelTicker, []string{"BTC-EUR", "ETH-EUR"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"action":"subscribe","channels":[{"name":"ticker","markets":["BTC-EUR","ETH-EUR"]}]}`
	if string(payload) != want {
		t.Fatalf("got %s want %s", payload, want)
	}
}

func TestBuildRequestRejectsInvalid(t *testing.T) {
	if _, err := BuildRequest(ActionSubscribe, Channel("book"), []string{"BTC-EUR"}); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
	if _, err := BuildRequest(ActionSubscribe, ChannelTicker, nil); !errors.Is(err, ErrNoMarkets) {
		t.Fatalf("expected ErrNoMarkets, got %v", err)
	}
	if _, err := BuildRequest(Action("authenticate"), ChannelTicker, []string{"BTC-EUR"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
