package symbols

import (
	"fmt"
	"strings"
)

// Normalize converts a market written in any of the common notations
// ("btc/eur", "BTC_EUR", "XBT-EUR") to the BASE-QUOTE form the exchange uses.
func Normalize(market string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(market))
	m = strings.NewReplacer("/", "-", "_", "-").Replace(m)

	base, quote, ok := strings.Cut(m, "-")
	if !ok || !isAsset(base) || !isAsset(quote) {
		return "", fmt.Errorf("market %q is not BASE-QUOTE", market)
	}
	if base == "XBT" {
		base = "BTC"
	}
	return base + "-" + quote, nil
}

// NormalizeAll normalizes every market and drops duplicates, keeping the
// first occurrence.
func NormalizeAll(markets []string) ([]string, error) {
	out := make([]string, 0, len(markets))
	seen := make(map[string]struct{}, len(markets))
	for _, market := range markets {
		m, err := Normalize(market)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out, nil
}

// Compact drops the separator ("BTC-EUR" -> "BTCEUR").
func Compact(market string) string {
	return strings.ReplaceAll(market, "-", "")
}

func isAsset(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
