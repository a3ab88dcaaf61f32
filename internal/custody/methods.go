package custody

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedMethod is returned for a currency/network pair the
// custody provider cannot allocate addresses for.
var ErrUnsupportedMethod = errors.New("unsupported payment method")

// Method is a currency on a specific network, e.g. USDT on tron.
type Method struct {
	Currency string
	Network  string
}

// String renders the method as CURRENCY_NETWORK, the form clients send.
func (m Method) String() string {
	return m.Currency + "_" + strings.ToUpper(m.Network)
}

// SupportedMethods lists every pair the provider can serve.
var SupportedMethods = []Method{
	{"BTC", "bitcoin"},
	{"LTC", "litecoin"},
	{"ETH", "ethereum"},
	{"USDT", "ethereum"},
	{"USDT", "tron"},
	{"USDC", "ethereum"},
	{"USDC", "polygon"},
	{"TRX", "tron"},
	{"BNB", "bsc"},
	{"USDT", "bsc"},
	{"SOL", "solana"},
}

// Supported reports whether currency/network is a known pair. Matching is
// case-insensitive.
func Supported(currency, network string) bool {
	_, ok := lookup(currency, network)
	return ok
}

func lookup(currency, network string) (Method, bool) {
	for _, m := range SupportedMethods {
		if strings.EqualFold(m.Currency, currency) && strings.EqualFold(m.Network, network) {
			return m, true
		}
	}
	return Method{}, false
}

// Canonical returns the supported method for currency/network in its
// canonical casing.
func Canonical(currency, network string) (Method, error) {
	m, ok := lookup(strings.TrimSpace(currency), strings.TrimSpace(network))
	if !ok {
		return Method{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedMethod, currency, network)
	}
	return m, nil
}

// ParseMethod parses CURRENCY_NETWORK (e.g. "USDT_TRON").
func ParseMethod(s string) (Method, error) {
	currency, network, ok := strings.Cut(strings.TrimSpace(s), "_")
	if !ok || currency == "" || network == "" {
		return Method{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
	}
	return Canonical(currency, network)
}
