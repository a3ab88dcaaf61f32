package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
products:
  - id: vip-30d
    name: VIP 30 days
    servers: [srv-1, srv-2]
    prices:
      USDT: "9.99"
      btc: 0.00015
  - id: boost
    name: Boost
    prices:
      USDT: "0.1"
`

func TestPrice(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	p, err := c.Price("vip-30d", "srv-1", "usdt")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("9.99")))

	p, err = c.Price("vip-30d", "srv-2", "BTC")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("0.00015")))

	p, err = c.Price("boost", "anything", "USDT")
	require.NoError(t, err)
	assert.Equal(t, "0.1", p.String())
}

func TestPriceErrors(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	_, err = c.Price("nope", "srv-1", "USDT")
	assert.ErrorIs(t, err, ErrUnknownProduct)

	_, err = c.Price("vip-30d", "srv-9", "USDT")
	assert.ErrorIs(t, err, ErrNotOnServer)

	_, err = c.Price("boost", "srv-1", "ETH")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestParseRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"missing id":  "products:\n  - name: x\n",
		"duplicate":   "products:\n  - id: a\n  - id: a\n",
		"bad price":   "products:\n  - id: a\n    prices:\n      USDT: ten\n",
		"zero price":  "products:\n  - id: a\n    prices:\n      USDT: \"0\"\n",
		"not yaml":    "products: [",
		"too precise": "products:\n  - id: a\n    prices:\n      USDT: \"0.0000000000000000001\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
