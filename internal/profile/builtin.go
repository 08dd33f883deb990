package profile

import (
	"fmt"
	"sort"
	"time"
)

// Built-in exchange names.
const (
	Binance = "binance"
	Bybit   = "bybit"
	Kraken  = "kraken"
	KuCoin  = "kucoin"
)

// builtins returns fresh copies on every call so nothing can mutate the table.
var builtins = map[string]func() Profile{
	Binance: func() Profile {
		return Profile{
			Name:      Binance,
			Host:      "stream.binance.com",
			Port:      9443,
			SNIName:   "stream.binance.com",
			Path:      "/ws/btcusdt@kline_1m",
			UserAgent: "binance-connector",
		}
	},
	Bybit: func() Profile {
		return Profile{
			Name:    Bybit,
			Host:    "stream.bybit.com",
			Port:    443,
			SNIName: "stream.bybit.com",
			Path:    "/v5/public/linear",
			SubscribeFrames: []string{
				`{"op":"subscribe","args":["kline.1.BTCUSDT"]}`,
			},
			UserAgent: "bybit-connector",
			Heartbeat: Heartbeat{Interval: 20 * time.Second, Frame: `{"op":"ping"}`},
		}
	},
	Kraken: func() Profile {
		return Profile{
			Name:    Kraken,
			Host:    "ws.kraken.com",
			Port:    443,
			SNIName: "ws.kraken.com",
			Path:    "/",
			SubscribeFrames: []string{
				`{"event":"subscribe","pair":["BTC/USDT"],"subscription":{"name":"ohlc","interval":1}}`,
			},
			UserAgent: "kraken-connector",
		}
	},
	KuCoin: func() Profile {
		return Profile{
			Name:    KuCoin,
			Host:    "ws-api-spot.kucoin.com",
			Port:    443,
			SNIName: "ws-api-spot.kucoin.com",
			Path:    "/?token=" + TokenPlaceholder,
			SubscribeFrames: []string{
				`{"id":"1","type":"subscribe","topic":"/market/candles:BTC-USDT_1min","response":true}`,
			},
			Auth: &AuthStep{
				Endpoint:  "https://api.kucoin.com/api/v1/bullet-public",
				Method:    "POST",
				TokenPath: []string{"data", "token"},
				UserAgent: "kucoin-connector",
			},
			UserAgent: "kucoin-connector",
			Heartbeat: Heartbeat{Interval: 18 * time.Second, Frame: `{"id":"ping","type":"ping"}`},
			SendRate:  10, // 100 messages per 10s
		}
	},
}

// Lookup returns the built-in profile for name.
func Lookup(name string) (Profile, error) {
	build, ok := builtins[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return build(), nil
}

// Names returns the built-in exchange names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every built-in profile, sorted by name.
func All() []Profile {
	names := Names()
	out := make([]Profile, 0, len(names))
	for _, name := range names {
		out = append(out, builtins[name]())
	}
	return out
}
