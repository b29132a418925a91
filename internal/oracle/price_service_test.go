package oracle_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evetabi/strikemarket/internal/config"
	"github.com/evetabi/strikemarket/internal/oracle"
	"github.com/shopspring/decimal"
)

// ── Mock exchange HTTP servers ────────────────────────────────────────────────

// Binance expects ?symbol=BTCUSDT and returns {"price":"..."}
func mockBinanceOK(t *testing.T, price float64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("binance symbol = %q, want BTCUSDT", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"price": decimal.NewFromFloat(price).StringFixed(2)})
	})
}

// Bybit expects: {"result":{"list":[{"lastPrice":"..."}]}}
func mockBybitOK(price float64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var outer struct {
			Result struct {
				List []map[string]string `json:"list"`
			} `json:"result"`
		}
		outer.Result.List = []map[string]string{{"lastPrice": decimal.NewFromFloat(price).StringFixed(2)}}
		_ = json.NewEncoder(w).Encode(outer)
	})
}

// OKX expects ?instId=BTC-USDT and returns {"data":[{"last":"..."}]}
func mockOKXOK(t *testing.T, price float64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instId"); got != "BTC-USDT" {
			t.Errorf("okx instId = %q, want BTC-USDT", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"last": decimal.NewFromFloat(price).StringFixed(2)}},
		})
	})
}

func mockServerError() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})
}

func buildPriceConfig(binanceURL, bybitURL, okxURL string, cacheTTL time.Duration) config.PriceConfig {
	return config.PriceConfig{
		BinanceURL:    binanceURL,
		BybitURL:      bybitURL,
		OKXURL:        okxURL,
		FetchTimeout:  3 * time.Second,
		CacheTTL:      cacheTTL,
		BinanceWeight: 50,
		BybitWeight:   30,
		OKXWeight:     20,
	}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

// Binance 90000 (×50) + Bybit 91000 (×30) + OKX 92000 (×20) = 90700
func TestPriceService_AllSources(t *testing.T) {
	sBinance := httptest.NewServer(mockBinanceOK(t, 90000))
	defer sBinance.Close()
	sBybit := httptest.NewServer(mockBybitOK(91000))
	defer sBybit.Close()
	sOKX := httptest.NewServer(mockOKXOK(t, 92000))
	defer sOKX.Close()

	svc := oracle.NewPriceService(buildPriceConfig(sBinance.URL, sBybit.URL, sOKX.URL, 0))

	price, sources, err := svc.GetWeightedPrice(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(sources) != 3 {
		t.Errorf("expected 3 sources, got %d", len(sources))
	}
	want := decimal.NewFromInt(90700)
	if price.Sub(want).Abs().GreaterThan(decimal.NewFromFloat(1)) {
		t.Errorf("weighted price = %s, want ~%s", price, want)
	}
}

// Bybit+OKX still provide a price when Binance returns HTTP 503.
func TestPriceServiceFallback_BinanceDown(t *testing.T) {
	sBinance := httptest.NewServer(mockServerError())
	defer sBinance.Close()
	sBybit := httptest.NewServer(mockBybitOK(91000))
	defer sBybit.Close()
	sOKX := httptest.NewServer(mockOKXOK(t, 92000))
	defer sOKX.Close()

	svc := oracle.NewPriceService(buildPriceConfig(sBinance.URL, sBybit.URL, sOKX.URL, 0))

	price, err := svc.FinalPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("partial failure should still return price, got err: %v", err)
	}
	// 91000*30 + 92000*20 = 4570000 / 50 = 91400
	want := decimal.NewFromInt(91400)
	if price.Sub(want).Abs().GreaterThan(decimal.NewFromFloat(1)) {
		t.Errorf("fallback price = %s, want ~%s", price, want)
	}
	status := svc.ExchangeStatus()
	if status["binance"] || !status["bybit"] || !status["okx"] {
		t.Errorf("ExchangeStatus() = %v", status)
	}
}

func TestPriceServiceFallback_AllDown(t *testing.T) {
	sBinance := httptest.NewServer(mockServerError())
	defer sBinance.Close()
	sBybit := httptest.NewServer(mockServerError())
	defer sBybit.Close()
	sOKX := httptest.NewServer(mockServerError())
	defer sOKX.Close()

	svc := oracle.NewPriceService(buildPriceConfig(sBinance.URL, sBybit.URL, sOKX.URL, 0))

	if _, err := svc.FinalPrice(context.Background(), "BTC-USDT"); err == nil {
		t.Fatal("expected error when all price sources are down")
	}
}

func TestPriceService_CachedPrice(t *testing.T) {
	sBinance := httptest.NewServer(mockBinanceOK(t, 87000))
	defer sBinance.Close()
	sBybit := httptest.NewServer(mockBybitOK(87000))
	defer sBybit.Close()
	sOKX := httptest.NewServer(mockOKXOK(t, 87000))
	defer sOKX.Close()

	svc := oracle.NewPriceService(buildPriceConfig(sBinance.URL, sBybit.URL, sOKX.URL, 60*time.Second))

	if _, _, err := svc.GetWeightedPrice(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("warm cache fetch failed: %v", err)
	}
	price, ok := svc.GetCachedPrice("btcusdt")
	if !ok {
		t.Error("expected cache hit after successful fetch with 60s TTL")
	}
	if !price.Equal(decimal.NewFromInt(87000)) {
		t.Errorf("cached price = %s, want 87000", price)
	}
}

func TestPriceService_CacheExpires(t *testing.T) {
	sBinance := httptest.NewServer(mockBinanceOK(t, 87000))
	defer sBinance.Close()
	sBybit := httptest.NewServer(mockBybitOK(87000))
	defer sBybit.Close()
	sOKX := httptest.NewServer(mockOKXOK(t, 87000))
	defer sOKX.Close()

	svc := oracle.NewPriceService(buildPriceConfig(sBinance.URL, sBybit.URL, sOKX.URL, 0))
	if _, _, err := svc.GetWeightedPrice(context.Background(), "BTC/USDT"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if _, ok := svc.GetCachedPrice("BTC/USDT"); ok {
		t.Error("with TTL=0, cache should be considered expired immediately")
	}
}

func TestParsePair(t *testing.T) {
	tests := map[string]oracle.Pair{
		"BTC/USDT": {Base: "BTC", Quote: "USDT"},
		"eth-usdc": {Base: "ETH", Quote: "USDC"},
		"SOL_USD":  {Base: "SOL", Quote: "USD"},
		"BTCUSDT":  {Base: "BTC", Quote: "USDT"},
		"ETHBTC":   {Base: "ETH", Quote: "BTC"},
	}
	for in, want := range tests {
		got, err := oracle.ParsePair(in)
		if err != nil || got != want {
			t.Errorf("ParsePair(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := oracle.ParsePair("USDT"); !errors.Is(err, oracle.ErrUnknownPair) {
		t.Errorf("ParsePair(USDT) error = %v, want ErrUnknownPair", err)
	}
}
