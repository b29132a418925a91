// Package oracle supplies the final price used to resolve a market: a
// weighted average of spot prices from several exchanges.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/evetabi/strikemarket/internal/config"
	"github.com/shopspring/decimal"
)

// ──────────────────────────────────────────────────────────────────────────────
// Exchange definitions
// ──────────────────────────────────────────────────────────────────────────────

const (
	exchangeBinance = "binance"
	exchangeBybit   = "bybit"
	exchangeOKX     = "okx"
)

// ErrUnknownPair is returned when a trading pair cannot be split into base
// and quote assets.
var ErrUnknownPair = errors.New("oracle: unrecognised trading pair")

// PriceSource holds a single exchange price reading used for weighted averaging.
type PriceSource struct {
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	Weight    decimal.Decimal `json:"weight"` // 0–100 integer stored as decimal
	FetchedAt time.Time       `json:"fetched_at"`
}

// Pair is a base/quote asset pair, e.g. BTC/USDT.
type Pair struct {
	Base  string
	Quote string
}

// knownQuotes is checked longest-first when a pair has no separator.
var knownQuotes = []string{"USDT", "USDC", "FDUSD", "USD", "EUR", "BTC", "ETH"}

// ParsePair accepts "BTC/USDT", "BTC-USDT", "btc_usdt" and "BTCUSDT".
func ParsePair(s string) (Pair, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for _, sep := range []string{"/", "-", "_"} {
		if base, quote, ok := strings.Cut(up, sep); ok && base != "" && quote != "" {
			return Pair{Base: base, Quote: quote}, nil
		}
	}
	for _, q := range knownQuotes {
		if base, ok := strings.CutSuffix(up, q); ok && base != "" {
			return Pair{Base: base, Quote: q}, nil
		}
	}
	return Pair{}, fmt.Errorf("%w: %q", ErrUnknownPair, s)
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// exchangeDef describes a single price-feed source.
type exchangeDef struct {
	name   string
	weight decimal.Decimal // 0–100
	fetch  func(ctx context.Context, p Pair) (decimal.Decimal, error)
}

type cachedPrice struct {
	price   decimal.Decimal
	sources []PriceSource
	at      time.Time
}

// ──────────────────────────────────────────────────────────────────────────────
// PriceService
// ──────────────────────────────────────────────────────────────────────────────

// PriceService fetches spot prices for a pair from multiple exchanges in
// parallel, computes a weighted average, and caches the result per pair.
type PriceService struct {
	client *http.Client
	cfg    config.PriceConfig

	mu    sync.RWMutex
	cache map[Pair]cachedPrice

	// per-exchange last-success timestamp (for ExchangeStatus)
	statusMu    sync.RWMutex
	lastSuccess map[string]time.Time
	exchanges   []exchangeDef
}

// NewPriceService constructs a PriceService from the given config.
func NewPriceService(cfg config.PriceConfig) *PriceService {
	ps := &PriceService{
		client: &http.Client{Timeout: cfg.FetchTimeout},
		cfg:    cfg,
		cache:  make(map[Pair]cachedPrice),
		lastSuccess: map[string]time.Time{
			exchangeBinance: {},
			exchangeBybit:   {},
			exchangeOKX:     {},
		},
	}
	ps.exchanges = []exchangeDef{
		{name: exchangeBinance, weight: decimal.NewFromInt(int64(cfg.BinanceWeight)), fetch: ps.fetchBinance},
		{name: exchangeBybit, weight: decimal.NewFromInt(int64(cfg.BybitWeight)), fetch: ps.fetchBybit},
		{name: exchangeOKX, weight: decimal.NewFromInt(int64(cfg.OKXWeight)), fetch: ps.fetchOKX},
	}
	return ps
}

// ──────────────────────────────────────────────────────────────────────────────
// Public API
// ──────────────────────────────────────────────────────────────────────────────

// FinalPrice returns the weighted price of tradingPair. It is the resolution
// oracle of the in-process ledgers.
func (ps *PriceService) FinalPrice(ctx context.Context, tradingPair string) (decimal.Decimal, error) {
	price, _, err := ps.GetWeightedPrice(ctx, tradingPair)
	return price, err
}

// GetWeightedPrice returns the current price of tradingPair as a weighted
// average of all configured exchanges. A cached value younger than CacheTTL
// is returned immediately.
//
// Partial failures re-normalise the weights over the sources that answered.
// At least one source must succeed.
func (ps *PriceService) GetWeightedPrice(ctx context.Context, tradingPair string) (decimal.Decimal, []PriceSource, error) {
	pair, err := ParsePair(tradingPair)
	if err != nil {
		return decimal.Zero, nil, err
	}

	// ── Cache check ──────────────────────────────────────────────────────────
	ps.mu.RLock()
	c, ok := ps.cache[pair]
	ps.mu.RUnlock()
	if ok && time.Since(c.at) < ps.cfg.CacheTTL {
		return c.price, c.sources, nil
	}

	// ── Parallel fetch with per-exchange timeout ──────────────────────────────
	type result struct {
		name  string
		price decimal.Decimal
		err   error
	}

	fetchCtx, cancel := context.WithTimeout(ctx, ps.client.Timeout)
	defer cancel()

	resultCh := make(chan result, len(ps.exchanges))
	for _, ex := range ps.exchanges {
		go func() {
			p, err := ex.fetch(fetchCtx, pair)
			resultCh <- result{name: ex.name, price: p, err: err}
		}()
	}

	rawResults := make(map[string]result, len(ps.exchanges))
	for range ps.exchanges {
		r := <-resultCh
		rawResults[r.name] = r
	}

	// ── Build sources list & compute weighted average ─────────────────────────
	var (
		sources                 []PriceSource
		sumWeighted, sumWeights decimal.Decimal
		errs                    []error
	)
	now := time.Now()

	for _, ex := range ps.exchanges {
		r := rawResults[ex.name]
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		if !r.price.IsPositive() || ex.weight.IsZero() {
			continue
		}
		sources = append(sources, PriceSource{Exchange: ex.name, Price: r.price, Weight: ex.weight, FetchedAt: now})
		sumWeighted = sumWeighted.Add(r.price.Mul(ex.weight))
		sumWeights = sumWeights.Add(ex.weight)

		ps.statusMu.Lock()
		ps.lastSuccess[ex.name] = now
		ps.statusMu.Unlock()
	}

	if len(sources) == 0 {
		return decimal.Zero, nil, fmt.Errorf("oracle: all exchange fetches failed for %s: %w", pair, errors.Join(errs...))
	}

	weightedAvg := sumWeighted.Div(sumWeights)

	ps.mu.Lock()
	ps.cache[pair] = cachedPrice{price: weightedAvg, sources: sources, at: now}
	ps.mu.Unlock()

	return weightedAvg, sources, nil
}

// GetCachedPrice returns the cached price of tradingPair and true while it is
// within its TTL.
func (ps *PriceService) GetCachedPrice(tradingPair string) (decimal.Decimal, bool) {
	pair, err := ParsePair(tradingPair)
	if err != nil {
		return decimal.Zero, false
	}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	c, ok := ps.cache[pair]
	if !ok || time.Since(c.at) >= ps.cfg.CacheTTL {
		return decimal.Zero, false
	}
	return c.price, true
}

// ExchangeStatus returns exchange name → whether it answered in the last
// 5 seconds. Served on the operator dashboard.
func (ps *PriceService) ExchangeStatus() map[string]bool {
	threshold := 5 * time.Second
	ps.statusMu.RLock()
	defer ps.statusMu.RUnlock()

	status := make(map[string]bool, len(ps.lastSuccess))
	for name, t := range ps.lastSuccess {
		status[name] = !t.IsZero() && time.Since(t) < threshold
	}
	return status
}

// ──────────────────────────────────────────────────────────────────────────────
// Exchange fetchers
// ──────────────────────────────────────────────────────────────────────────────

// fetchBinance fetches a spot price from the Binance REST API.
//
//	GET /api/v3/ticker/price?symbol=BTCUSDT
//	{"symbol":"BTCUSDT","price":"87350.00"}
func (ps *PriceService) fetchBinance(ctx context.Context, p Pair) (decimal.Decimal, error) {
	body, err := ps.doGet(ctx, ps.cfg.BinanceURL+"/api/v3/ticker/price?symbol="+p.Base+p.Quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance: %w", err)
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("binance parse: %w", err)
	}
	return parsePrice("binance", resp.Price)
}

// fetchBybit fetches a spot price from the Bybit REST API.
//
//	GET /v5/market/tickers?category=spot&symbol=BTCUSDT
//	{"result":{"list":[{"lastPrice":"87350.00",...}]}}
func (ps *PriceService) fetchBybit(ctx context.Context, p Pair) (decimal.Decimal, error) {
	body, err := ps.doGet(ctx, ps.cfg.BybitURL+"/v5/market/tickers?category=spot&symbol="+p.Base+p.Quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bybit: %w", err)
	}
	var resp struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("bybit parse: %w", err)
	}
	if len(resp.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("bybit: empty result list")
	}
	return parsePrice("bybit", resp.Result.List[0].LastPrice)
}

// fetchOKX fetches a spot price from the OKX REST API.
//
//	GET /api/v5/market/ticker?instId=BTC-USDT
//	{"data":[{"last":"87350.00",...}]}
func (ps *PriceService) fetchOKX(ctx context.Context, p Pair) (decimal.Decimal, error) {
	body, err := ps.doGet(ctx, ps.cfg.OKXURL+"/api/v5/market/ticker?instId="+p.Base+"-"+p.Quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("okx: %w", err)
	}
	var resp struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err = json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("okx parse: %w", err)
	}
	if len(resp.Data) == 0 {
		return decimal.Zero, fmt.Errorf("okx: empty data field")
	}
	return parsePrice("okx", resp.Data[0].Last)
}

func parsePrice(exchange, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s: empty price field", exchange)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s decimal: %w", exchange, err)
	}
	return price, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// HTTP helper
// ──────────────────────────────────────────────────────────────────────────────

// doGet performs an HTTP GET and returns the body, or an error for any
// non-200 status code.
func (ps *PriceService) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "strikemarket/1.0")

	resp, err := ps.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
