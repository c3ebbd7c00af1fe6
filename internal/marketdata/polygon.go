package marketdata

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
)

const polygonBaseURL = "https://api.polygon.io"

// Ticker suffixes that look like class-share punctuation but are unit,
// warrant or rights designators. Alias bridging must leave these alone.
var polygonProtectedSuffixes = map[string]bool{
	"WS": true,
	"W":  true,
	"U":  true,
	"RT": true,
}

type polygonSnapshotResponse struct {
	Status  string                `json:"status"`
	Tickers []polygonTickerItem   `json:"tickers"`
}

type polygonTickerItem struct {
	Ticker  string `json:"ticker"`
	Updated int64  `json:"updated"` // nanoseconds
	Day     struct {
		Close  float64 `json:"c"`
		Open   float64 `json:"o"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Volume float64 `json:"v"`
	} `json:"day"`
	Min struct {
		Close     float64 `json:"c"`
		Timestamp int64   `json:"t"` // milliseconds
	} `json:"min"`
	PrevDay struct {
		Close float64 `json:"c"`
	} `json:"prevDay"`
}

// Polygon is the adapter for Polygon.io's whole-market snapshot. One call
// returns quotes for every US stock, so batch requests of any size cost a
// single upstream request.
type Polygon struct {
	http    *HTTPClient
	limiter *RateLimiter
	cache   *TTLCache
	logger  zerolog.Logger

	apiKey  string
	baseURL string // overridable for tests
	now     func() time.Time
}

// NewPolygon creates the Polygon snapshot adapter.
func NewPolygon(client *HTTPClient, apiKey string, logger zerolog.Logger) *Polygon {
	return &Polygon{
		http:    client,
		limiter: NewRateLimiter(30, 2),
		cache:   NewTTLCache(),
		logger:  logger.With().Str("source", SourcePolygon).Logger(),
		apiKey:  apiKey,
		baseURL: polygonBaseURL,
		now:     time.Now,
	}
}

// Name returns the symbolic source name.
func (p *Polygon) Name() string { return SourcePolygon }

// DailyCallLimit reports no daily quota for snapshot pulls.
func (p *Polygon) DailyCallLimit() (int, bool) { return 0, false }

// CurrentPrice serves a single ticker from the cached whole-market snapshot.
func (p *Polygon) CurrentPrice(ctx context.Context, ticker string) (*PriceQuote, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	quotes, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if q, ok := lookupWithAliases(quotes, ticker); ok {
		q.Ticker = ticker
		return &q, nil
	}
	return nil, apperrors.ErrTickerNotFound
}

// BatchPrices serves all requested tickers from one snapshot pull. Tickers
// absent from the snapshot are absent from the result; the snapshot is the
// authoritative market universe, so absence means Polygon does not carry
// the ticker.
func (p *Polygon) BatchPrices(ctx context.Context, tickers []string) (map[string]PriceQuote, error) {
	quotes, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	results := make(map[string]PriceQuote, len(tickers))
	for _, t := range tickers {
		normalized := strings.ToUpper(strings.TrimSpace(t))
		if q, ok := lookupWithAliases(quotes, normalized); ok {
			q.Ticker = normalized
			results[normalized] = q
		}
	}
	return results, nil
}

// CompanyMetrics is not served by the snapshot adapter.
func (p *Polygon) CompanyMetrics(_ context.Context, _ string) (*Metrics, error) {
	return nil, ErrUnsupportedOperation
}

// HistoricalPrices is not served by the snapshot adapter.
func (p *Polygon) HistoricalPrices(_ context.Context, _ string, _, _ time.Time) ([]HistoryBar, error) {
	return nil, ErrUnsupportedOperation
}

// BatchHistoricalPrices is not served by the snapshot adapter.
func (p *Polygon) BatchHistoricalPrices(_ context.Context, _ []string, _, _ time.Time) (map[string][]HistoryBar, error) {
	return nil, ErrUnsupportedOperation
}

// snapshot pulls (or reuses) the whole-market snapshot and indexes it by
// ticker, including class-share aliases.
func (p *Polygon) snapshot(ctx context.Context) (map[string]PriceQuote, error) {
	const cacheKey = "polygon:snapshot"
	if v, ok := p.cache.Get(cacheKey, TTLCurrentPrice); ok {
		return v.(map[string]PriceQuote), nil
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer p.limiter.Release()

	params := url.Values{}
	params.Set("apiKey", p.apiKey)

	var resp polygonSnapshotResponse
	endpoint := p.baseURL + "/v2/snapshot/locale/us/markets/stocks/tickers"
	if err := p.http.GetJSON(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}

	quotes := make(map[string]PriceQuote, len(resp.Tickers))
	for _, item := range resp.Tickers {
		quote, ok := p.extractQuote(item)
		if !ok {
			continue
		}
		symbol := strings.ToUpper(item.Ticker)
		quotes[symbol] = quote
		for _, alias := range classShareAliases(symbol) {
			if _, exists := quotes[alias]; !exists {
				quotes[alias] = quote
			}
		}
	}

	p.logger.Debug().Int("tickers", len(resp.Tickers)).Msg("snapshot refreshed")
	p.cache.Set(cacheKey, quotes)
	return quotes, nil
}

// extractQuote derives (price, timestamp) for one snapshot item:
// day close first, then the latest minute bar, then the previous-day close
// when the session value is missing or non-positive. Items lacking either a
// price or a timestamp yield nothing.
func (p *Polygon) extractQuote(item polygonTickerItem) (PriceQuote, bool) {
	var price float64
	var ts time.Time

	switch {
	case item.Day.Close > 0:
		price = item.Day.Close
		switch {
		case item.Updated > 0:
			ts = time.Unix(0, item.Updated).UTC()
		case item.Min.Timestamp > 0:
			ts = time.UnixMilli(item.Min.Timestamp).UTC()
		default:
			ts = p.now().UTC()
		}
	case item.Min.Close > 0:
		price = item.Min.Close
		if item.Min.Timestamp > 0 {
			ts = time.UnixMilli(item.Min.Timestamp).UTC()
		} else {
			ts = p.now().UTC()
		}
	}

	if price <= 0 {
		price = item.PrevDay.Close
		ts = p.now().UTC()
	}
	if price <= 0 || ts.IsZero() {
		return PriceQuote{}, false
	}

	quote := PriceQuote{
		Ticker:     strings.ToUpper(item.Ticker),
		Price:      price,
		Timestamp:  ts,
		Source:     SourcePolygon,
		AssetClass: "stocks",
	}
	if item.Day.Open > 0 {
		open := item.Day.Open
		quote.DayOpen = &open
	}
	if item.Day.High > 0 {
		high := item.Day.High
		quote.DayHigh = &high
	}
	if item.Day.Low > 0 {
		low := item.Day.Low
		quote.DayLow = &low
	}
	if item.Day.Volume > 0 {
		vol := int64(item.Day.Volume)
		quote.Volume = &vol
	}
	return quote, true
}

// classShareAliases bridges class-share punctuation between Polygon and the
// canonical store: BRK-B ↔ BRK.B and X/B ↔ X.B. Suffixes naming units,
// warrants or rights are excluded.
func classShareAliases(ticker string) []string {
	var sep byte
	var idx int
	for i := len(ticker) - 1; i > 0; i-- {
		c := ticker[i]
		if c == '-' || c == '/' || c == '.' {
			sep = c
			idx = i
			break
		}
	}
	if sep == 0 {
		return nil
	}

	suffix := ticker[idx+1:]
	if suffix == "" || polygonProtectedSuffixes[suffix] {
		return nil
	}

	base := ticker[:idx]
	var aliases []string
	for _, alt := range []byte{'.', '-', '/'} {
		if alt != sep {
			aliases = append(aliases, base+string(alt)+suffix)
		}
	}
	return aliases
}

func lookupWithAliases(quotes map[string]PriceQuote, ticker string) (PriceQuote, bool) {
	if q, ok := quotes[ticker]; ok {
		return q, true
	}
	for _, alias := range classShareAliases(ticker) {
		if q, ok := quotes[alias]; ok {
			return q, true
		}
	}
	return PriceQuote{}, false
}
