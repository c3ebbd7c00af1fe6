package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
)

const (
	alphaVantageBaseURL               = "https://www.alphavantage.co/query"
	alphaVantageDefaultRequestsPerMin = 75
	alphaVantageConcurrency           = 10
	alphaVantageDailyLimit            = 25
)

// ListingRow is one row of the LISTING_STATUS universe dump.
type ListingRow struct {
	Symbol    string
	Name      string
	Exchange  string
	AssetType string
	IPODate   *time.Time
}

// AlphaVantage is the adapter for the AlphaVantage query API. It serves
// company metrics (OVERVIEW), historical prices (TIME_SERIES_DAILY) and the
// LISTING_STATUS universe dump used for reference-data sync.
type AlphaVantage struct {
	http    *HTTPClient
	limiter *RateLimiter
	cache   *TTLCache
	logger  zerolog.Logger

	apiKey  string
	baseURL string // overridable for tests
	debug   bool
}

// NewAlphaVantage creates the AlphaVantage adapter. requestsPerMinute caps
// the outbound request rate; zero or negative falls back to the default 75.
func NewAlphaVantage(client *HTTPClient, apiKey string, requestsPerMinute int, debug bool, logger zerolog.Logger) *AlphaVantage {
	if requestsPerMinute <= 0 {
		requestsPerMinute = alphaVantageDefaultRequestsPerMin
	}
	return &AlphaVantage{
		http:    client,
		limiter: NewRateLimiter(requestsPerMinute, alphaVantageConcurrency),
		cache:   NewTTLCache(),
		logger:  logger.With().Str("source", SourceAlphaVantage).Logger(),
		apiKey:  apiKey,
		baseURL: alphaVantageBaseURL,
		debug:   debug,
	}
}

// Name returns the symbolic source name.
func (a *AlphaVantage) Name() string { return SourceAlphaVantage }

// DailyCallLimit returns the free-tier daily request quota.
func (a *AlphaVantage) DailyCallLimit() (int, bool) { return alphaVantageDailyLimit, true }

// SuitableSymbol reports whether a ticker is worth sending to AlphaVantage.
// Index symbols, futures, currency pairs and punctuated class shares are
// not covered by the OVERVIEW endpoint.
func SuitableSymbol(ticker string) bool {
	switch {
	case ticker == "":
		return false
	case strings.HasPrefix(ticker, "^"):
		return false
	case strings.Contains(ticker, "=F"):
		return false
	case strings.HasSuffix(ticker, "-USD"):
		return false
	case strings.Contains(ticker, "."):
		return false
	case strings.HasSuffix(ticker, "-"):
		return false
	}
	return true
}

// CurrentPrice is not served by the AlphaVantage adapter.
func (a *AlphaVantage) CurrentPrice(_ context.Context, _ string) (*PriceQuote, error) {
	return nil, ErrUnsupportedOperation
}

// BatchPrices is not served by the AlphaVantage adapter.
func (a *AlphaVantage) BatchPrices(_ context.Context, _ []string) (map[string]PriceQuote, error) {
	return nil, ErrUnsupportedOperation
}

// CompanyMetrics fetches the OVERVIEW record for one ticker.
func (a *AlphaVantage) CompanyMetrics(ctx context.Context, ticker string) (*Metrics, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !SuitableSymbol(ticker) {
		return nil, apperrors.ErrTickerNotFound
	}

	cacheKey := "alphavantage:metrics:" + ticker
	if v, ok := a.cache.Get(cacheKey, TTLCompanyMetrics); ok {
		m := v.(Metrics)
		return &m, nil
	}

	var overview map[string]json.RawMessage
	if err := a.query(ctx, "OVERVIEW", url.Values{"symbol": {ticker}}, &overview); err != nil {
		return nil, err
	}
	if err := checkAVThrottle(overview); err != nil {
		return nil, err
	}
	if len(overview) == 0 || string(overview["Symbol"]) == `""` || overview["Symbol"] == nil {
		return nil, apperrors.ErrTickerNotFound
	}

	metrics := Metrics{Source: SourceAlphaVantage}
	metrics.Name = avString(overview, "Name")
	metrics.Sector = avString(overview, "Sector")
	metrics.Industry = avString(overview, "Industry")
	metrics.MarketCap = avFloat(overview, "MarketCapitalization")
	metrics.PERatio = avFloat(overview, "PERatio")
	metrics.ForwardPE = avFloat(overview, "ForwardPE")
	metrics.EPS = avFloat(overview, "EPS")
	metrics.DividendRate = avFloat(overview, "DividendPerShare")
	metrics.DividendYield = avFloat(overview, "DividendYield")
	metrics.Beta = avFloat(overview, "Beta")
	metrics.FiftyTwoWeekLow = avFloat(overview, "52WeekLow")
	metrics.FiftyTwoWeekHigh = avFloat(overview, "52WeekHigh")

	if metrics.PopulatedFields() == 0 {
		return nil, apperrors.ErrTickerNotFound
	}

	if a.debug {
		a.logger.Debug().Str("ticker", ticker).Int("fields", metrics.PopulatedFields()).Msg("overview fetched")
	}

	a.cache.Set(cacheKey, metrics)
	return &metrics, nil
}

// HistoricalPrices fetches TIME_SERIES_DAILY bars for [start, end].
func (a *AlphaVantage) HistoricalPrices(ctx context.Context, ticker string, start, end time.Time) ([]HistoryBar, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !SuitableSymbol(ticker) {
		return nil, apperrors.ErrTickerNotFound
	}

	cacheKey := fmt.Sprintf("alphavantage:history:%s:%s:%s",
		ticker, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if v, ok := a.cache.Get(cacheKey, TTLHistoricalPrices); ok {
		return v.([]HistoryBar), nil
	}

	var resp struct {
		Note        string                       `json:"Note"`
		Information string                       `json:"Information"`
		Series      map[string]map[string]string `json:"Time Series (Daily)"`
	}
	params := url.Values{"symbol": {ticker}, "outputsize": {"full"}}
	if err := a.query(ctx, "TIME_SERIES_DAILY", params, &resp); err != nil {
		return nil, err
	}
	if resp.Note != "" || resp.Information != "" {
		return nil, apperrors.ErrRateLimited
	}
	if len(resp.Series) == 0 {
		return nil, apperrors.ErrTickerNotFound
	}

	bars := make([]HistoryBar, 0, len(resp.Series))
	for dateStr, fields := range resp.Series {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		closePrice, err := strconv.ParseFloat(fields["4. close"], 64)
		if err != nil || closePrice <= 0 {
			continue
		}
		bar := HistoryBar{
			Date:   date.UTC(),
			Close:  closePrice,
			Source: SourceAlphaVantage,
		}
		if v, err := strconv.ParseFloat(fields["1. open"], 64); err == nil {
			bar.Open = &v
		}
		if v, err := strconv.ParseFloat(fields["2. high"], 64); err == nil {
			bar.High = &v
		}
		if v, err := strconv.ParseFloat(fields["3. low"], 64); err == nil {
			bar.Low = &v
		}
		if v, err := strconv.ParseInt(fields["5. volume"], 10, 64); err == nil {
			bar.Volume = &v
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })

	a.cache.Set(cacheKey, bars)
	return bars, nil
}

// BatchHistoricalPrices fetches history ticker by ticker.
func (a *AlphaVantage) BatchHistoricalPrices(ctx context.Context, tickers []string, start, end time.Time) (map[string][]HistoryBar, error) {
	results := make(map[string][]HistoryBar, len(tickers))
	for _, t := range tickers {
		bars, err := a.HistoricalPrices(ctx, t, start, end)
		if err != nil {
			continue
		}
		results[t] = bars
	}
	return results, nil
}

// ListingStatus fetches the LISTING_STATUS CSV universe dump: every active
// symbol with exchange, asset type and IPO date.
func (a *AlphaVantage) ListingStatus(ctx context.Context) ([]ListingRow, error) {
	if err := a.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer a.limiter.Release()

	params := url.Values{}
	params.Set("function", "LISTING_STATUS")
	params.Set("apikey", a.apiKey)

	rows, err := a.http.GetCSV(ctx, a.baseURL, params)
	if err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}

	// Header: symbol,name,exchange,assetType,ipoDate,delistingDate,status
	listings := make([]ListingRow, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < 5 || row[0] == "" {
			continue
		}
		listing := ListingRow{
			Symbol:    strings.ToUpper(strings.TrimSpace(row[0])),
			Name:      row[1],
			Exchange:  row[2],
			AssetType: row[3],
		}
		if ipo, err := time.Parse("2006-01-02", row[4]); err == nil {
			listing.IPODate = &ipo
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func (a *AlphaVantage) query(ctx context.Context, function string, params url.Values, v any) error {
	if err := a.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer a.limiter.Release()

	params.Set("function", function)
	params.Set("apikey", a.apiKey)
	return a.http.GetJSON(ctx, a.baseURL, params, v)
}

// checkAVThrottle detects AlphaVantage's in-band throttling messages, which
// arrive as a 200 with a "Note" or "Information" body.
func checkAVThrottle(doc map[string]json.RawMessage) error {
	if _, ok := doc["Note"]; ok {
		return apperrors.ErrRateLimited
	}
	if _, ok := doc["Information"]; ok {
		return apperrors.ErrRateLimited
	}
	return nil
}

func avString(doc map[string]json.RawMessage, key string) *string {
	raw, ok := doc[key]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	if s == "" || s == "None" || s == "-" {
		return nil
	}
	return &s
}

func avFloat(doc map[string]json.RawMessage, key string) *float64 {
	s := avString(doc, key)
	if s == nil {
		return nil
	}
	f, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return nil
	}
	return &f
}
