package marketdata

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
)

const (
	yahooSummaryBaseURL = "https://query2.finance.yahoo.com/v10/finance/quoteSummary"
	yahooSummaryModules = "summaryProfile,summaryDetail,defaultKeyStatistics,assetProfile,price"

	// A summary answer with fewer populated fields than this is treated as
	// ticker-not-found rather than usable metrics.
	summaryMinFields = 4
)

// rawValue handles Yahoo's {"raw": X, "fmt": "..."} wrappers. A bare number
// is accepted too; anything else decodes as absent.
type rawValue struct {
	value *float64
}

func (r *rawValue) UnmarshalJSON(data []byte) error {
	var plain float64
	if err := json.Unmarshal(data, &plain); err == nil {
		r.value = &plain
		return nil
	}
	var wrapped struct {
		Raw *float64 `json:"raw"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		r.value = wrapped.Raw
	}
	// Unparseable values are absent, never zero.
	return nil
}

func (r rawValue) float() *float64 { return r.value }

func (r rawValue) int64() *int64 {
	if r.value == nil {
		return nil
	}
	v := int64(*r.value)
	return &v
}

type summaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			Price struct {
				ShortName          string   `json:"shortName"`
				LongName           string   `json:"longName"`
				RegularMarketPrice rawValue `json:"regularMarketPrice"`
				MarketCap          rawValue `json:"marketCap"`
			} `json:"price"`
			SummaryProfile struct {
				Sector   string `json:"sector"`
				Industry string `json:"industry"`
			} `json:"summaryProfile"`
			SummaryDetail struct {
				PreviousClose    rawValue `json:"previousClose"`
				Open             rawValue `json:"open"`
				DayHigh          rawValue `json:"dayHigh"`
				DayLow           rawValue `json:"dayLow"`
				Volume           rawValue `json:"volume"`
				AverageVolume    rawValue `json:"averageVolume"`
				FiftyTwoWeekLow  rawValue `json:"fiftyTwoWeekLow"`
				FiftyTwoWeekHigh rawValue `json:"fiftyTwoWeekHigh"`
				TrailingPE       rawValue `json:"trailingPE"`
				ForwardPE        rawValue `json:"forwardPE"`
				DividendRate     rawValue `json:"dividendRate"`
				DividendYield    rawValue `json:"dividendYield"`
				Beta             rawValue `json:"beta"`
			} `json:"summaryDetail"`
			DefaultKeyStatistics struct {
				TrailingEPS rawValue `json:"trailingEps"`
				ForwardEPS  rawValue `json:"forwardEps"`
			} `json:"defaultKeyStatistics"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteSummary"`
}

// YahooSummary is the adapter for Yahoo Finance's quoteSummary endpoint.
// It serves company metrics only.
type YahooSummary struct {
	http    *HTTPClient
	limiter *RateLimiter
	cache   *TTLCache
	logger  zerolog.Logger

	baseURL string // overridable for tests
}

// NewYahooSummary creates the Yahoo summary adapter.
func NewYahooSummary(client *HTTPClient, logger zerolog.Logger) *YahooSummary {
	return &YahooSummary{
		http:    client,
		limiter: NewRateLimiter(60, 4),
		cache:   NewTTLCache(),
		logger:  logger.With().Str("source", SourceYahooSummary).Logger(),
		baseURL: yahooSummaryBaseURL,
	}
}

// Name returns the symbolic source name.
func (y *YahooSummary) Name() string { return SourceYahooSummary }

// DailyCallLimit reports no daily quota for the summary endpoint.
func (y *YahooSummary) DailyCallLimit() (int, bool) { return 0, false }

// CurrentPrice is not served by the summary adapter.
func (y *YahooSummary) CurrentPrice(_ context.Context, _ string) (*PriceQuote, error) {
	return nil, ErrUnsupportedOperation
}

// BatchPrices is not served by the summary adapter.
func (y *YahooSummary) BatchPrices(_ context.Context, _ []string) (map[string]PriceQuote, error) {
	return nil, ErrUnsupportedOperation
}

// CompanyMetrics fetches the quoteSummary modules for one ticker and maps
// them into a Metrics record. The display name falls back shortName →
// longName → ticker. An answer with fewer than four populated fields is an
// authoritative not-found.
func (y *YahooSummary) CompanyMetrics(ctx context.Context, ticker string) (*Metrics, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	cacheKey := "yahoo_summary:metrics:" + ticker
	if v, ok := y.cache.Get(cacheKey, TTLCompanyMetrics); ok {
		m := v.(Metrics)
		return &m, nil
	}

	if err := y.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer y.limiter.Release()

	params := url.Values{}
	params.Set("modules", yahooSummaryModules)

	var resp summaryResponse
	if err := y.http.GetJSON(ctx, y.baseURL+"/"+ticker, params, &resp); err != nil {
		return nil, err
	}
	if resp.QuoteSummary.Error != nil || len(resp.QuoteSummary.Result) == 0 {
		return nil, apperrors.ErrTickerNotFound
	}

	result := resp.QuoteSummary.Result[0]

	name := result.Price.ShortName
	if name == "" {
		name = result.Price.LongName
	}
	if name == "" {
		name = ticker
	}

	metrics := Metrics{
		Name:             &name,
		MarketCap:        result.Price.MarketCap.float(),
		CurrentPrice:     result.Price.RegularMarketPrice.float(),
		PreviousClose:    result.SummaryDetail.PreviousClose.float(),
		DayOpen:          result.SummaryDetail.Open.float(),
		DayHigh:          result.SummaryDetail.DayHigh.float(),
		DayLow:           result.SummaryDetail.DayLow.float(),
		Volume:           result.SummaryDetail.Volume.int64(),
		AverageVolume:    result.SummaryDetail.AverageVolume.int64(),
		FiftyTwoWeekLow:  result.SummaryDetail.FiftyTwoWeekLow.float(),
		FiftyTwoWeekHigh: result.SummaryDetail.FiftyTwoWeekHigh.float(),
		PERatio:          result.SummaryDetail.TrailingPE.float(),
		ForwardPE:        result.SummaryDetail.ForwardPE.float(),
		EPS:              result.DefaultKeyStatistics.TrailingEPS.float(),
		ForwardEPS:       result.DefaultKeyStatistics.ForwardEPS.float(),
		DividendRate:     result.SummaryDetail.DividendRate.float(),
		DividendYield:    result.SummaryDetail.DividendYield.float(),
		Beta:             result.SummaryDetail.Beta.float(),
		Source:           SourceYahooSummary,
	}
	if result.SummaryProfile.Sector != "" {
		metrics.Sector = &result.SummaryProfile.Sector
	}
	if result.SummaryProfile.Industry != "" {
		metrics.Industry = &result.SummaryProfile.Industry
	}

	if metrics.PopulatedFields() < summaryMinFields {
		return nil, apperrors.ErrTickerNotFound
	}

	y.cache.Set(cacheKey, metrics)
	return &metrics, nil
}

// HistoricalPrices is not served by the summary adapter.
func (y *YahooSummary) HistoricalPrices(_ context.Context, _ string, _, _ time.Time) ([]HistoryBar, error) {
	return nil, ErrUnsupportedOperation
}

// BatchHistoricalPrices is not served by the summary adapter.
func (y *YahooSummary) BatchHistoricalPrices(_ context.Context, _ []string, _, _ time.Time) (map[string][]HistoryBar, error) {
	return nil, ErrUnsupportedOperation
}
