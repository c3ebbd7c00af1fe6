package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
)

const (
	yahooChartBaseURL    = "https://query1.finance.yahoo.com/v8/finance/chart"
	yahooChartBatchSize  = 10
	yahooChartBatchPause = 1 * time.Second
)

// chartResponse maps the Yahoo Finance v8 chart API response. Price arrays
// carry nullable entries; a nil close means no trade was recorded for that
// slot.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency string `json:"currency"`
				Symbol   string `json:"symbol"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// YahooChart is the adapter for Yahoo Finance's chart endpoint. It serves
// current prices (single and batch) and historical daily bars.
type YahooChart struct {
	http    *HTTPClient
	limiter *RateLimiter
	cache   *TTLCache
	logger  zerolog.Logger

	baseURL    string // overridable for tests
	batchSize  int
	batchPause time.Duration
	sleep      func(ctx context.Context, d time.Duration)
}

// NewYahooChart creates the Yahoo chart adapter.
func NewYahooChart(client *HTTPClient, logger zerolog.Logger) *YahooChart {
	return &YahooChart{
		http:       client,
		limiter:    NewRateLimiter(60, 4),
		cache:      NewTTLCache(),
		logger:     logger.With().Str("source", SourceYahooChart).Logger(),
		baseURL:    yahooChartBaseURL,
		batchSize:  yahooChartBatchSize,
		batchPause: yahooChartBatchPause,
		sleep:      sleepCtx,
	}
}

// Name returns the symbolic source name.
func (y *YahooChart) Name() string { return SourceYahooChart }

// DailyCallLimit reports no daily quota for the chart endpoint.
func (y *YahooChart) DailyCallLimit() (int, bool) { return 0, false }

// CurrentPrice returns the latest quote for one ticker.
func (y *YahooChart) CurrentPrice(ctx context.Context, ticker string) (*PriceQuote, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	cacheKey := "yahoo_chart:price:" + ticker
	if v, ok := y.cache.Get(cacheKey, TTLCurrentPrice); ok {
		quote := v.(PriceQuote)
		return &quote, nil
	}

	quotes, err := y.fetchChart(ctx, []string{ticker}, nil, nil)
	if err != nil {
		return nil, err
	}
	quote, ok := quotes[ticker]
	if !ok {
		return nil, apperrors.ErrTickerNotFound
	}
	y.cache.Set(cacheKey, quote)
	return &quote, nil
}

// BatchPrices returns quotes for as many tickers as the chart endpoint can
// serve. Tickers are requested in batches; a failed batch falls back to
// per-ticker calls. A ticker absent from a successful response yields no
// entry and no error: missing data is not a provider outage.
func (y *YahooChart) BatchPrices(ctx context.Context, tickers []string) (map[string]PriceQuote, error) {
	results := make(map[string]PriceQuote, len(tickers))

	for i := 0; i < len(tickers); i += y.batchSize {
		end := i + y.batchSize
		if end > len(tickers) {
			end = len(tickers)
		}
		batch := tickers[i:end]

		if i > 0 {
			y.sleep(ctx, y.batchPause)
		}

		quotes, err := y.fetchChart(ctx, batch, nil, nil)
		if err != nil {
			y.logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("batch chart request failed, falling back to per-ticker")
			for _, t := range batch {
				quote, perr := y.CurrentPrice(ctx, t)
				if perr != nil {
					continue
				}
				results[t] = *quote
			}
			continue
		}
		for t, q := range quotes {
			results[t] = q
		}
	}

	return results, nil
}

// CompanyMetrics is not served by the chart endpoint.
func (y *YahooChart) CompanyMetrics(_ context.Context, _ string) (*Metrics, error) {
	return nil, ErrUnsupportedOperation
}

// HistoricalPrices returns daily bars for [start, end], oldest first.
func (y *YahooChart) HistoricalPrices(ctx context.Context, ticker string, start, end time.Time) ([]HistoryBar, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	cacheKey := fmt.Sprintf("yahoo_chart:history:%s:%d:%d", ticker, start.Unix(), end.Unix())
	if v, ok := y.cache.Get(cacheKey, TTLHistoricalPrices); ok {
		return v.([]HistoryBar), nil
	}

	resp, err := y.query(ctx, []string{ticker}, &start, &end)
	if err != nil {
		return nil, err
	}
	if len(resp.Chart.Result) == 0 {
		return nil, apperrors.ErrTickerNotFound
	}

	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, apperrors.ErrTickerNotFound
	}
	quote := result.Indicators.Quote[0]

	bars := make([]HistoryBar, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(quote.Close) || quote.Close[i] == nil || *quote.Close[i] <= 0 {
			continue
		}
		when := time.Unix(ts, 0).UTC()
		bar := HistoryBar{
			Date:           when.Truncate(24 * time.Hour),
			Close:          *quote.Close[i],
			PriceTimestamp: &when,
			Source:         SourceYahooChart,
		}
		if i < len(quote.Open) {
			bar.Open = quote.Open[i]
		}
		if i < len(quote.High) {
			bar.High = quote.High[i]
		}
		if i < len(quote.Low) {
			bar.Low = quote.Low[i]
		}
		if i < len(quote.Volume) {
			bar.Volume = quote.Volume[i]
		}
		bars = append(bars, bar)
	}

	y.cache.Set(cacheKey, bars)
	return bars, nil
}

// BatchHistoricalPrices fetches history ticker by ticker; the chart endpoint
// does not support multi-symbol range queries.
func (y *YahooChart) BatchHistoricalPrices(ctx context.Context, tickers []string, start, end time.Time) (map[string][]HistoryBar, error) {
	results := make(map[string][]HistoryBar, len(tickers))
	for _, t := range tickers {
		bars, err := y.HistoricalPrices(ctx, t, start, end)
		if err != nil {
			if errors.Is(err, apperrors.ErrTickerNotFound) {
				continue
			}
			return results, err
		}
		results[t] = bars
	}
	return results, nil
}

// fetchChart queries the chart endpoint for the given symbols and extracts
// one quote per returned result, using the last finite close entry. Results
// without a close yield no entry.
func (y *YahooChart) fetchChart(ctx context.Context, tickers []string, start, end *time.Time) (map[string]PriceQuote, error) {
	resp, err := y.query(ctx, tickers, start, end)
	if err != nil {
		return nil, err
	}

	quotes := make(map[string]PriceQuote, len(resp.Chart.Result))
	for _, result := range resp.Chart.Result {
		symbol := strings.ToUpper(result.Meta.Symbol)
		if len(result.Timestamp) == 0 || len(result.Indicators.Quote) == 0 {
			continue
		}
		quote := result.Indicators.Quote[0]

		// Walk back to the last entry with a finite close.
		idx := -1
		for i := len(quote.Close) - 1; i >= 0; i-- {
			if quote.Close[i] != nil && *quote.Close[i] > 0 {
				idx = i
				break
			}
		}
		if idx < 0 || idx >= len(result.Timestamp) {
			continue
		}

		pq := PriceQuote{
			Ticker:    symbol,
			Price:     *quote.Close[idx],
			Timestamp: time.Unix(result.Timestamp[idx], 0).UTC(),
			Source:    SourceYahooChart,
		}
		if idx < len(quote.Open) {
			pq.DayOpen = quote.Open[idx]
		}
		if idx < len(quote.High) {
			pq.DayHigh = quote.High[idx]
		}
		if idx < len(quote.Low) {
			pq.DayLow = quote.Low[idx]
		}
		if idx < len(quote.Volume) {
			pq.Volume = quote.Volume[idx]
		}
		quotes[symbol] = pq
	}

	return quotes, nil
}

func (y *YahooChart) query(ctx context.Context, tickers []string, start, end *time.Time) (*chartResponse, error) {
	if err := y.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer y.limiter.Release()

	params := url.Values{}
	params.Set("interval", "1d")
	if start != nil && end != nil {
		params.Set("period1", fmt.Sprintf("%d", start.Unix()))
		params.Set("period2", fmt.Sprintf("%d", end.Unix()))
	}

	endpoint := y.baseURL + "/" + strings.Join(tickers, ",")

	var resp chartResponse
	if err := y.http.GetJSON(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}
	if resp.Chart.Error != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrTickerNotFound, resp.Chart.Error.Description)
	}
	return &resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
