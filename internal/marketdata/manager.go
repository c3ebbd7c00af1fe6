package marketdata

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
)

// reliabilityAlpha is the EWMA weight applied to new samples of the
// per-(ticker, source) success rate.
const reliabilityAlpha = 0.3

// Usage is the per-source accounting record. Calls resets at day boundary.
type Usage struct {
	Calls      int
	LastReset  time.Time
	Successes  int
	Failures   int
	DailyLimit int
	HasLimit   bool
}

// SuccessRate returns the lifetime success ratio for the source.
func (u Usage) SuccessRate() float64 {
	total := u.Successes + u.Failures
	if total == 0 {
		return 1.0
	}
	return float64(u.Successes) / float64(total)
}

type registeredSource struct {
	name   string
	source Source
	usage  Usage
}

// Manager routes market-data requests across the registered sources. For
// each request it orders candidates by per-(ticker, source) reliability,
// skips sources that exhausted their daily quota (unless every source did),
// and falls back source by source until the request is served.
type Manager struct {
	mu      sync.Mutex
	sources map[string]*registeredSource
	prefs   map[DataType][]string
	scores  map[string]float64 // "ticker|source" → EWMA success rate
	now     func() time.Time
	logger  zerolog.Logger
}

// NewManager creates a manager with the default preference lists. Sources
// are added with Register; preference entries whose source is not
// registered are ignored, so a disabled adapter simply drops out of its
// chains.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		sources: make(map[string]*registeredSource),
		prefs: map[DataType][]string{
			DataCurrentPrice:     {SourcePolygon, SourceYahooChart},
			DataBatchPrices:      {SourcePolygon, SourceYahooChart},
			DataCompanyMetrics:   {SourceYahooSummary, SourceAlphaVantage},
			DataHistoricalPrices: {SourceYahooChart, SourceAlphaVantage},
		},
		scores: make(map[string]float64),
		now:    time.Now,
		logger: logger.With().Str("component", "marketdata_manager").Logger(),
	}
}

// Register adds a source to the registry with a fresh usage record.
func (m *Manager) Register(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usage := Usage{LastReset: m.now()}
	if limit, ok := src.DailyCallLimit(); ok {
		usage.DailyLimit = limit
		usage.HasLimit = true
	}
	m.sources[src.Name()] = &registeredSource{name: src.Name(), source: src, usage: usage}
}

// SetPreference overrides the default source order for one data type.
func (m *Manager) SetPreference(dataType DataType, order []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[dataType] = order
}

// SourceNames returns the registered source names for the given data type,
// in default preference order.
func (m *Manager) SourceNames(dataType DataType) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for _, name := range m.prefs[dataType] {
		if _, ok := m.sources[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// SourceUsage returns a copy of the usage record for one source.
func (m *Manager) SourceUsage(name string) (Usage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.sources[name]
	if !ok {
		return Usage{}, false
	}
	return reg.usage, true
}

// Score returns the reliability score for a (ticker, source) pair.
// Unobserved pairs start at 1.0.
func (m *Manager) Score(ticker, source string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoreLocked(ticker, source)
}

func (m *Manager) scoreLocked(ticker, source string) float64 {
	if score, ok := m.scores[ticker+"|"+source]; ok {
		return score
	}
	return 1.0
}

// RecordResult folds one success/failure sample into the (ticker, source)
// EWMA and the source's usage counters.
func (m *Manager) RecordResult(ticker, source string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample := 0.0
	if success {
		sample = 1.0
	}
	key := ticker + "|" + source
	m.scores[key] = (1-reliabilityAlpha)*m.scoreLocked(ticker, source) + reliabilityAlpha*sample

	if reg, ok := m.sources[source]; ok {
		if success {
			reg.usage.Successes++
		} else {
			reg.usage.Failures++
		}
	}
}

// candidates computes the source list for a request: the preference list
// for the data type, reordered by reliability score (descending, ties
// broken by default preference order), with quota-exhausted sources pushed
// out unless every candidate is exhausted.
func (m *Manager) candidates(dataType DataType, ticker string) []*registeredSource {
	m.mu.Lock()
	defer m.mu.Unlock()

	type ranked struct {
		reg      *registeredSource
		score    float64
		prefRank int
	}

	var all []ranked
	for rank, name := range m.prefs[dataType] {
		reg, ok := m.sources[name]
		if !ok {
			continue
		}
		m.rollUsageLocked(reg)
		all = append(all, ranked{reg: reg, score: m.scoreLocked(ticker, name), prefRank: rank})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].prefRank < all[j].prefRank
	})

	var open, gated []*registeredSource
	for _, r := range all {
		if r.reg.usage.HasLimit && r.reg.usage.Calls >= r.reg.usage.DailyLimit {
			gated = append(gated, r.reg)
			continue
		}
		open = append(open, r.reg)
	}
	if len(open) == 0 {
		// Degrade rather than drop: when every source is over quota, use
		// them anyway.
		return gated
	}
	return open
}

// rollUsageLocked resets the call counter at the day boundary.
func (m *Manager) rollUsageLocked(reg *registeredSource) {
	now := m.now()
	if reg.usage.LastReset.YearDay() != now.YearDay() || reg.usage.LastReset.Year() != now.Year() {
		reg.usage.Calls = 0
		reg.usage.LastReset = now
	}
}

func (m *Manager) debitCall(reg *registeredSource) {
	m.mu.Lock()
	reg.usage.Calls++
	m.mu.Unlock()
}

// SourceBatchPrices issues a batch price request against one named source,
// debiting its usage and recording per-ticker outcomes. The updater uses it
// to drive its per-source queues directly.
func (m *Manager) SourceBatchPrices(ctx context.Context, name string, tickers []string) (map[string]PriceQuote, error) {
	m.mu.Lock()
	reg, ok := m.sources[name]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.ErrNoSources
	}

	m.debitCall(reg)
	quotes, err := reg.source.BatchPrices(ctx, tickers)
	if err != nil {
		for _, t := range tickers {
			m.RecordResult(t, name, false)
		}
		return nil, err
	}
	for _, t := range tickers {
		// Absence from a batch answer is not a technical failure, so only
		// served tickers feed the reliability score.
		if _, served := quotes[t]; served {
			m.RecordResult(t, name, true)
		}
	}
	return quotes, nil
}

// HasSource reports whether a source name is registered.
func (m *Manager) HasSource(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sources[name]
	return ok
}

// CurrentPrice returns the first non-empty quote across the candidate
// chain. An authoritative not-found moves to the next source without
// degrading reliability.
func (m *Manager) CurrentPrice(ctx context.Context, ticker string) (*PriceQuote, error) {
	candidates := m.candidates(DataCurrentPrice, ticker)
	if len(candidates) == 0 {
		return nil, apperrors.ErrNoSources
	}

	var lastErr error
	notFound := false
	for _, reg := range candidates {
		m.debitCall(reg)
		quote, err := reg.source.CurrentPrice(ctx, ticker)
		switch {
		case err == nil && quote != nil:
			m.RecordResult(ticker, reg.name, true)
			return quote, nil
		case errors.Is(err, ErrUnsupportedOperation):
			continue
		case errors.Is(err, apperrors.ErrTickerNotFound):
			notFound = true
			continue
		default:
			m.RecordResult(ticker, reg.name, false)
			lastErr = err
		}
	}
	// A technical failure anywhere in the chain outranks not-found: absence
	// is only authoritative when every answering source agreed.
	if lastErr != nil {
		return nil, lastErr
	}
	if notFound {
		return nil, apperrors.ErrTickerNotFound
	}
	return nil, apperrors.ErrNoSources
}

// BatchPrices serves a batch request with the fallback waterfall: the first
// candidate gets the full set, each subsequent source only the tickers
// still missing, and any remainder is swept per ticker at the end. No
// ticker appears twice in the result.
func (m *Manager) BatchPrices(ctx context.Context, tickers []string) (map[string]PriceQuote, error) {
	results := make(map[string]PriceQuote, len(tickers))
	remaining := append([]string(nil), tickers...)

	for _, reg := range m.candidates(DataBatchPrices, "") {
		if len(remaining) == 0 {
			break
		}
		m.debitCall(reg)
		quotes, err := reg.source.BatchPrices(ctx, remaining)
		if err != nil {
			if errors.Is(err, ErrUnsupportedOperation) {
				continue
			}
			m.logger.Warn().Err(err).Str("source", reg.name).Int("tickers", len(remaining)).Msg("batch price request failed")
			for _, t := range remaining {
				m.RecordResult(t, reg.name, false)
			}
			continue
		}
		var next []string
		for _, t := range remaining {
			if quote, ok := quotes[t]; ok {
				results[t] = quote
				m.RecordResult(t, reg.name, true)
			} else {
				next = append(next, t)
			}
		}
		remaining = next
	}

	// Per-ticker sweep for whatever the batch waterfall left behind.
	for _, t := range remaining {
		quote, err := m.CurrentPrice(ctx, t)
		if err != nil {
			continue
		}
		results[t] = *quote
	}

	return results, nil
}

// CompanyMetrics returns metrics from the first source that has them.
func (m *Manager) CompanyMetrics(ctx context.Context, ticker string) (*Metrics, error) {
	candidates := m.candidates(DataCompanyMetrics, ticker)
	if len(candidates) == 0 {
		return nil, apperrors.ErrNoSources
	}

	var lastErr error
	notFound := false
	for _, reg := range candidates {
		m.debitCall(reg)
		metrics, err := reg.source.CompanyMetrics(ctx, ticker)
		switch {
		case err == nil && metrics != nil:
			m.RecordResult(ticker, reg.name, true)
			return metrics, nil
		case errors.Is(err, ErrUnsupportedOperation):
			continue
		case errors.Is(err, apperrors.ErrTickerNotFound):
			notFound = true
			continue
		default:
			m.RecordResult(ticker, reg.name, false)
			lastErr = err
		}
	}
	// Not-found is only authoritative when no source failed technically.
	if lastErr != nil {
		return nil, lastErr
	}
	if notFound {
		return nil, apperrors.ErrTickerNotFound
	}
	return nil, apperrors.ErrNoSources
}

// HistoricalPrices returns daily bars from the first source that has them.
func (m *Manager) HistoricalPrices(ctx context.Context, ticker string, start, end time.Time) ([]HistoryBar, error) {
	candidates := m.candidates(DataHistoricalPrices, ticker)
	if len(candidates) == 0 {
		return nil, apperrors.ErrNoSources
	}

	var lastErr error
	notFound := false
	for _, reg := range candidates {
		m.debitCall(reg)
		bars, err := reg.source.HistoricalPrices(ctx, ticker, start, end)
		switch {
		case err == nil && len(bars) > 0:
			m.RecordResult(ticker, reg.name, true)
			return bars, nil
		case err == nil:
			continue
		case errors.Is(err, ErrUnsupportedOperation):
			continue
		case errors.Is(err, apperrors.ErrTickerNotFound):
			notFound = true
			continue
		default:
			m.RecordResult(ticker, reg.name, false)
			lastErr = err
		}
	}
	// Not-found is only authoritative when no source failed technically.
	if lastErr != nil {
		return nil, lastErr
	}
	if notFound {
		return nil, apperrors.ErrTickerNotFound
	}
	return nil, apperrors.ErrNoSources
}

// BatchHistoricalPrices serves a batch history request with the same
// waterfall as BatchPrices.
func (m *Manager) BatchHistoricalPrices(ctx context.Context, tickers []string, start, end time.Time) (map[string][]HistoryBar, error) {
	results := make(map[string][]HistoryBar, len(tickers))
	remaining := append([]string(nil), tickers...)

	for _, reg := range m.candidates(DataHistoricalPrices, "") {
		if len(remaining) == 0 {
			break
		}
		m.debitCall(reg)
		byTicker, err := reg.source.BatchHistoricalPrices(ctx, remaining, start, end)
		if err != nil {
			if errors.Is(err, ErrUnsupportedOperation) {
				continue
			}
			for _, t := range remaining {
				m.RecordResult(t, reg.name, false)
			}
			continue
		}
		var next []string
		for _, t := range remaining {
			if bars, ok := byTicker[t]; ok && len(bars) > 0 {
				results[t] = bars
				m.RecordResult(t, reg.name, true)
			} else {
				next = append(next, t)
			}
		}
		remaining = next
	}

	for _, t := range remaining {
		bars, err := m.HistoricalPrices(ctx, t, start, end)
		if err != nil {
			continue
		}
		results[t] = bars
	}

	return results, nil
}
