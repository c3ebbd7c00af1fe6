package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/kvcache"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
)

// Event types written by the portfolio calculator.
const (
	EventPortfolioSnapshot = "portfolio_snapshot"
)

// performanceCacheTTL bounds how long a performance answer may be served
// from the external cache.
const performanceCacheTTL = 30 * time.Minute

// PortfolioService re-aggregates user holdings across all asset classes into
// account and user totals, snapshots them daily, and answers performance
// queries. It is the only writer of the derived account columns and of
// portfolio_history.
type PortfolioService struct {
	userRepo    *repository.UserRepository
	accountRepo *repository.AccountRepository
	historyRepo *repository.PortfolioHistoryRepository
	events      *EventService
	locks       *LockService
	cache       *kvcache.Cache
	logger      zerolog.Logger
	now         func() time.Time
}

// NewPortfolioService creates a new PortfolioService with the provided
// dependencies.
func NewPortfolioService(
	userRepo *repository.UserRepository,
	accountRepo *repository.AccountRepository,
	historyRepo *repository.PortfolioHistoryRepository,
	events *EventService,
	locks *LockService,
	cache *kvcache.Cache,
	logger zerolog.Logger,
) *PortfolioService {
	return &PortfolioService{
		userRepo:    userRepo,
		accountRepo: accountRepo,
		historyRepo: historyRepo,
		events:      events,
		locks:       locks,
		cache:       cache,
		logger:      logger.With().Str("component", "portfolio").Logger(),
		now:         time.Now,
	}
}

// AggregateAccount recomputes the totals of one account from its positions
// without writing anything.
//
// Valuation per asset class: securities use the latest stored price with the
// position's own price as fallback; crypto uses the position's current price
// with purchase price as fallback; metals are valued at purchase price until
// a spot-price source exists; real estate uses the estimated value with
// purchase price as fallback; cash counts at face value with zero gain.
func (s *PortfolioService) AggregateAccount(accountID int64) (model.AccountTotals, error) {
	totals := model.AccountTotals{AccountID: accountID}

	positions, livePrices, err := s.accountRepo.GetPositions(accountID)
	if err != nil {
		return totals, err
	}
	for _, p := range positions {
		price := p.Price
		if live := livePrices[p.Ticker]; live != nil && *live > 0 {
			price = *live
		}
		costBasis := price
		if p.CostBasis != nil {
			costBasis = *p.CostBasis
		}
		totals.Balance += p.Shares * price
		totals.CostBasis += p.Shares * costBasis
		totals.PositionsCount++
	}

	cryptos, err := s.accountRepo.GetCryptoPositions(accountID)
	if err != nil {
		return totals, err
	}
	for _, c := range cryptos {
		price := c.PurchasePrice
		if c.CurrentPrice != nil && *c.CurrentPrice > 0 {
			price = *c.CurrentPrice
		}
		totals.Balance += c.Quantity * price
		totals.CostBasis += c.Quantity * c.PurchasePrice
		totals.PositionsCount++
	}

	metals, err := s.accountRepo.GetMetalPositions(accountID)
	if err != nil {
		return totals, err
	}
	for _, m := range metals {
		perUnit := m.PurchasePrice
		if m.CurrentPricePerUnit != nil && *m.CurrentPricePerUnit > 0 {
			perUnit = *m.CurrentPricePerUnit
		}
		totals.Balance += m.Quantity * perUnit
		totals.CostBasis += m.Quantity * m.PurchasePrice
		totals.PositionsCount++
	}

	realEstates, err := s.accountRepo.GetRealEstatePositions(accountID)
	if err != nil {
		return totals, err
	}
	for _, re := range realEstates {
		value := re.PurchasePrice
		if re.EstimatedValue != nil && *re.EstimatedValue > 0 {
			value = *re.EstimatedValue
		}
		totals.Balance += value
		totals.CostBasis += re.PurchasePrice
		totals.PositionsCount++
	}

	cashes, err := s.accountRepo.GetCashPositions(accountID)
	if err != nil {
		return totals, err
	}
	for _, c := range cashes {
		totals.Balance += c.Amount
		totals.CostBasis += c.Amount
		totals.PositionsCount++
	}

	totals.GainLoss = totals.Balance - totals.CostBasis
	if totals.CostBasis != 0 {
		totals.GainLossPct = totals.GainLoss / totals.CostBasis * 100
	}
	return totals, nil
}

// CalculateUser recomputes and persists every account of one user, then
// returns the user-level totals.
func (s *PortfolioService) CalculateUser(ctx context.Context, userID string) (model.UserTotals, error) {
	userTotals, err := s.computeUser(ctx, userID, true)
	if err != nil {
		return model.UserTotals{}, err
	}
	return userTotals, nil
}

// computeUser aggregates every account of a user. When persist is true the
// derived account columns are written back.
func (s *PortfolioService) computeUser(ctx context.Context, userID string, persist bool) (model.UserTotals, error) {
	if _, err := s.userRepo.GetUser(userID); err != nil {
		return model.UserTotals{}, err
	}

	accountIDs, err := s.accountRepo.GetAccountIDsForUser(userID)
	if err != nil {
		return model.UserTotals{}, err
	}

	userTotals := model.UserTotals{UserID: userID, AccountsCount: len(accountIDs)}
	now := s.now()
	for _, accountID := range accountIDs {
		totals, err := s.AggregateAccount(accountID)
		if err != nil {
			return model.UserTotals{}, fmt.Errorf("failed to aggregate account %d: %w", accountID, err)
		}
		if persist {
			if err := s.accountRepo.UpdateTotals(ctx, totals, now); err != nil {
				return model.UserTotals{}, fmt.Errorf("failed to persist account %d totals: %w", accountID, err)
			}
		}
		userTotals.TotalValue += totals.Balance
		userTotals.CostBasis += totals.CostBasis
	}
	userTotals.GainLoss = userTotals.TotalValue - userTotals.CostBasis
	if userTotals.CostBasis != 0 {
		userTotals.GainLossPct = userTotals.GainLoss / userTotals.CostBasis * 100
	}
	return userTotals, nil
}

// CalculateAll recomputes every user's accounts and returns the per-user
// totals.
func (s *PortfolioService) CalculateAll(ctx context.Context) ([]model.UserTotals, error) {
	userIDs, err := s.userRepo.GetUserIDs()
	if err != nil {
		return nil, err
	}

	all := make([]model.UserTotals, 0, len(userIDs))
	for _, userID := range userIDs {
		totals, err := s.CalculateUser(ctx, userID)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to calculate user portfolio")
			continue
		}
		all = append(all, totals)
	}
	return all, nil
}

// SnapshotUser writes today's portfolio_history row for one user, upserting
// on (user_id, date).
func (s *PortfolioService) SnapshotUser(ctx context.Context, userID string) (model.PortfolioHistoryPoint, error) {
	totals, err := s.CalculateUser(ctx, userID)
	if err != nil {
		return model.PortfolioHistoryPoint{}, err
	}

	point := model.PortfolioHistoryPoint{
		UserID:        userID,
		Date:          s.now().UTC().Truncate(24 * time.Hour),
		TotalValue:    totals.TotalValue,
		CostBasis:     totals.CostBasis,
		GainLoss:      totals.GainLoss,
		GainLossPct:   totals.GainLossPct,
		AccountsCount: totals.AccountsCount,
	}
	if err := s.historyRepo.Upsert(ctx, point); err != nil {
		return model.PortfolioHistoryPoint{}, err
	}
	return point, nil
}

// SnapshotAll writes today's snapshot for every user. This is the scheduled
// job; it is journaled and serialized with the snapshot lock.
func (s *PortfolioService) SnapshotAll(ctx context.Context) (int, error) {
	acquired, err := s.locks.TryAcquire(ctx, model.UpdateTypeSnapshot)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, apperrors.ErrUpdateInProgress
	}

	eventID := s.events.StartEvent(ctx, EventPortfolioSnapshot, nil)

	userIDs, err := s.userRepo.GetUserIDs()
	if err != nil {
		s.events.FailEvent(ctx, eventID, nil, err.Error())
		if relErr := s.locks.Release(ctx, model.UpdateTypeSnapshot, false, err.Error()); relErr != nil {
			s.logger.Error().Err(relErr).Msg("failed to release snapshot lock")
		}
		return 0, err
	}

	written := 0
	for _, userID := range userIDs {
		if _, err := s.SnapshotUser(ctx, userID); err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to snapshot user")
			continue
		}
		written++
	}

	s.events.CompleteEvent(ctx, eventID, map[string]any{"users": len(userIDs), "snapshots": written})
	summary := fmt.Sprintf("snapshotted %d of %d users", written, len(userIDs))
	if err := s.locks.Release(ctx, model.UpdateTypeSnapshot, true, summary); err != nil {
		s.logger.Error().Err(err).Msg("failed to release snapshot lock")
	}

	if s.cache.Enabled() {
		s.cache.InvalidatePortfolios(ctx)
	}
	return written, nil
}

// Performance answers a read-only performance query for one user and a
// named lookback period. Answers are cached externally for 30 minutes.
func (s *PortfolioService) Performance(ctx context.Context, userID string, period model.PerformancePeriod) (model.PerformanceResult, error) {
	cacheKey := kvcache.PerformanceKey(userID, string(period))
	if cached, ok := s.cache.Get(ctx, cacheKey); ok {
		var result model.PerformanceResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return result, nil
		}
	}

	start, err := s.periodStart(period)
	if err != nil {
		return model.PerformanceResult{}, err
	}

	var series []model.PortfolioHistoryPoint
	if period == model.PeriodMax {
		series, err = s.historyRepo.GetAll(userID)
	} else {
		series, err = s.historyRepo.GetSince(userID, start)
	}
	if err != nil {
		return model.PerformanceResult{}, err
	}

	totals, err := s.computeUser(ctx, userID, false)
	if err != nil {
		return model.PerformanceResult{}, err
	}

	result := model.PerformanceResult{
		UserID:       userID,
		Period:       period,
		CurrentValue: totals.TotalValue,
		Series:       series,
	}
	if len(series) > 0 {
		result.StartValue = series[0].TotalValue
	}
	result.Change = result.CurrentValue - result.StartValue
	if result.StartValue != 0 {
		result.ChangePct = result.Change / result.StartValue * 100
	}

	if encoded, err := json.Marshal(result); err == nil {
		s.cache.Set(ctx, cacheKey, string(encoded), performanceCacheTTL)
	}
	return result, nil
}

// periodStart resolves a named period to its start date.
func (s *PortfolioService) periodStart(period model.PerformancePeriod) (time.Time, error) {
	today := s.now().UTC().Truncate(24 * time.Hour)
	switch period {
	case model.Period1W:
		return today.AddDate(0, 0, -7), nil
	case model.Period1M:
		return today.AddDate(0, -1, 0), nil
	case model.Period3M:
		return today.AddDate(0, -3, 0), nil
	case model.Period6M:
		return today.AddDate(0, -6, 0), nil
	case model.Period1Y:
		return today.AddDate(-1, 0, 0), nil
	case model.PeriodYTD:
		return time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), nil
	case model.PeriodMax:
		return time.Time{}, nil
	default:
		return time.Time{}, apperrors.ErrInvalidPeriod
	}
}
