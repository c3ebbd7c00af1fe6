package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finbase/marketsync/internal/apperrors"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
	"github.com/finbase/marketsync/internal/testutil"
)

func TestGetPositionsJoinsLivePrices(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewAccountRepository(db)

	userID := testutil.CreateUser(t, db, "test@example.com")
	accountID := testutil.CreateAccount(t, db, userID, "Brokerage")
	testutil.CreateSecurity(t, db, "AAPL", testutil.SecurityOptions{CurrentPrice: testutil.Float(190.5), OnYFinance: true, Active: true})
	testutil.CreateSecurity(t, db, "STALE", testutil.SecurityOptions{OnYFinance: true, Active: true})
	testutil.CreatePosition(t, db, accountID, "AAPL", 10, 150.0, testutil.Float(1500))
	testutil.CreatePosition(t, db, accountID, "STALE", 5, 20.0, nil)

	positions, livePrices, err := repo.GetPositions(accountID)
	if err != nil {
		t.Fatalf("GetPositions failed: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("Expected 2 positions, got %d", len(positions))
	}
	if lp := livePrices["AAPL"]; lp == nil || *lp != 190.5 {
		t.Errorf("Expected live price 190.5 for AAPL, got %v", lp)
	}
	// A security row without a current price joins as nil.
	if lp := livePrices["STALE"]; lp != nil {
		t.Errorf("Expected nil live price for STALE, got %v", *lp)
	}
	if positions[0].Price != 150.0 {
		t.Errorf("Expected stored position price preserved, got %v", positions[0].Price)
	}
	if positions[0].CostBasis == nil || *positions[0].CostBasis != 1500 {
		t.Errorf("Expected cost basis 1500, got %v", positions[0].CostBasis)
	}
}

func TestUpdateTotals(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewAccountRepository(db)

	userID := testutil.CreateUser(t, db, "test@example.com")
	accountID := testutil.CreateAccount(t, db, userID, "Brokerage")

	totals := model.AccountTotals{
		AccountID:      accountID,
		Balance:        1905.0,
		CostBasis:      1500.0,
		GainLoss:       405.0,
		GainLossPct:    27.0,
		PositionsCount: 1,
	}
	if err := repo.UpdateTotals(context.Background(), totals, time.Now().UTC()); err != nil {
		t.Fatalf("UpdateTotals failed: %v", err)
	}

	account, err := repo.GetAccount(accountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if account.Balance != 1905.0 || account.CostBasis != 1500.0 {
		t.Errorf("Expected totals written, got %+v", account)
	}
	if account.PositionsCount != 1 {
		t.Errorf("Expected positions count 1, got %d", account.PositionsCount)
	}
	if account.UpdatedAt == nil {
		t.Error("Expected updated_at stamped")
	}

	totals.AccountID = 99999
	if err := repo.UpdateTotals(context.Background(), totals, time.Now()); !errors.Is(err, apperrors.ErrAccountNotFound) {
		t.Fatalf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetAccountIDsForUser(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewAccountRepository(db)

	alice := testutil.CreateUser(t, db, "alice@example.com")
	bob := testutil.CreateUser(t, db, "bob@example.com")
	a1 := testutil.CreateAccount(t, db, alice, "Brokerage")
	a2 := testutil.CreateAccount(t, db, alice, "Retirement")
	testutil.CreateAccount(t, db, bob, "Brokerage")

	ids, err := repo.GetAccountIDsForUser(alice)
	if err != nil {
		t.Fatalf("GetAccountIDsForUser failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != a1 || ids[1] != a2 {
		t.Errorf("Expected [%d %d], got %v", a1, a2, ids)
	}
}

func TestAlternativePositionReaders(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewAccountRepository(db)

	userID := testutil.CreateUser(t, db, "test@example.com")
	accountID := testutil.CreateAccount(t, db, userID, "Mixed")

	testutil.CreateCryptoPosition(t, db, accountID, "BTC", 0.5, 30000, testutil.Float(62000))
	testutil.CreateCashPosition(t, db, accountID, "Savings", 10000)
	testutil.CreateRealEstatePosition(t, db, accountID, "Condo", 250000, testutil.Float(310000))
	testutil.CreateMetalPosition(t, db, accountID, "gold", 2, 1800)

	crypto, err := repo.GetCryptoPositions(accountID)
	if err != nil {
		t.Fatalf("GetCryptoPositions failed: %v", err)
	}
	if len(crypto) != 1 || crypto[0].CurrentPrice == nil || *crypto[0].CurrentPrice != 62000 {
		t.Errorf("Unexpected crypto positions: %+v", crypto)
	}

	cash, err := repo.GetCashPositions(accountID)
	if err != nil {
		t.Fatalf("GetCashPositions failed: %v", err)
	}
	if len(cash) != 1 || cash[0].Amount != 10000 {
		t.Errorf("Unexpected cash positions: %+v", cash)
	}

	realEstate, err := repo.GetRealEstatePositions(accountID)
	if err != nil {
		t.Fatalf("GetRealEstatePositions failed: %v", err)
	}
	if len(realEstate) != 1 || realEstate[0].EstimatedValue == nil || *realEstate[0].EstimatedValue != 310000 {
		t.Errorf("Unexpected real estate positions: %+v", realEstate)
	}

	metals, err := repo.GetMetalPositions(accountID)
	if err != nil {
		t.Fatalf("GetMetalPositions failed: %v", err)
	}
	if len(metals) != 1 || metals[0].Quantity != 2 {
		t.Errorf("Unexpected metal positions: %+v", metals)
	}
}

func TestFindOrphanPositions(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewAccountRepository(db)

	userID := testutil.CreateUser(t, db, "test@example.com")
	accountID := testutil.CreateAccount(t, db, userID, "Brokerage")
	testutil.CreateActiveSecurity(t, db, "AAPL")
	testutil.CreatePosition(t, db, accountID, "AAPL", 10, 150, nil)
	orphanID := testutil.CreatePosition(t, db, accountID, "NOSEC", 5, 10, nil)

	orphans, err := repo.FindOrphanPositions()
	if err != nil {
		t.Fatalf("FindOrphanPositions failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != orphanID {
		t.Errorf("Expected [%d], got %v", orphanID, orphans)
	}
}

func TestFindInvalidPositions(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewAccountRepository(db)

	userID := testutil.CreateUser(t, db, "test@example.com")
	accountID := testutil.CreateAccount(t, db, userID, "Brokerage")
	testutil.CreateActiveSecurity(t, db, "AAPL")
	testutil.CreatePosition(t, db, accountID, "AAPL", 10, 150, nil)
	badID := testutil.CreatePosition(t, db, accountID, "AAPL", 0, 150, nil)

	invalid, err := repo.FindInvalidPositions(time.Now().UTC())
	if err != nil {
		t.Fatalf("FindInvalidPositions failed: %v", err)
	}
	if len(invalid) != 1 || invalid[0] != badID {
		t.Errorf("Expected [%d], got %v", badID, invalid)
	}
}

func TestGetHeldTickers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewAccountRepository(db)

	userID := testutil.CreateUser(t, db, "test@example.com")
	a1 := testutil.CreateAccount(t, db, userID, "One")
	a2 := testutil.CreateAccount(t, db, userID, "Two")
	testutil.CreateActiveSecurity(t, db, "AAPL")
	testutil.CreateActiveSecurity(t, db, "MSFT")
	testutil.CreatePosition(t, db, a1, "AAPL", 1, 1, nil)
	testutil.CreatePosition(t, db, a2, "AAPL", 2, 1, nil)
	testutil.CreatePosition(t, db, a2, "MSFT", 3, 1, nil)

	tickers, err := repo.GetHeldTickers()
	if err != nil {
		t.Fatalf("GetHeldTickers failed: %v", err)
	}
	if len(tickers) != 2 || tickers[0] != "AAPL" || tickers[1] != "MSFT" {
		t.Errorf("Expected distinct [AAPL MSFT], got %v", tickers)
	}
}
