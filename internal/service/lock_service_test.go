package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
	"github.com/finbase/marketsync/internal/testutil"
)

func TestLockServiceReleaseRecordsOutcome(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tracking := repository.NewUpdateTrackingRepository(db)
	locks := NewLockService(tracking, zerolog.Nop())
	ctx := context.Background()

	if locks.Owner() == "" {
		t.Fatal("Expected a non-empty lock owner identity")
	}

	acquired, err := locks.TryAcquire(ctx, model.UpdateTypePrice)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !acquired {
		t.Fatal("Expected the free lock acquired")
	}

	row, err := locks.Tracking(model.UpdateTypePrice)
	if err != nil {
		t.Fatalf("Tracking failed: %v", err)
	}
	if !row.InProgress || row.LockAcquiredBy == nil || *row.LockAcquiredBy != locks.Owner() {
		t.Errorf("Expected this process recorded as holder, got %+v", row)
	}

	if err := locks.Release(ctx, model.UpdateTypePrice, true, "updated 5 of 5"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	row, err = locks.Tracking(model.UpdateTypePrice)
	if err != nil {
		t.Fatalf("Tracking failed: %v", err)
	}
	if row.InProgress || row.SuccessCount != 1 || row.LastUpdated == nil {
		t.Errorf("Expected a recorded success, got %+v", row)
	}

	history, err := tracking.GetHistory(model.UpdateTypePrice, 5)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "success" {
		t.Errorf("Expected one success attempt logged, got %+v", history)
	}
}

func TestLockServiceFailureKeepsUpdateDue(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tracking := repository.NewUpdateTrackingRepository(db)
	locks := NewLockService(tracking, zerolog.Nop())
	ctx := context.Background()

	if _, err := locks.TryAcquire(ctx, model.UpdateTypePrice); err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if err := locks.Release(ctx, model.UpdateTypePrice, false, "provider outage"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	due, err := locks.IsUpdateDue(model.UpdateTypePrice)
	if err != nil {
		t.Fatalf("IsUpdateDue failed: %v", err)
	}
	if !due {
		t.Error("Expected the update still due after a failed run")
	}

	history, err := tracking.GetHistory(model.UpdateTypePrice, 5)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "failure" {
		t.Errorf("Expected one failure attempt logged, got %+v", history)
	}
}

func TestLockServiceLogSkipped(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tracking := repository.NewUpdateTrackingRepository(db)
	locks := NewLockService(tracking, zerolog.Nop())

	locks.LogSkipped(context.Background(), model.UpdateTypePrice)

	history, err := tracking.GetHistory(model.UpdateTypePrice, 5)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "skipped" {
		t.Errorf("Expected one skipped attempt logged, got %+v", history)
	}

	// Gated runs never touch the lock row itself.
	row, err := locks.Tracking(model.UpdateTypePrice)
	if err != nil {
		t.Fatalf("Tracking failed: %v", err)
	}
	if row.InProgress {
		t.Error("Expected the lock row untouched")
	}
}
