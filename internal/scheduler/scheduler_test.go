package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/config"
	"github.com/finbase/marketsync/internal/model"
	"github.com/finbase/marketsync/internal/repository"
	"github.com/finbase/marketsync/internal/service"
	"github.com/finbase/marketsync/internal/testutil"
)

func newTestScheduler(t *testing.T, locks *service.LockService) *Scheduler {
	t.Helper()
	s, err := New(config.SchedulerConfig{}, nil, nil, locks, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	return s
}

func TestMarketOpenWindow(t *testing.T) {
	s := newTestScheduler(t, nil)
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("Failed to load timezone: %v", err)
	}

	// 2026-03-02 is a Monday, 2026-03-07 a Saturday.
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"monday mid-session", time.Date(2026, 3, 2, 10, 0, 0, 0, eastern), true},
		{"monday before open", time.Date(2026, 3, 2, 9, 29, 0, 0, eastern), false},
		{"monday at open", time.Date(2026, 3, 2, 9, 30, 0, 0, eastern), true},
		{"monday inside close grace", time.Date(2026, 3, 2, 16, 29, 0, 0, eastern), true},
		{"monday after grace", time.Date(2026, 3, 2, 16, 30, 0, 0, eastern), false},
		{"saturday", time.Date(2026, 3, 7, 12, 0, 0, 0, eastern), false},
		{"sunday", time.Date(2026, 3, 8, 12, 0, 0, 0, eastern), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.MarketOpen(tc.t); got != tc.want {
				t.Errorf("MarketOpen(%v) = %v, want %v", tc.t, got, tc.want)
			}
		})
	}
}

func TestMarketOpenConvertsToEastern(t *testing.T) {
	s := newTestScheduler(t, nil)

	// 14:00 UTC on a March Monday is 09:00 Eastern, before the open.
	beforeOpen := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if s.MarketOpen(beforeOpen) {
		t.Error("Expected 09:00 Eastern closed")
	}
	// 15:00 UTC is 10:00 Eastern, mid-session.
	midSession := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	if !s.MarketOpen(midSession) {
		t.Error("Expected 10:00 Eastern open")
	}
}

func TestCronSpec(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"06:00", "0 6 * * *", false},
		{"23:59", "59 23 * * *", false},
		{"00:00", "0 0 * * *", false},
		{"6", "", true},
		{"24:00", "", true},
		{"06:60", "", true},
		{"ab:cd", "", true},
	}
	for _, tc := range tests {
		got, err := cronSpec(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("cronSpec(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("cronSpec(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("cronSpec(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPriceUpdateSkippedOutsideMarketHours(t *testing.T) {
	db := testutil.SetupTestDB(t)
	tracking := repository.NewUpdateTrackingRepository(db)
	locks := service.NewLockService(tracking, zerolog.Nop())

	s := newTestScheduler(t, locks)
	s.now = func() time.Time { return time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC) } // Sunday

	s.runPriceUpdate(context.Background())

	history, err := tracking.GetHistory(model.UpdateTypePrice, 5)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(history) != 1 || history[0].Outcome != "skipped" {
		t.Fatalf("Expected one skipped attempt logged, got %+v", history)
	}
}
