package trial

import (
	"testing"
	"time"
)

func TestEvaluateExpired(t *testing.T) {
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
	state := Evaluate(now.Add(-8*24*time.Hour), now, 7)

	if !state.Expired {
		t.Fatalf("expected expired trial")
	}
	if state.DaysRemaining != 0 {
		t.Fatalf("expected 0 days remaining, got %d", state.DaysRemaining)
	}
}

func TestEvaluateMidTrial(t *testing.T) {
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
	state := Evaluate(now.Add(-24*time.Hour), now, 7)

	if state.Expired {
		t.Fatalf("expected active trial")
	}
	if state.DaysRemaining != 6 {
		t.Fatalf("expected 6 days remaining, got %d", state.DaysRemaining)
	}
	if !state.ExpiresAt.Equal(now.Add(6 * 24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", state.ExpiresAt)
	}
}

func TestEvaluateExpiryBoundary(t *testing.T) {
	createdAt := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := createdAt.Add(7 * 24 * time.Hour)

	if state := Evaluate(createdAt, expiresAt.Add(-time.Second), 7); state.Expired {
		t.Fatalf("expected trial still active one second before expiry")
	}
	if state := Evaluate(createdAt, expiresAt, 7); !state.Expired {
		t.Fatalf("expected trial expired exactly at expiry")
	}
}

func TestEvaluatePartialDayRoundsUp(t *testing.T) {
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
	state := Evaluate(now.Add(-(6*24+12)*time.Hour), now, 7)

	if state.DaysRemaining != 1 {
		t.Fatalf("expected half a day to count as 1 remaining, got %d", state.DaysRemaining)
	}
}

func TestEvaluateRespectsConfiguredLength(t *testing.T) {
	now := time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC)
	state := Evaluate(now.Add(-10*24*time.Hour), now, 14)

	if state.Expired {
		t.Fatalf("expected 14-day trial still active after 10 days")
	}
	if state.DaysRemaining != 4 {
		t.Fatalf("expected 4 days remaining, got %d", state.DaysRemaining)
	}
}
