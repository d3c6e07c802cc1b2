package gateway

import (
	"context"
	"testing"
)

func TestContextWithRequestID_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		id   string
	}{
		{name: "non-empty", id: "req-abc-123"},
		{name: "empty string", id: ""},
		{name: "uuid-like", id: "018f1b2c-3d4e-7a5b-8c9d-0e1f2a3b4c5d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := ContextWithRequestID(context.Background(), tt.id)
			got := RequestIDFromContext(ctx)
			if got != tt.id {
				t.Errorf("RequestIDFromContext = %q, want %q", got, tt.id)
			}
		})
	}

	t.Run("missing from context", func(t *testing.T) {
		t.Parallel()
		got := RequestIDFromContext(context.Background())
		if got != "" {
			t.Errorf("RequestIDFromContext on bare ctx = %q, want empty", got)
		}
	})
}

func f64(v float64) *float64 { return &v }

func TestQuotaSnapshot_HasRemaining(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap QuotaSnapshot
		want bool
	}{
		{name: "no fields at all is available", snap: QuotaSnapshot{}, want: true},
		{name: "remaining positive", snap: QuotaSnapshot{Remaining: f64(1)}, want: true},
		{name: "remaining zero", snap: QuotaSnapshot{Remaining: f64(0)}, want: false},
		{
			name: "today used less than added",
			snap: QuotaSnapshot{TodayUsed: f64(1), TodayAdded: f64(2)},
			want: true,
		},
		{
			name: "today used equals added",
			snap: QuotaSnapshot{TodayUsed: f64(2), TodayAdded: f64(2)},
			want: false,
		},
		{
			name: "daily budget exhausted closes regardless of remaining",
			snap: QuotaSnapshot{
				DailySpentUSD:  f64(120),
				DailyBudgetUSD: f64(120),
				Remaining:      f64(999),
			},
			want: false,
		},
		{
			name: "daily budget not yet met",
			snap: QuotaSnapshot{DailySpentUSD: f64(10), DailyBudgetUSD: f64(120)},
			want: true,
		},
		{
			name: "zero budget treated as exhausted",
			snap: QuotaSnapshot{DailySpentUSD: f64(0), DailyBudgetUSD: f64(0)},
			want: false,
		},
		{
			name: "weekly budget exhausted",
			snap: QuotaSnapshot{WeeklySpentUSD: f64(50), WeeklyBudgetUSD: f64(50)},
			want: false,
		},
		{
			name: "monthly budget exhausted",
			snap: QuotaSnapshot{MonthlySpentUSD: f64(200), MonthlyBudgetUSD: f64(100)},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.snap.HasRemaining(); got != tt.want {
				t.Errorf("HasRemaining() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuotaSnapshot_ConfirmsAvailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		snap QuotaSnapshot
		want bool
	}{
		{name: "zero updated_at never confirms", snap: QuotaSnapshot{UpdatedAtUnixMs: 0, Remaining: f64(1)}, want: false},
		{name: "last_error present never confirms", snap: QuotaSnapshot{UpdatedAtUnixMs: 1, LastError: "boom", Remaining: f64(1)}, want: false},
		{name: "fresh, no error, remaining confirms", snap: QuotaSnapshot{UpdatedAtUnixMs: 1, Remaining: f64(1)}, want: true},
		{name: "fresh but exhausted does not confirm", snap: QuotaSnapshot{UpdatedAtUnixMs: 1, Remaining: f64(0)}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.snap.ConfirmsAvailable(); got != tt.want {
				t.Errorf("ConfirmsAvailable() = %v, want %v", got, tt.want)
			}
		})
	}
}
