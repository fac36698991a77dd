package timedim

import (
	"math/rand"
	"testing"
	"time"
)

func TestDerive_KnownTimestamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ms   int64
		want Row
	}{
		{
			// 2018-11-05T17:46:40Z, a Monday in ISO week 45.
			name: "scenario_timestamp",
			ms:   1541440000000,
			want: Row{Hour: 17, Day: 5, Week: 45, Month: 11, Year: 2018, Weekday: "Monday"},
		},
		{
			name: "epoch",
			ms:   0,
			want: Row{Hour: 0, Day: 1, Week: 1, Month: 1, Year: 1970, Weekday: "Thursday"},
		},
		{
			// Calendar year 2018 but ISO week 1 of 2019.
			name: "iso_week_wraps_forward",
			ms:   time.Date(2018, 12, 31, 23, 59, 59, 0, time.UTC).UnixMilli(),
			want: Row{Hour: 23, Day: 31, Week: 1, Month: 12, Year: 2018, Weekday: "Monday"},
		},
		{
			// Calendar year 2021 but ISO week 53 of 2020.
			name: "iso_week_wraps_backward",
			ms:   time.Date(2021, 1, 1, 6, 0, 0, 0, time.UTC).UnixMilli(),
			want: Row{Hour: 6, Day: 1, Week: 53, Month: 1, Year: 2021, Weekday: "Friday"},
		},
		{
			name: "leap_day",
			ms:   time.Date(2020, 2, 29, 12, 0, 0, 0, time.UTC).UnixMilli(),
			want: Row{Hour: 12, Day: 29, Week: 9, Month: 2, Year: 2020, Weekday: "Saturday"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Derive(tc.ms)
			got.StartTime = time.Time{}
			if got != tc.want {
				t.Fatalf("Derive(%d)=%+v, want %+v", tc.ms, got, tc.want)
			}
		})
	}
}

// TestDerive_MatchesCalendar cross-checks random instants against the time
// package's own calendar arithmetic, evaluated through a different path
// (Date/YearDay) than the one Derive uses.
func TestDerive_MatchesCalendar(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	lo := time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	hi := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	for i := 0; i < 5000; i++ {
		ms := lo + rng.Int63n(hi-lo)
		got := Derive(ms)

		ref := time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).In(time.UTC)
		y, m, d := ref.Date()
		if got.Year != y || got.Month != int(m) || got.Day != d {
			t.Fatalf("ms=%d date=%d-%d-%d, want %d-%d-%d", ms, got.Year, got.Month, got.Day, y, m, d)
		}
		if got.Weekday != ref.Weekday().String() {
			t.Fatalf("ms=%d weekday=%s, want %s", ms, got.Weekday, ref.Weekday())
		}
		if got.Hour < 0 || got.Hour > 23 || got.Week < 1 || got.Week > 53 {
			t.Fatalf("ms=%d out of range: %+v", ms, got)
		}
		if !got.StartTime.Equal(ref) {
			t.Fatalf("ms=%d start_time=%s, want %s", ms, got.StartTime, ref)
		}
		if again := Derive(ms); again != got {
			t.Fatalf("ms=%d Derive not deterministic: %+v vs %+v", ms, again, got)
		}
	}
}

func TestWeekdayIndex_MondayIsZero(t *testing.T) {
	t.Parallel()

	monday := Derive(1541440000000)
	if got := monday.WeekdayIndex(); got != 0 {
		t.Fatalf("WeekdayIndex(Monday)=%d, want 0", got)
	}
	sunday := Derive(time.Date(2018, 11, 11, 0, 0, 0, 0, time.UTC).UnixMilli())
	if got := sunday.WeekdayIndex(); got != 6 {
		t.Fatalf("WeekdayIndex(Sunday)=%d, want 6", got)
	}
}
