package holiday

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestStaticCalendar(t *testing.T) {
	s, err := NewStatic([]string{"2024-07-04"}, []string{"12-25"}, map[string][]string{"office": {"2024-08-01"}})
	require.NoError(t, err)
	ctx := context.Background()

	cases := []struct {
		date, ctx string
		want      bool
	}{
		{"2024-07-04", "home", true},
		{"2031-12-25", "home", true},
		{"2024-08-01", "office", true},
		{"2024-08-01", "home", false},
		{"2024-07-05", "home", false},
	}
	for _, tc := range cases {
		got, err := s.IsHoliday(ctx, day(tc.date), tc.ctx)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "%s/%s", tc.date, tc.ctx)
	}

	_, err = NewStatic([]string{"July 4"}, nil, nil)
	require.Error(t, err)
}

func TestRedisCacheMemoizes(t *testing.T) {
	mr := miniredis.RunT(t)
	var calls atomic.Int32
	next := CheckerFunc(func(_ context.Context, d time.Time, _ string) (bool, error) {
		calls.Add(1)
		return d.Weekday() == time.Saturday, nil
	})
	cache, err := NewRedisCache("redis://"+mr.Addr(), next, time.Hour)
	require.NoError(t, err)
	defer cache.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := cache.IsHoliday(ctx, day("2024-03-02"), "home")
		require.NoError(t, err)
		require.True(t, got)
	}
	require.EqualValues(t, 1, calls.Load())

	val, err := mr.Get("holiday:home:2024-03-02")
	require.NoError(t, err)
	require.Equal(t, "1", val)

	mr.FastForward(2 * time.Hour)
	_, err = cache.IsHoliday(ctx, day("2024-03-02"), "home")
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())

	require.NoError(t, cache.Invalidate(ctx, day("2024-03-02"), "home"))
	require.False(t, mr.Exists("holiday:home:2024-03-02"))
}

func TestRedisCacheFallsBackWhenDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache("redis://"+mr.Addr(), CheckerFunc(func(context.Context, time.Time, string) (bool, error) {
		return true, nil
	}), 0)
	require.NoError(t, err)
	defer cache.Close()
	mr.Close()

	got, err := cache.IsHoliday(context.Background(), day("2024-01-01"), "home")
	require.NoError(t, err)
	require.True(t, got)
}
