package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func values(c *CronExpr, field int) []int {
	var vals []int
	for v := 0; v < 64; v++ {
		if c.has(field, v) {
			vals = append(vals, v)
		}
	}
	return vals
}

func TestParseCronFields(t *testing.T) {
	tests := []struct {
		expr  string
		field int
		want  []int
	}{
		{"*/15 4 1-5 * 1,3", fieldMinute, []int{0, 15, 30, 45}},
		{"*/15 4 1-5 * 1,3", fieldHour, []int{4}},
		{"*/15 4 1-5 * 1,3", fieldDay, []int{1, 2, 3, 4, 5}},
		{"*/15 4 1-5 * 1,3", fieldWeekday, []int{1, 3}},
		{"5/20 * * * *", fieldMinute, []int{5, 25, 45}},
		{"0 8-18/4 * * *", fieldHour, []int{8, 12, 16}},
		{"0 0 * 1,6-7,12 *", fieldMonth, []int{1, 6, 7, 12}},
		{"0 0 * * 5-7", fieldWeekday, []int{0, 5, 6}},
	}
	for _, tt := range tests {
		c, err := ParseCron(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, values(c, tt.field), tt.expr)
	}

	all, err := ParseCron("* * * * *")
	require.NoError(t, err)
	assert.Len(t, values(all, fieldMonth), 12)
	assert.Len(t, values(all, fieldWeekday), 7)
}

func TestParseCronRejects(t *testing.T) {
	tests := []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"*/0 * * * *",
		"5-70 * * * *",
		"10-5 * * * *",
		"a * * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"1,,2 * * * *",
		"-5 * * * *",
		"5/x * * * *",
	}
	for _, expr := range tests {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestMatches(t *testing.T) {
	c, err := ParseCron("30 4 * * *")
	require.NoError(t, err)
	assert.True(t, c.Matches(time.Date(2026, 3, 2, 4, 30, 59, 0, time.UTC)))
	assert.False(t, c.Matches(time.Date(2026, 3, 2, 4, 31, 0, 0, time.UTC)))
}

func TestNext(t *testing.T) {
	c, err := ParseCron("0 6 * * 1")
	require.NoError(t, err)

	// Sunday 2026-03-01 12:00 -> Monday 06:00.
	next := c.Next(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), next)

	// Hours are skipped without touching every minute in between.
	hourly, err := ParseCron("45 */6 * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 45, 0, 0, time.UTC), hourly.Next(time.Date(2026, 3, 1, 7, 10, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 3, 2, 0, 45, 0, 0, time.UTC), hourly.Next(time.Date(2026, 3, 1, 18, 45, 0, 0, time.UTC)))

	sunday, err := ParseCron("0 3 * * 7")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC), sunday.Next(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))

	never, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	assert.True(t, never.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)).IsZero())
}
