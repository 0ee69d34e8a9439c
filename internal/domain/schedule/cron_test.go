package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		timezone string
		wantErr  bool
	}{
		{name: "daily midnight", spec: "0 0 * * *"},
		{name: "two past midnight seoul", spec: "2 0 * * *", timezone: "Asia/Seoul"},
		{name: "every five minutes", spec: "*/5 * * * *"},
		{name: "empty spec", spec: "", wantErr: true},
		{name: "six fields rejected", spec: "0 0 0 * * *", wantErr: true},
		{name: "garbage", spec: "not a cron", wantErr: true},
		{name: "bad timezone", spec: "0 0 * * *", timezone: "Mars/Olympus", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCron(tt.spec, tt.timezone)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.spec, c.String())
		})
	}
}

func TestCronNextInTimezone(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	c, err := ParseCron("0 0 * * *", "Asia/Seoul")
	require.NoError(t, err)

	// 23:30 KST on Jan 1 -> next midnight is Jan 2 00:00 KST, which is
	// Jan 1 15:00 UTC.
	now := time.Date(2025, 1, 1, 23, 30, 0, 0, seoul)
	next := c.Next(now)

	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, seoul).Unix(), next.Unix())
	assert.Equal(t, time.Date(2025, 1, 1, 15, 0, 0, 0, time.UTC).Unix(), next.UTC().Unix())
}

func TestCronNextIsStrictlyAfter(t *testing.T) {
	c, err := ParseCron("0 0 * * *", "")
	require.NoError(t, err)

	exactly := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	next := c.Next(exactly)
	assert.True(t, next.After(exactly), "a slot boundary must schedule the following slot")
}

func TestLatestSlotSkipsMissedSlots(t *testing.T) {
	c, err := ParseCron("0 * * * *", "") // hourly
	require.NoError(t, err)

	from := time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC)

	t.Run("three missed hours yields only the latest", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 6, 10, 0, 0, time.UTC)
		slot, ok := c.LatestSlot(from, now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC).Unix(), slot.Unix())
	})

	t.Run("from after now yields nothing", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 2, 59, 0, 0, time.UTC)
		_, ok := c.LatestSlot(from, now)
		assert.False(t, ok)
	})

	t.Run("single due slot is returned as-is", func(t *testing.T) {
		now := time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC)
		slot, ok := c.LatestSlot(from, now)
		require.True(t, ok)
		assert.Equal(t, from.Unix(), slot.Unix())
	})
}
