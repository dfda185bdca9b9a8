package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	orgs    map[string]string
	windows map[string][]Window
}

func (f *fakeStore) DeviceOrg(_ context.Context, deviceID string) (string, error) {
	org, ok := f.orgs[deviceID]
	if !ok {
		return "", errors.New("unknown device")
	}
	return org, nil
}

func (f *fakeStore) ListWindows(_ context.Context, orgID string) ([]Window, error) {
	return f.windows[orgID], nil
}

func TestWindow_OpenAt(t *testing.T) {
	w := Window{Schedule: "0 2 * * *", Duration: 2 * time.Hour, Enabled: true}

	tests := []struct {
		name string
		at   time.Time
		open bool
	}{
		{name: "before start", at: time.Date(2026, 3, 10, 1, 59, 0, 0, time.UTC), open: false},
		{name: "at start", at: time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), open: true},
		{name: "inside", at: time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC), open: true},
		{name: "at end", at: time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC), open: false},
		{name: "afternoon", at: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), open: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, open, err := w.OpenAt(tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.open, open)
			if open {
				assert.Equal(t, 2, start.UTC().Hour())
			}
		})
	}
}

func TestWindow_OpenAt_Timezone(t *testing.T) {
	w := Window{Schedule: "0 22 * * *", Duration: 3 * time.Hour, Timezone: "America/New_York"}

	// 23:00 New York in March (EDT, UTC-4) is 03:00 UTC the next day.
	_, open, err := w.OpenAt(time.Date(2026, 3, 20, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, open)

	_, open, err = w.OpenAt(time.Date(2026, 3, 20, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, open)
}

func TestWindow_Validate(t *testing.T) {
	assert.NoError(t, Window{Schedule: "@daily", Duration: time.Hour}.Validate())
	assert.Error(t, Window{Schedule: "", Duration: time.Hour}.Validate())
	assert.Error(t, Window{Schedule: "not cron", Duration: time.Hour}.Validate())
	assert.Error(t, Window{Schedule: "0 2 * * *"}.Validate())
	assert.Error(t, Window{Schedule: "0 2 * * *", Duration: time.Hour, Timezone: "Mars/Base"}.Validate())
}

func TestOracle_ActiveWindow(t *testing.T) {
	store := &fakeStore{
		orgs: map[string]string{"dev-1": "org-1", "dev-2": "org-1"},
		windows: map[string][]Window{
			"org-1": {
				{ID: "disabled", Schedule: "* * * * *", Duration: time.Hour, Enabled: false},
				{ID: "broken", Schedule: "bogus", Duration: time.Hour, Enabled: true},
				{ID: "nightly", Schedule: "0 2 * * *", Duration: 2 * time.Hour, DeviceIDs: []string{"dev-1"}, Enabled: true},
			},
		},
	}
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	oracle := NewOracle(store).WithClock(func() time.Time { return now })

	st, err := oracle.ActiveWindow(context.Background(), "org-1", "dev-1")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "nightly", st.WindowID)
	require.NotNil(t, st.EndsAt)
	assert.Equal(t, time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC), *st.EndsAt)

	in, err := oracle.InWindow(context.Background(), "dev-2")
	require.NoError(t, err)
	assert.False(t, in)

	_, err = oracle.InWindow(context.Background(), "ghost")
	assert.Error(t, err)
}
